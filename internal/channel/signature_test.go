package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"
)

var (
	testSecret = []byte("8f742231b10e8888abcd99yyyzzz85a5")
	testNow    = time.Unix(1700000000, 0)
	testBody   = []byte(`{"type":"event_callback","event_id":"Ev1"}`)
)

func testTimestamp() string {
	return strconv.FormatInt(testNow.Unix(), 10)
}

func TestSign_MatchesManualHMAC(t *testing.T) {
	ts := testTimestamp()
	mac := hmac.New(sha256.New, testSecret)
	mac.Write([]byte("v0:" + ts + ":" + string(testBody)))
	want := "v0=" + hex.EncodeToString(mac.Sum(nil))

	if got := Sign(testBody, ts, testSecret); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestVerify_Valid(t *testing.T) {
	ts := testTimestamp()
	sig := Sign(testBody, ts, testSecret)
	if !Verify(testBody, ts, sig, testSecret, testNow, DefaultReplayWindow) {
		t.Fatal("valid signature should verify")
	}
}

func flipAt(s string, i int) string {
	b := []byte(s)
	if b[i] == '0' {
		b[i] = '1'
	} else {
		b[i] = '0'
	}
	return string(b)
}

func TestVerify_AnySignatureFlipFails(t *testing.T) {
	ts := testTimestamp()
	sig := Sign(testBody, ts, testSecret)
	for i := range sig {
		if Verify(testBody, ts, flipAt(sig, i), testSecret, testNow, DefaultReplayWindow) {
			t.Fatalf("signature with byte %d flipped should not verify", i)
		}
	}
}

func TestVerify_AnyBodyFlipFails(t *testing.T) {
	ts := testTimestamp()
	sig := Sign(testBody, ts, testSecret)
	for i := range testBody {
		body := []byte(flipAt(string(testBody), i))
		if Verify(body, ts, sig, testSecret, testNow, DefaultReplayWindow) {
			t.Fatalf("body with byte %d flipped should not verify", i)
		}
	}
}

func TestVerify_AnyTimestampFlipFails(t *testing.T) {
	ts := testTimestamp()
	sig := Sign(testBody, ts, testSecret)
	for i := range ts {
		if Verify(testBody, flipAt(ts, i), sig, testSecret, testNow, 100*365*24*time.Hour) {
			t.Fatalf("timestamp with digit %d flipped should not verify", i)
		}
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	ts := testTimestamp()
	sig := Sign(testBody, ts, []byte("other-secret"))
	if Verify(testBody, ts, sig, testSecret, testNow, DefaultReplayWindow) {
		t.Fatal("signature from another secret should not verify")
	}
}

func TestVerify_MissingHeaders(t *testing.T) {
	ts := testTimestamp()
	sig := Sign(testBody, ts, testSecret)
	if Verify(testBody, "", sig, testSecret, testNow, DefaultReplayWindow) {
		t.Error("missing timestamp should not verify")
	}
	if Verify(testBody, ts, "", testSecret, testNow, DefaultReplayWindow) {
		t.Error("missing signature should not verify")
	}
}

func TestVerify_NonNumericTimestamp(t *testing.T) {
	sig := Sign(testBody, "yesterday", testSecret)
	if Verify(testBody, "yesterday", sig, testSecret, testNow, DefaultReplayWindow) {
		t.Fatal("non-numeric timestamp should not verify")
	}
}

func TestVerify_ReplayWindow(t *testing.T) {
	cases := []struct {
		name   string
		offset time.Duration
		ok     bool
	}{
		{"now", 0, true},
		{"299s old", -299 * time.Second, true},
		{"300s old", -300 * time.Second, true},
		{"301s old", -301 * time.Second, false},
		{"1h old", -time.Hour, false},
		{"299s ahead", 299 * time.Second, true},
		{"301s ahead", 301 * time.Second, false},
		{"1h ahead", time.Hour, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := strconv.FormatInt(testNow.Add(tc.offset).Unix(), 10)
			sig := Sign(testBody, ts, testSecret)
			if got := Verify(testBody, ts, sig, testSecret, testNow, DefaultReplayWindow); got != tc.ok {
				t.Fatalf("expected %v, got %v", tc.ok, got)
			}
		})
	}
}
