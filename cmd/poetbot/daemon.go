package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"poetbot/internal/config"
)

func installDaemonCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install poetbot serve or worker as a user service (launchd/systemd)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != "serve" && role != "worker" {
				return fmt.Errorf("--role must be serve or worker")
			}
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			cfgPath := resolveConfigPath()
			if cfgPath == "" {
				cfgPath = config.DefaultConfigPath()
			}

			switch runtime.GOOS {
			case "darwin":
				return installLaunchd(execPath, cfgPath, role)
			case "linux":
				return installSystemd(execPath, cfgPath, role)
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
	cmd.Flags().StringVar(&role, "role", "serve", "which command the service runs: serve or worker")
	return cmd
}

func uninstallDaemonCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove a poetbot user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := servicePath(role)
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Service removed: %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "serve", "serve or worker")
	return cmd
}

func launchdLabel(role string) string { return "com.poetbot." + role }
func systemdUnit(role string) string { return "poetbot-" + role + ".service" }

func servicePath(role string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", launchdLabel(role)+".plist"), nil
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", systemdUnit(role)), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
}

func renderService(tmpl, execPath, cfgPath, role string) string {
	home, _ := os.UserHomeDir()
	logDir := filepath.Join(home, ".poetbot", "logs")
	return strings.NewReplacer(
		"{{EXEC}}", execPath,
		"{{CONFIG}}", cfgPath,
		"{{ROLE}}", role,
		"{{LABEL}}", launchdLabel(role),
		"{{LOG}}", filepath.Join(logDir, "poetbot-"+role+".log"),
		"{{ERR_LOG}}", filepath.Join(logDir, "poetbot-"+role+"-error.log"),
	).Replace(tmpl)
}

func writeService(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func installLaunchd(execPath, cfgPath, role string) error {
	path, err := servicePath(role)
	if err != nil {
		return err
	}
	home, _ := os.UserHomeDir()
	os.MkdirAll(filepath.Join(home, ".poetbot", "logs"), 0o755)

	if err := writeService(path, renderService(launchdTemplate, execPath, cfgPath, role)); err != nil {
		return err
	}
	fmt.Printf("Service installed: %s\n", path)
	fmt.Printf("To start: launchctl load %s\n", path)
	fmt.Printf("To stop:  launchctl unload %s\n", path)
	return nil
}

func installSystemd(execPath, cfgPath, role string) error {
	path, err := servicePath(role)
	if err != nil {
		return err
	}
	if err := writeService(path, renderService(systemdTemplate, execPath, cfgPath, role)); err != nil {
		return err
	}
	unit := systemdUnit(role)
	fmt.Printf("Service installed: %s\n", path)
	fmt.Printf("To start:  systemctl --user start %s\n", unit)
	fmt.Printf("To enable: systemctl --user enable %s\n", unit)
	return nil
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>{{ROLE}}</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=poetbot {{ROLE}}
After=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} {{ROLE}} --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
