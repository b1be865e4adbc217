package domain

import "errors"

// Error categories. Wrap them together with the cause:
//
//	fmt.Errorf("%w: %w", domain.ErrDelivery, err)
var (
	ErrConfiguration = errors.New("configuration error")
	ErrDispatch      = errors.New("dispatch failed")
	ErrGeneration    = errors.New("generation failed")
	ErrDelivery      = errors.New("delivery failed")
	ErrInvalidJob    = errors.New("invalid job")
)
