// Package secondary describes the opaque secondary-factor capability (for
// example a face check) that may be required after PIN success.
package secondary

import (
	"context"
	"errors"
	"fmt"
)

// DefaultThreshold is the minimum confidence accepted as a match.
const DefaultThreshold = 0.6

var (
	ErrNotSupported            = errors.New("secondary factor not supported on this device")
	ErrNotEnrolled             = errors.New("secondary factor not enrolled")
	ErrNoSignalDetected        = errors.New("no signal detected")
	ErrMultipleSignalsDetected = errors.New("multiple signals detected")
)

// Sample is one capture result. Confidence is in [0, 1].
type Sample struct {
	Confidence float64 `json:"confidence"`
	SampleID   string  `json:"sample_id"`
}

func (s Sample) Validate() error {
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range [0,1]", s.Confidence)
	}
	return nil
}

// Device is an acquired capture resource, such as an open camera. Close releases it.
type Device interface {
	Capture(ctx context.Context) (Sample, error)
	Close() error
}

// Verifier acquires capture devices.
type Verifier interface {
	Open(ctx context.Context) (Device, error)
}

// Capture acquires a device, takes one sample and always releases the device,
// whether the capture succeeds, fails or ctx is cancelled.
func Capture(ctx context.Context, v Verifier) (sample Sample, err error) {
	dev, err := v.Open(ctx)
	if err != nil {
		return Sample{}, err
	}
	defer func() {
		if cerr := dev.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to release capture device: %w", cerr)
		}
	}()

	sample, err = dev.Capture(ctx)
	if err != nil {
		return Sample{}, err
	}
	if err := sample.Validate(); err != nil {
		return Sample{}, err
	}
	return sample, nil
}

// Unsupported is the verifier for hosts with no capture hardware.
type Unsupported struct{}

func (Unsupported) Open(context.Context) (Device, error) {
	return nil, ErrNotSupported
}
