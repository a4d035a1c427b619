package auth

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/sheikh-saqib/offline-payments-auth/internal/errs"
	interfaces "github.com/sheikh-saqib/offline-payments-auth/internal/interfaces"
)

// PinLength is the exact number of digits in a PIN.
const PinLength = 6

// DefaultPin seeds the credential store for a user with no PIN.
const DefaultPin = "123456"

// ValidatePin checks the format only: exactly six ASCII digits.
func ValidatePin(pin string) error {
	if len(pin) != PinLength {
		return errs.New(errs.ErrValidation, "PIN must be %d digits", PinLength)
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return errs.New(errs.ErrValidation, "PIN must contain digits only")
		}
	}
	return nil
}

// pinsEqual compares digit sequences exactly; "012345" and "12345" never match.
func pinsEqual(entered, stored string) bool {
	return subtle.ConstantTimeCompare([]byte(entered), []byte(stored)) == 1
}

// storedPin loads the user's PIN, seeding the default on first use.
func storedPin(ctx context.Context, creds interfaces.CredentialStore, userID, fallback string) (string, error) {
	pin, err := creds.Get(ctx, userID)
	if err == nil {
		return pin, nil
	}
	if !errors.Is(err, interfaces.ErrCredentialNotFound) {
		return "", errs.Wrap(errs.ErrStorageUnavailable, err, "failed to load PIN")
	}
	if err := creds.Set(ctx, userID, fallback); err != nil {
		return "", errs.Wrap(errs.ErrStorageUnavailable, err, "failed to seed default PIN")
	}
	return fallback, nil
}
