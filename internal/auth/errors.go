package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrCredentialsInvalid is the only error a caller sees for a rejected
	// token. The precise reason goes to the security log.
	ErrCredentialsInvalid = errors.New("auth: credentials invalid")
	// ErrAccessForbidden reports a caller acting on another caller's data.
	ErrAccessForbidden = errors.New("auth: access forbidden")

	ErrKeyNotFound  = errors.New("signing key not found in key set")
	ErrKeyIDMissing = errors.New("token header has no kid")
)

// KeyFetchError reports that no usable signing key could be produced for KeyID.
type KeyFetchError struct {
	KeyID string
	Err   error
}

func (e *KeyFetchError) Error() string {
	if e.KeyID == "" {
		return fmt.Sprintf("key fetch: %v", e.Err)
	}
	return fmt.Sprintf("key fetch for kid %q: %v", e.KeyID, e.Err)
}

func (e *KeyFetchError) Unwrap() error { return e.Err }
