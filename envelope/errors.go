package envelope

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyMismatch is returned when the supplied key's hash differs from the
	// hash recorded in the envelope. No decryption is attempted.
	ErrKeyMismatch = errors.New("envelope: key does not match the key used for encryption")

	// ErrDecryptionFailed covers every AEAD failure. It deliberately carries no detail.
	ErrDecryptionFailed = errors.New("envelope: decryption failed: incorrect key or corrupted data")

	// ErrUnmatchedKey is returned when no stage of a multi-stage envelope
	// matches a supplied party. It wraps ErrKeyMismatch.
	ErrUnmatchedKey = fmt.Errorf("%w: no stage matches the supplied key", ErrKeyMismatch)

	// ErrMasterKeyMismatch means two stages unwrapped to different master keys.
	ErrMasterKeyMismatch = errors.New("envelope: stages disagree on the master key")

	// ErrUserMismatch means a token's subject differs from the envelope's userId.
	ErrUserMismatch = errors.New("envelope: token subject does not match the envelope")

	ErrUnsupportedVersion = errors.New("envelope: unsupported envelope version")
	ErrMalformed          = errors.New("envelope: malformed envelope")
	ErrEmptyKey           = errors.New("envelope: key must not be empty")
	ErrPartyCount         = fmt.Errorf("envelope: multi-stage encryption needs between %d and %d parties", MinParties, MaxParties)
	ErrDuplicateParty     = errors.New("envelope: two parties share the same key")
	ErrTooManyParties     = errors.New("envelope: more parties supplied than the envelope has stages")
)

// IncompleteVerificationError reports how many of the required stages were
// verified when fewer parties than stages were supplied.
type IncompleteVerificationError struct {
	Verified int
	Required int
}

func (e *IncompleteVerificationError) Error() string {
	return fmt.Sprintf("envelope: incomplete verification: %d of %d parties verified", e.Verified, e.Required)
}

// TypeMismatchError is returned when a party matched a stage by key hash but
// declared a different key type than the one recorded for that stage.
type TypeMismatchError struct {
	PartyID  string
	Expected KeyType
	Got      KeyType
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("envelope: party %q presented a %s key for a %s stage", e.PartyID, e.Got, e.Expected)
}
