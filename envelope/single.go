package envelope

import (
	"encoding/json"
	"fmt"
)

// Encrypt seals data under a service or request key. data is serialised with
// encoding/json; a json.RawMessage is compacted and used as is.
func Encrypt(data any, key string) (*Envelope, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	plaintext, err := canonicalJSON(data)
	if err != nil {
		return nil, err
	}
	s, err := seal(key, plaintext)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Version:   Version,
		Encrypted: true,
		Algorithm: Algorithm,
		IV:        s.IV,
		Salt:      s.Salt,
		KeyHash:   HashKey(key),
		Data:      s.Ciphertext,
		Timestamp: timestamp(),
	}, nil
}

// Decrypt opens a single-key envelope (service key or token bound) and returns
// the plaintext JSON. Payloads that are not envelopes are returned unchanged.
func Decrypt(raw []byte, key string) ([]byte, error) {
	kind, err := Inspect(raw)
	if err != nil {
		return nil, err
	}
	if kind == KindPlain {
		return raw, nil
	}
	if kind != KindSingle && kind != KindTwoStage {
		return nil, fmt.Errorf("%w: %s envelope needs its own decrypt call", ErrMalformed, kind)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env.Open(key)
}

// Open verifies key against the envelope's binding hash and decrypts.
func (e *Envelope) Open(key string) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if e.Version != Version {
		return nil, ErrUnsupportedVersion
	}

	if e.bindingHash() == "" {
		return nil, fmt.Errorf("%w: no key binding hash", ErrMalformed)
	}
	if !e.BoundTo(key) {
		return nil, ErrKeyMismatch
	}
	if e.UserID != "" && tokenSubject(key) != e.UserID {
		return nil, ErrUserMismatch
	}

	return open(key, sealed{IV: e.IV, Salt: e.Salt, Ciphertext: e.Data})
}

// BoundTo reports whether key is the key the envelope was sealed with. Only
// hashes are compared.
func (e *Envelope) BoundTo(key string) bool {
	expected := e.bindingHash()
	return expected != "" && key != "" && hashesEqual(HashKey(key), expected)
}

func (e *Envelope) bindingHash() string {
	if e.KeyHash != "" {
		return e.KeyHash
	}
	return e.TokenHash
}

// DecryptInto decrypts raw with key and unmarshals the plaintext into v.
func DecryptInto(raw []byte, key string, v any) error {
	plaintext, err := Decrypt(raw, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(plaintext, v)
}
