package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// EncryptWithToken seals data under a session token. The envelope records the
// token hash and, when the token is a JWT with a subject, that subject as
// userId.
func EncryptWithToken(data any, token string) (*Envelope, error) {
	if token == "" {
		return nil, ErrEmptyKey
	}
	plaintext, err := canonicalJSON(data)
	if err != nil {
		return nil, err
	}
	s, err := seal(token, plaintext)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Version:   Version,
		Encrypted: true,
		Algorithm: Algorithm,
		IV:        s.IV,
		Salt:      s.Salt,
		TokenHash: HashKey(token),
		UserID:    tokenSubject(token),
		Data:      s.Ciphertext,
		Timestamp: timestamp(),
	}, nil
}

// DecryptWithToken opens a token-bound envelope. Plain payloads pass through.
// A service-key envelope is rejected even if the bytes happen to match.
func DecryptWithToken(raw []byte, token string) ([]byte, error) {
	kind, err := Inspect(raw)
	if err != nil {
		return nil, err
	}
	if kind == KindPlain {
		return raw, nil
	}
	if kind != KindSingle {
		return nil, fmt.Errorf("%w: expected single envelope, got %s", ErrMalformed, kind)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.TokenHash == "" {
		return nil, fmt.Errorf("%w: envelope is not token bound", ErrKeyMismatch)
	}
	return env.Open(token)
}

// tokenSubject returns the sub claim of a JWT without verifying its signature.
// Non-JWT tokens have no subject.
func tokenSubject(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}
