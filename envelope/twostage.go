package envelope

import (
	"encoding/json"
	"fmt"
)

// EncryptTwoStage seals data with the session token and then seals the whole
// resulting envelope with a per-request key.
func EncryptTwoStage(data any, token, requestKey string) (*TwoStageEnvelope, error) {
	if token == "" || requestKey == "" {
		return nil, ErrEmptyKey
	}

	inner, err := EncryptWithToken(data, token)
	if err != nil {
		return nil, err
	}
	innerJSON, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal inner envelope: %w", err)
	}

	outer, err := seal(requestKey, innerJSON)
	if err != nil {
		return nil, err
	}
	return &TwoStageEnvelope{
		Version:   Version,
		Encrypted: true,
		TwoStage:  true,
		Algorithm: Algorithm,
		IV:        outer.IV,
		Salt:      outer.Salt,
		KeyHash:   HashKey(requestKey),
		Data:      outer.Ciphertext,
		Timestamp: timestamp(),
	}, nil
}

// DecryptTwoStage removes the request-key layer first and then the token
// layer. Plain payloads pass through unchanged.
func DecryptTwoStage(raw []byte, token, requestKey string) ([]byte, error) {
	kind, err := Inspect(raw)
	if err != nil {
		return nil, err
	}
	if kind == KindPlain {
		return raw, nil
	}

	var env TwoStageEnvelope
	if err := decodeAs(raw, KindTwoStage, &env); err != nil {
		return nil, err
	}
	return env.Open(token, requestKey)
}

// Open unwraps both layers.
func (e *TwoStageEnvelope) Open(token, requestKey string) ([]byte, error) {
	if token == "" || requestKey == "" {
		return nil, ErrEmptyKey
	}
	if e.Version != Version {
		return nil, ErrUnsupportedVersion
	}
	if !hashesEqual(HashKey(requestKey), e.KeyHash) {
		return nil, fmt.Errorf("request key: %w", ErrKeyMismatch)
	}

	innerJSON, err := open(requestKey, sealed{IV: e.IV, Salt: e.Salt, Ciphertext: e.Data})
	if err != nil {
		return nil, err
	}
	return DecryptWithToken(innerJSON, token)
}
