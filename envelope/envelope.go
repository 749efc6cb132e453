package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind identifies which envelope shape a payload carries.
type Kind int

const (
	KindPlain Kind = iota
	KindSingle
	KindTwoStage
	KindMultiStage
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindTwoStage:
		return "two-stage"
	case KindMultiStage:
		return "multi-stage"
	default:
		return "plain"
	}
}

// Envelope is a single-key encrypted payload. Exactly one of KeyHash (service
// or request key) and TokenHash (session token) is set.
type Envelope struct {
	Version   int    `json:"version"`
	Encrypted bool   `json:"encrypted"`
	Algorithm string `json:"algorithm"`
	IV        string `json:"iv"`
	Salt      string `json:"salt"`
	KeyHash   string `json:"keyHash,omitempty"`
	TokenHash string `json:"tokenHash,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Data      string `json:"data"`
	Timestamp string `json:"timestamp"`
}

// TwoStageEnvelope seals a token-bound Envelope a second time with a
// per-request key. Data decrypts to the inner Envelope's JSON.
type TwoStageEnvelope struct {
	Version   int    `json:"version"`
	Encrypted bool   `json:"encrypted"`
	TwoStage  bool   `json:"twoStage"`
	Algorithm string `json:"algorithm"`
	IV        string `json:"iv"`
	Salt      string `json:"salt"`
	KeyHash   string `json:"keyHash"`
	Data      string `json:"data"`
	Timestamp string `json:"timestamp"`
}

// probe decodes only the discriminating fields.
type probe struct {
	Version        *int `json:"version"`
	Encrypted      bool `json:"encrypted"`
	MultiEncrypted bool `json:"multiEncrypted"`
	TwoStage       bool `json:"twoStage"`
}

// Inspect classifies raw JSON. Anything that is not a JSON object carrying an
// encryption marker is KindPlain. Marked payloads with a missing or unknown
// version yield ErrUnsupportedVersion.
func Inspect(raw []byte) (Kind, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return KindPlain, nil
	}

	var p probe
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return KindPlain, nil
	}

	var kind Kind
	switch {
	case p.MultiEncrypted:
		kind = KindMultiStage
	case p.Encrypted && p.TwoStage:
		kind = KindTwoStage
	case p.Encrypted:
		kind = KindSingle
	default:
		return KindPlain, nil
	}

	if p.Version == nil || *p.Version != Version {
		return kind, ErrUnsupportedVersion
	}
	return kind, nil
}

// IsEncrypted reports whether raw is any recognised envelope.
func IsEncrypted(raw []byte) bool {
	kind, _ := Inspect(raw)
	return kind != KindPlain
}

func canonicalJSON(data any) ([]byte, error) {
	switch v := data.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("envelope: payload is not valid JSON")
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return nil, fmt.Errorf("envelope: compact payload: %w", err)
		}
		return buf.Bytes(), nil
	default:
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("envelope: marshal payload: %w", err)
		}
		return b, nil
	}
}

func decodeAs(raw []byte, want Kind, target any) error {
	kind, err := Inspect(raw)
	if err != nil {
		return err
	}
	if kind != want {
		return fmt.Errorf("%w: expected %s envelope, got %s", ErrMalformed, want, kind)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
