package envelope

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Party bounds for multi-stage encryption.
const (
	MinParties = 2
	MaxParties = 10
)

// KeyType tags the origin of a party's key material.
type KeyType string

const (
	KeyTypeJWT        KeyType = "jwt"
	KeyTypeRequestKey KeyType = "request-key"
	KeyTypeServiceKey KeyType = "service-key"
)

// Party is one key holder in a multi-stage envelope.
type Party struct {
	ID      string
	Key     string
	KeyType KeyType
}

// Stage is one party's wrap of the master key. Stages are matched to parties
// by KeyHash; their position in the slice carries no meaning.
type Stage struct {
	Stage   int     `json:"stage"`
	IV      string  `json:"iv"`
	Salt    string  `json:"salt"`
	KeyHash string  `json:"keyHash"`
	KeyType KeyType `json:"keyType"`
	UserID  string  `json:"userId,omitempty"`
	Data    string  `json:"data"`
}

// MultiStageEnvelope requires every party to decrypt.
type MultiStageEnvelope struct {
	Version        int     `json:"version"`
	MultiEncrypted bool    `json:"multiEncrypted"`
	Algorithm      string  `json:"algorithm"`
	StageCount     int     `json:"stageCount"`
	Stages         []Stage `json:"stages"`
	Data           string  `json:"data"`
	Timestamp      string  `json:"timestamp"`
}

// payloadBlob is base64-encoded JSON inside MultiStageEnvelope.Data.
type payloadBlob struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Salt       string `json:"salt"`
}

// EncryptMultiStage seals data under a random master key and wraps that key
// once for each party.
func EncryptMultiStage(data any, parties []Party) (*MultiStageEnvelope, error) {
	if len(parties) < MinParties || len(parties) > MaxParties {
		return nil, ErrPartyCount
	}
	seen := make(map[string]struct{}, len(parties))
	for _, p := range parties {
		if p.Key == "" {
			return nil, fmt.Errorf("party %q: %w", p.ID, ErrEmptyKey)
		}
		h := HashKey(p.Key)
		if _, dup := seen[h]; dup {
			return nil, fmt.Errorf("party %q: %w", p.ID, ErrDuplicateParty)
		}
		seen[h] = struct{}{}
	}

	plaintext, err := canonicalJSON(data)
	if err != nil {
		return nil, err
	}

	raw, err := randomBytes(keySize)
	if err != nil {
		return nil, err
	}
	masterKey := hex.EncodeToString(raw)

	payload, err := seal(masterKey, plaintext)
	if err != nil {
		return nil, err
	}
	blob, err := json.Marshal(payloadBlob{Ciphertext: payload.Ciphertext, IV: payload.IV, Salt: payload.Salt})
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload blob: %w", err)
	}

	stages := make([]Stage, len(parties))
	var g errgroup.Group
	for i, p := range parties {
		g.Go(func() error {
			wrapped, err := seal(p.Key, []byte(masterKey))
			if err != nil {
				return fmt.Errorf("party %q: %w", p.ID, err)
			}
			stage := Stage{
				Stage:   i + 1,
				IV:      wrapped.IV,
				Salt:    wrapped.Salt,
				KeyHash: HashKey(p.Key),
				KeyType: p.KeyType,
				Data:    wrapped.Ciphertext,
			}
			if p.KeyType == KeyTypeJWT {
				stage.UserID = tokenSubject(p.Key)
			}
			stages[i] = stage
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &MultiStageEnvelope{
		Version:        Version,
		MultiEncrypted: true,
		Algorithm:      Algorithm,
		StageCount:     len(parties),
		Stages:         stages,
		Data:           base64.StdEncoding.EncodeToString(blob),
		Timestamp:      timestamp(),
	}, nil
}

// DecryptMultiStage opens a multi-stage envelope. Parties may be supplied in
// any order. Plain payloads pass through unchanged.
func DecryptMultiStage(raw []byte, parties []Party) ([]byte, error) {
	kind, err := Inspect(raw)
	if err != nil {
		return nil, err
	}
	if kind == KindPlain {
		return raw, nil
	}

	var env MultiStageEnvelope
	if err := decodeAs(raw, KindMultiStage, &env); err != nil {
		return nil, err
	}
	return env.Open(parties)
}

// Open verifies every supplied party against its stage, unwraps the master key
// from each and decrypts the payload once all stages agree.
func (e *MultiStageEnvelope) Open(parties []Party) ([]byte, error) {
	if e.Version != Version {
		return nil, ErrUnsupportedVersion
	}
	if e.StageCount != len(e.Stages) || e.StageCount < MinParties {
		return nil, fmt.Errorf("%w: stage count %d does not match %d stages", ErrMalformed, e.StageCount, len(e.Stages))
	}
	if len(parties) > e.StageCount {
		return nil, fmt.Errorf("%w: got %d parties for %d stages", ErrTooManyParties, len(parties), e.StageCount)
	}

	byHash := make(map[string]int, len(e.Stages))
	for i, s := range e.Stages {
		byHash[s.KeyHash] = i
	}

	type match struct {
		party Party
		stage Stage
	}
	matches := make([]match, 0, len(parties))
	used := make(map[int]struct{}, len(parties))
	for _, p := range parties {
		if p.Key == "" {
			return nil, fmt.Errorf("party %q: %w", p.ID, ErrEmptyKey)
		}
		idx, ok := byHash[HashKey(p.Key)]
		if !ok {
			return nil, fmt.Errorf("party %q: %w", p.ID, ErrUnmatchedKey)
		}
		stage := e.Stages[idx]
		if p.KeyType != "" && stage.KeyType != "" && p.KeyType != stage.KeyType {
			return nil, &TypeMismatchError{PartyID: p.ID, Expected: stage.KeyType, Got: p.KeyType}
		}
		if stage.UserID != "" && tokenSubject(p.Key) != stage.UserID {
			return nil, fmt.Errorf("party %q: %w", p.ID, ErrUserMismatch)
		}
		if _, dup := used[idx]; dup {
			continue
		}
		used[idx] = struct{}{}
		matches = append(matches, match{party: p, stage: stage})
	}

	masterKeys := make([][]byte, len(matches))
	var g errgroup.Group
	for i, m := range matches {
		g.Go(func() error {
			key, err := open(m.party.Key, sealed{IV: m.stage.IV, Salt: m.stage.Salt, Ciphertext: m.stage.Data})
			if err != nil {
				return fmt.Errorf("stage %d: %w", m.stage.Stage, err)
			}
			masterKeys[i] = key
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := 1; i < len(masterKeys); i++ {
		if subtle.ConstantTimeCompare(masterKeys[0], masterKeys[i]) != 1 {
			return nil, ErrMasterKeyMismatch
		}
	}

	if len(matches) < e.StageCount {
		return nil, &IncompleteVerificationError{Verified: len(matches), Required: e.StageCount}
	}

	blobJSON, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: bad payload encoding", ErrMalformed)
	}
	var blob payloadBlob
	if err := json.Unmarshal(blobJSON, &blob); err != nil {
		return nil, fmt.Errorf("%w: bad payload blob", ErrMalformed)
	}

	return open(string(masterKeys[0]), sealed{IV: blob.IV, Salt: blob.Salt, Ciphertext: blob.Ciphertext})
}
