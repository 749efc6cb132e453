package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Version is the only envelope format version this package reads or writes.
	Version = 1
	// Algorithm is recorded in every envelope.
	Algorithm = "AES-GCM-256"

	pbkdf2Iterations = 100_000
	saltSize         = 16
	ivSize           = 12
	keySize          = 32

	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

// HashKey returns the hex SHA-256 of a raw key, used to bind ciphertext to the
// key that sealed it.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func hashesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func deriveKey(secret string, salt []byte) []byte {
	return pbkdf2.Key([]byte(secret), salt, pbkdf2Iterations, keySize, sha256.New)
}

func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("envelope: read random bytes: %w", err)
	}
	return buf, nil
}

// sealed is the base64 form of one AES-GCM encryption.
type sealed struct {
	IV         string
	Salt       string
	Ciphertext string
}

func seal(secret string, plaintext []byte) (sealed, error) {
	if secret == "" {
		return sealed{}, ErrEmptyKey
	}
	salt, err := randomBytes(saltSize)
	if err != nil {
		return sealed{}, err
	}
	iv, err := randomBytes(ivSize)
	if err != nil {
		return sealed{}, err
	}

	gcm, err := newGCM(deriveKey(secret, salt))
	if err != nil {
		return sealed{}, err
	}

	return sealed{
		IV:         base64.StdEncoding.EncodeToString(iv),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, iv, plaintext, nil)),
	}, nil
}

func open(secret string, s sealed) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(s.IV)
	if err != nil || len(iv) != ivSize {
		return nil, fmt.Errorf("%w: bad iv", ErrMalformed)
	}
	salt, err := base64.StdEncoding.DecodeString(s.Salt)
	if err != nil || len(salt) == 0 {
		return nil, fmt.Errorf("%w: bad salt", ErrMalformed)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding", ErrMalformed)
	}

	gcm, err := newGCM(deriveKey(secret, salt))
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: init gcm: %w", err)
	}
	return gcm, nil
}

func timestamp() string {
	return time.Now().UTC().Format(timestampLayout)
}
