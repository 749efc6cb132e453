package policy

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ambiyansyah-risyal/benteng/envelope"
)

const (
	testToken      = "session-token-for-tests"
	testServiceKey = "0123456789abcdef0123456789abcdef-service"
)

func TestEncryptResponseStrategies(t *testing.T) {
	engine := NewEngine()
	data := map[string]int{"gold": 10}

	tests := []struct {
		name          string
		keys          Keys
		policy        Policy
		wantEncrypted bool
		wantStrategy  string
		wantErr       error
	}{
		{"none", Keys{Token: testToken}, Policy{Strategy: StrategyNone}, false, "none", nil},
		{"jwt with token", Keys{Token: testToken}, Policy{Strategy: StrategyJWT}, true, "jwt", nil},
		{"jwt two stage", Keys{Token: testToken, RequestKey: "per-request-key"}, Policy{Strategy: StrategyJWT}, true, "jwt+request-key", nil},
		{"jwt optional no token", Keys{}, Policy{Strategy: StrategyJWT}, false, "none", nil},
		{"jwt mandatory no token", Keys{}, Policy{Strategy: StrategyJWT, Mandatory: true}, false, "", ErrMandatoryEncryption},
		{"service key", Keys{ServiceKey: testServiceKey}, Policy{Strategy: StrategyServiceKey}, true, "service-key", nil},
		{"service key too short", Keys{ServiceKey: "short"}, Policy{Strategy: StrategyServiceKey, Mandatory: true}, false, "", ErrMandatoryEncryption},
		{"conditional prefers token", Keys{Token: testToken, ServiceKey: testServiceKey}, Policy{Strategy: StrategyConditionalJWT}, true, "jwt", nil},
		{"conditional falls back to service key", Keys{ServiceKey: testServiceKey}, Policy{Strategy: StrategyConditionalJWT}, true, "service-key", nil},
		{"conditional nothing optional", Keys{}, Policy{Strategy: StrategyConditionalJWT}, false, "none", nil},
		{"conditional nothing mandatory", Keys{}, Policy{Strategy: StrategyConditionalJWT, Mandatory: true}, false, "", ErrMandatoryEncryption},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := engine.EncryptResponse(data, tt.keys, tt.policy)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if result.Encrypted != tt.wantEncrypted {
				t.Errorf("Expected Encrypted %v, got %v", tt.wantEncrypted, result.Encrypted)
			}
			if result.Strategy != tt.wantStrategy {
				t.Errorf("Expected strategy %q, got %q", tt.wantStrategy, result.Strategy)
			}
			if !result.Encrypted && string(result.Body) != `{"gold":10}` {
				t.Errorf("Expected plaintext body, got %s", result.Body)
			}
			if result.Encrypted != envelope.IsEncrypted(result.Body) {
				t.Errorf("Body envelope detection disagrees with Encrypted flag: %s", result.Body)
			}
		})
	}
}

func TestEncryptResponseDecryptsWithMatchingKey(t *testing.T) {
	engine := NewEngine()
	result, err := engine.EncryptResponse(map[string]string{"hp": "42"}, Keys{ServiceKey: testServiceKey}, Policy{Strategy: StrategyServiceKey})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	plain, err := envelope.Decrypt(result.Body, testServiceKey)
	if err != nil {
		t.Fatalf("Decrypt error: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(plain, &got); err != nil || got["hp"] != "42" {
		t.Errorf("Expected hp=42, got %v (%v)", got, err)
	}
}

func TestEncryptResponseUnknownStrategy(t *testing.T) {
	_, err := NewEngine().EncryptResponse("x", Keys{}, Policy{Strategy: "rot13"})
	if err == nil || !strings.Contains(err.Error(), "unknown strategy") {
		t.Errorf("Expected unknown strategy error, got %v", err)
	}
}
