package policy

import (
	"errors"
	"net/http"
	"strings"
)

// Strategy names how a route's responses are encrypted.
type Strategy string

const (
	StrategyNone           Strategy = "none"
	StrategyJWT            Strategy = "jwt"
	StrategyServiceKey     Strategy = "service-key"
	StrategyConditionalJWT Strategy = "conditional-jwt"
)

// Key length minimums.
const (
	MinTokenLength      = 10
	MinServiceKeyLength = 32
)

// RequestKeyHeader carries an optional per-request key. When present alongside
// a session token, JWT routes use the two-stage envelope.
const RequestKeyHeader = "X-Request-Key"

// ErrMandatoryEncryption is returned when a mandatory policy has no usable key.
var ErrMandatoryEncryption = errors.New("policy: encryption is mandatory for this route but no suitable key is available")

// Policy binds a path pattern to an encryption strategy.
type Policy struct {
	Pattern   string
	Strategy  Strategy
	Mandatory bool
	Predicate func(*http.Request) bool
}

// DefaultPolicies is the route table used when none is configured. Specific
// routes come first.
func DefaultPolicies() []Policy {
	return []Policy{
		{Pattern: "/api/auth/**", Strategy: StrategyNone},
		{Pattern: "/api/health", Strategy: StrategyNone},
		{Pattern: "/api/admin/**", Strategy: StrategyServiceKey, Mandatory: true},
		{Pattern: "/api/game/character/**", Strategy: StrategyJWT, Mandatory: true},
		{Pattern: "/api/game/inventory/**", Strategy: StrategyJWT, Mandatory: true},
		{Pattern: "/api/game/**", Strategy: StrategyConditionalJWT},
		{Pattern: "/**", Strategy: StrategyNone},
	}
}

// Keys is the key material available for one response.
type Keys struct {
	Token      string
	RequestKey string
	ServiceKey string
}

// ExtractBearerToken returns the token from an "Authorization: Bearer <token>"
// header value. Tokens shorter than MinTokenLength are rejected.
func ExtractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if len(token) < MinTokenLength {
		return "", false
	}
	return token, true
}

// KeysFromRequest collects the session token and request key from r.
func KeysFromRequest(r *http.Request, serviceKey string) Keys {
	token, _ := ExtractBearerToken(r.Header.Get("Authorization"))
	keys := Keys{Token: token, ServiceKey: serviceKey}
	if token != "" {
		keys.RequestKey = strings.TrimSpace(r.Header.Get(RequestKeyHeader))
	}
	return keys
}

func (k Keys) hasToken() bool      { return len(k.Token) >= MinTokenLength }
func (k Keys) hasServiceKey() bool { return len(k.ServiceKey) >= MinServiceKeyLength }
