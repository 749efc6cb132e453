package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ambiyansyah-risyal/benteng/envelope"
)

// Result is an encoded response body and the strategy actually applied.
type Result struct {
	Body      []byte
	Encrypted bool
	Strategy  string
}

// Engine applies policies to response payloads.
type Engine struct {
	policies   []Policy
	serviceKey string
	logger     *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPolicies replaces the default route table.
func WithPolicies(policies []Policy) EngineOption {
	return func(e *Engine) {
		e.policies = policies
	}
}

// WithServiceKey sets the deployment service key.
func WithServiceKey(key string) EngineOption {
	return func(e *Engine) {
		e.serviceKey = key
	}
}

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine returns an Engine using DefaultPolicies unless configured otherwise.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		policies: DefaultPolicies(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policies returns the engine's route table.
func (e *Engine) Policies() []Policy {
	return e.policies
}

// ServiceKey returns the configured service key.
func (e *Engine) ServiceKey() string {
	return e.serviceKey
}

// EncryptResponse encodes data according to p. A mandatory policy without a
// usable key yields ErrMandatoryEncryption; otherwise the missing key falls
// back to plaintext.
func (e *Engine) EncryptResponse(data any, keys Keys, p Policy) (Result, error) {
	switch p.Strategy {
	case StrategyNone, "":
		return plain(data)

	case StrategyJWT:
		if keys.hasToken() {
			return encryptWithToken(data, keys)
		}

	case StrategyServiceKey:
		if keys.hasServiceKey() {
			return encryptWithServiceKey(data, keys.ServiceKey)
		}

	case StrategyConditionalJWT:
		if keys.hasToken() {
			return encryptWithToken(data, keys)
		}
		if keys.hasServiceKey() {
			return encryptWithServiceKey(data, keys.ServiceKey)
		}

	default:
		return Result{}, fmt.Errorf("policy: unknown strategy %q", p.Strategy)
	}

	if p.Mandatory {
		return Result{}, fmt.Errorf("%w: pattern %s, strategy %s", ErrMandatoryEncryption, p.Pattern, p.Strategy)
	}
	e.logger.Debug("no key for optional encryption, serving plaintext",
		"pattern", p.Pattern, "strategy", string(p.Strategy))
	return plain(data)
}

func plain(data any) (Result, error) {
	body, err := marshal(data)
	if err != nil {
		return Result{}, err
	}
	return Result{Body: body, Strategy: string(StrategyNone)}, nil
}

func encryptWithToken(data any, keys Keys) (Result, error) {
	if keys.RequestKey != "" {
		env, err := envelope.EncryptTwoStage(data, keys.Token, keys.RequestKey)
		if err != nil {
			return Result{}, err
		}
		return encoded(env, "jwt+request-key")
	}
	env, err := envelope.EncryptWithToken(data, keys.Token)
	if err != nil {
		return Result{}, err
	}
	return encoded(env, string(StrategyJWT))
}

func encryptWithServiceKey(data any, key string) (Result, error) {
	env, err := envelope.Encrypt(data, key)
	if err != nil {
		return Result{}, err
	}
	return encoded(env, string(StrategyServiceKey))
}

func encoded(env any, strategy string) (Result, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return Result{}, fmt.Errorf("policy: marshal envelope: %w", err)
	}
	return Result{Body: body, Encrypted: true, Strategy: strategy}, nil
}

func marshal(data any) ([]byte, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("policy: marshal payload: %w", err)
	}
	return body, nil
}
