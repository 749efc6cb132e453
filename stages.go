package benteng

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ambiyansyah-risyal/benteng/envelope"
	"github.com/ambiyansyah-risyal/benteng/policy"
)

const tracerName = "github.com/ambiyansyah-risyal/benteng"

// HeaderStage sets headers the request does not already carry.
func HeaderStage(header http.Header) Stage {
	return StageFunc(func(ctx context.Context, req *Request, next Handler) (*Response, error) {
		if req.Header == nil {
			req.Header = make(http.Header)
		}
		for k, v := range header {
			if req.Header.Get(k) == "" {
				req.Header[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
			}
		}
		return next(ctx, req)
	})
}

// LoggingStage logs every transport attempt.
func LoggingStage(logger Logger) Stage {
	return StageFunc(func(ctx context.Context, req *Request, next Handler) (*Response, error) {
		start := time.Now()
		logger.Debug("Sending request", "requestID", req.ID, "method", req.Method, "target", req.Target)

		resp, err := next(ctx, req)
		if err != nil {
			logger.Warn("Request failed", "requestID", req.ID, "duration", time.Since(start), "error", err)
			return nil, err
		}
		logger.Debug("Received response", "requestID", req.ID, "status", resp.Status, "duration", time.Since(start))
		return resp, nil
	})
}

// TracingStage wraps every transport attempt in a client span.
func TracingStage(tp trace.TracerProvider) Stage {
	tracer := tp.Tracer(tracerName)
	return StageFunc(func(ctx context.Context, req *Request, next Handler) (*Response, error) {
		ctx, span := tracer.Start(ctx, "benteng "+req.Method,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("http.request.method", req.Method),
				attribute.String("url.full", req.Target),
				attribute.String("benteng.request_id", req.ID),
				attribute.String("benteng.priority", req.Priority.String()),
			),
		)
		defer span.End()

		resp, err := next(ctx, req)
		if err != nil {
			if code := StatusCode(err); code > 0 {
				span.SetAttributes(attribute.Int("http.response.status_code", code))
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
		return resp, nil
	})
}

// DecryptionKeys is the key material available to decrypt one response.
type DecryptionKeys struct {
	Token      string
	RequestKey string
	ServiceKey string
	// Parties overrides the parties derived from the keys above for
	// multi-stage envelopes.
	Parties []envelope.Party
}

func (k DecryptionKeys) parties() []envelope.Party {
	if len(k.Parties) > 0 {
		return k.Parties
	}
	var parties []envelope.Party
	if k.Token != "" {
		parties = append(parties, envelope.Party{ID: "session", Key: k.Token, KeyType: envelope.KeyTypeJWT})
	}
	if k.RequestKey != "" {
		parties = append(parties, envelope.Party{ID: "request", Key: k.RequestKey, KeyType: envelope.KeyTypeRequestKey})
	}
	if k.ServiceKey != "" {
		parties = append(parties, envelope.Party{ID: "service", Key: k.ServiceKey, KeyType: envelope.KeyTypeServiceKey})
	}
	return parties
}

// KeySource supplies decryption keys for a request.
type KeySource interface {
	Keys(ctx context.Context, req *Request) DecryptionKeys
}

// KeySourceFunc adapts a function to KeySource.
type KeySourceFunc func(ctx context.Context, req *Request) DecryptionKeys

// Keys implements KeySource.
func (f KeySourceFunc) Keys(ctx context.Context, req *Request) DecryptionKeys {
	return f(ctx, req)
}

// BearerKeySource takes the session token from the request's Authorization
// header and the request key from its X-Request-Key header.
func BearerKeySource(serviceKey string) KeySource {
	return KeySourceFunc(func(_ context.Context, req *Request) DecryptionKeys {
		keys := DecryptionKeys{ServiceKey: serviceKey}
		if req.Header == nil {
			return keys
		}
		keys.Token, _ = policy.ExtractBearerToken(req.Header.Get("Authorization"))
		keys.RequestKey = strings.TrimSpace(req.Header.Get(policy.RequestKeyHeader))
		return keys
	})
}

// DecryptionStage replaces encrypted response payloads with their plaintext.
// Plain payloads pass through. Failures are never swallowed: the request
// fails with a Decryption ClientError.
type DecryptionStage struct {
	keys    KeySource
	metrics *MetricsCollector
}

// NewDecryptionStage creates a decryption stage.
func NewDecryptionStage(keys KeySource) *DecryptionStage {
	return &DecryptionStage{keys: keys}
}

// Handle implements Stage.
func (s *DecryptionStage) Handle(ctx context.Context, req *Request, next Handler) (*Response, error) {
	resp, err := next(ctx, req)
	if err != nil || resp == nil || len(resp.Data) == 0 {
		return resp, err
	}

	kind, err := envelope.Inspect(resp.Data)
	if err != nil {
		s.metrics.RecordDecryptionFailure(kind.String())
		return nil, newClientError(ErrorTypeDecryption, "unrecognised response envelope", err, req)
	}
	if kind == envelope.KindPlain {
		return resp, nil
	}

	plaintext, err := s.open(kind, resp.Data, s.keys.Keys(ctx, req))
	if err != nil {
		s.metrics.RecordDecryptionFailure(kind.String())
		return nil, newClientError(ErrorTypeDecryption, "cannot decrypt "+kind.String()+" response", err, req)
	}
	out := resp.Clone()
	out.Data = plaintext
	return out, nil
}

func (s *DecryptionStage) open(kind envelope.Kind, raw []byte, keys DecryptionKeys) ([]byte, error) {
	switch kind {
	case envelope.KindSingle:
		var env envelope.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, errors.Join(envelope.ErrMalformed, err)
		}
		for _, key := range []string{keys.Token, keys.ServiceKey, keys.RequestKey} {
			if env.BoundTo(key) {
				return env.Open(key)
			}
		}
		return nil, envelope.ErrKeyMismatch
	case envelope.KindTwoStage:
		return envelope.DecryptTwoStage(raw, keys.Token, keys.RequestKey)
	case envelope.KindMultiStage:
		return envelope.DecryptMultiStage(raw, keys.parties())
	default:
		return raw, nil
	}
}
