package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
)

// Response headers describing the applied encryption.
const (
	HeaderEncrypted = "X-Encrypted"
	HeaderStrategy  = "X-Encryption-Strategy"
)

// bufferedWriter captures a handler's output so it can be encrypted as a whole.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: make(http.Header)}
}

func (w *bufferedWriter) Header() http.Header { return w.header }

func (w *bufferedWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(b)
}

func (w *bufferedWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

// Middleware encrypts successful responses according to the engine's
// policies. Routes without a matching policy and error statuses are passed
// through untouched, as are non-JSON bodies on optional routes. A mandatory
// route never serves a plaintext body.
func Middleware(engine *Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FindMatchingPolicy(r.URL.Path, r, engine.policies)
			if !ok || p.Strategy == StrategyNone {
				next.ServeHTTP(w, r)
				return
			}

			buf := newBufferedWriter()
			next.ServeHTTP(buf, r)
			if buf.status == 0 {
				buf.status = http.StatusOK
			}

			body := buf.body.Bytes()
			if buf.status < 200 || buf.status > 299 || len(body) == 0 {
				flush(w, buf.header, buf.status, body)
				return
			}
			payload, ok := payloadOf(body, buf.header.Get("Content-Type"), p.Mandatory)
			if !ok {
				flush(w, buf.header, buf.status, body)
				return
			}

			result, err := engine.EncryptResponse(payload, KeysFromRequest(r, engine.serviceKey), p)
			if err != nil {
				engine.logger.Error("response encryption failed",
					"path", r.URL.Path, "pattern", p.Pattern, "error", err)
				status := http.StatusInternalServerError
				msg := "response encryption failed"
				if errors.Is(err, ErrMandatoryEncryption) {
					msg = "encryption required but no key was provided"
				}
				writeError(w, status, msg)
				return
			}

			if result.Encrypted {
				buf.header.Set("Content-Type", "application/json")
				buf.header.Set(HeaderEncrypted, "true")
				buf.header.Set(HeaderStrategy, result.Strategy)
			}
			flush(w, buf.header, buf.status, result.Body)
		})
	}
}

// payloadOf picks what to encrypt. Valid JSON is encrypted as is whatever
// its declared type. On mandatory routes any other body is encrypted as a
// JSON string; elsewhere it is left alone.
func payloadOf(body []byte, contentType string, mandatory bool) (any, bool) {
	if json.Valid(body) && (mandatory || contentType == "" || isJSON(contentType)) {
		return json.RawMessage(body), true
	}
	if mandatory {
		return string(body), true
	}
	return nil, false
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json"
}

func flush(w http.ResponseWriter, header http.Header, status int, body []byte) {
	dst := w.Header()
	for k, v := range header {
		dst[k] = v
	}
	dst.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
