package benteng

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
)

// Fingerprint identifies requests that are interchangeable for deduplication
// and caching: METHOD|target|sorted params, plus a body hash for methods that
// mutate. The body hash is FNV-1a, a collision-avoidance key only.
func Fingerprint(req *Request) string {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var b strings.Builder
	b.WriteString(method)
	b.WriteByte('|')
	b.WriteString(req.Target)
	b.WriteByte('|')
	b.WriteString(req.Params.canonical())

	if isMutating(method) && req.Body != nil {
		b.WriteByte('|')
		b.WriteString(bodyHash(req.Body))
	}
	return b.String()
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func bodyHash(body any) string {
	payload, _, err := encodeBody(body)
	if err != nil {
		payload = []byte(fmt.Sprintf("%#v", body))
	}
	h := fnv.New64a()
	_, _ = h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// encodeBody serialises a request body. Strings and byte slices are sent
// as-is; everything else is JSON encoded.
func encodeBody(body any) ([]byte, string, error) {
	switch v := body.(type) {
	case nil:
		return nil, "", nil
	case json.RawMessage:
		return v, "application/json", nil
	case string:
		return []byte(v), "text/plain; charset=utf-8", nil
	case []byte:
		return v, "application/octet-stream", nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("benteng: encode body: %w", err)
		}
		return b, "application/json", nil
	}
}
