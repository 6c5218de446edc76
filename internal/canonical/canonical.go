// Package canonical derives deterministic cache keys from HTTP requests.
// A key is the SHA-256 digest of a canonical JSON document built from the
// request path and a fixed whitelist of generation-relevant parameters, so
// that logically identical requests hash identically regardless of field
// order or query-vs-body placement of shared parameters.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// commonParams may appear either as query parameters or as body fields.
var commonParams = []string{
	"model", "seed", "stream", "temperature", "max_tokens", "top_p",
	"frequency_penalty", "presence_penalty", "stop", "logit_bias",
}

// queryOnlyParams are only ever read from the query string.
var queryOnlyParams = []string{"prompt", "json", "system"}

// bodyOnlyParams are only ever read from the JSON body.
var bodyOnlyParams = []string{
	"messages", "functions", "tools", "tool_choice", "response_format",
}

// Key computes the cache key for a request. body is the already-parsed JSON
// body, or nil for bodyless requests. The function is pure and performs no
// I/O.
func Key(path string, query url.Values, body map[string]any) string {
	doc := map[string]any{"path": path}

	for _, name := range commonParams {
		if v, ok := queryValue(query, name); ok {
			doc[name] = v
		}
		if body != nil {
			if v, ok := body[name]; ok {
				doc[name] = v
			}
		}
	}

	for _, name := range queryOnlyParams {
		if v, ok := queryValue(query, name); ok {
			doc[name] = v
		}
	}

	if body != nil {
		for _, name := range bodyOnlyParams {
			if v, ok := body[name]; ok {
				doc[name] = v
			}
		}
	}

	// Map-based marshal emits sorted object keys at every nesting level,
	// which makes the serialization order-independent.
	serialized, err := json.Marshal(doc)
	if err != nil {
		// Only reachable for non-serializable values, which a decoded
		// JSON body cannot contain. Hash the path alone as a stable
		// fallback.
		serialized = []byte(path)
	}

	sum := sha256.Sum256(serialized)
	return hex.EncodeToString(sum[:])
}

// ParseBody decodes a JSON object body for use with Key. Numeric literals are
// kept as json.Number so that re-serialization is stable. Returns nil and
// false when the payload is not a JSON object.
func ParseBody(raw []byte) (map[string]any, bool) {
	if len(raw) == 0 {
		return nil, false
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()

	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, false
	}
	return body, true
}

// queryValue selects a query parameter and coerces it for hashing. A single
// value is coerced to bool or number when the coercion round-trips exactly;
// repeated values become a sorted array of coerced values.
func queryValue(query url.Values, name string) (any, bool) {
	values, ok := query[name]
	if !ok || len(values) == 0 {
		return nil, false
	}

	if len(values) == 1 {
		return coerce(values[0]), true
	}

	sorted := make([]string, len(values))
	copy(sorted, values)
	sort.Strings(sorted)

	coerced := make([]any, len(sorted))
	for i, v := range sorted {
		coerced[i] = coerce(v)
	}
	return coerced, true
}

// coerce converts a query string value to bool or json.Number when the
// textual form round-trips exactly, otherwise returns the string unchanged.
func coerce(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}

	if _, err := strconv.ParseFloat(s, 64); err == nil {
		// json.Number preserves the literal, so "42" stays 42 and
		// "042" (which does not round-trip) is rejected below.
		n := json.Number(s)
		if roundTrips(n) {
			return n
		}
	}
	return s
}

func roundTrips(n json.Number) bool {
	out, err := json.Marshal(n)
	if err != nil {
		return false
	}
	return string(out) == n.String()
}
