package procmem

import (
	"strings"

	"github.com/relaycrm/relay/internal/action"
)

// sensitiveKeyFragments marks parameter keys whose values are personal data
// and must not survive into procedure traces.
var sensitiveKeyFragments = []string{
	"email", "phone", "name", "address", "note", "body", "message",
}

// RedactParams returns a copy of p with values under sensitive keys
// replaced by a placeholder. Traces feed offline learning, where the shape
// of the inputs matters and the personal data never does.
func RedactParams(p action.Params) action.Params {
	if p == nil {
		return nil
	}
	out := make(action.Params, len(p))
	for k, v := range p {
		if isSensitiveKey(k) {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}
