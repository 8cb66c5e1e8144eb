package action

import "time"

// Params is the loosely typed parameter map attached to requests and action
// payloads. The typed accessors below are the only sanctioned way to read
// from it — they return an ok flag instead of coercing, so a wrongly typed
// value surfaces as a missing one rather than a silent conversion.
type Params map[string]any

// String returns the string value for key.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}

// Int returns the integer value for key. JSON decoding produces float64 for
// numbers, so both int and float64 representations are accepted when the
// float carries no fractional part.
func (p Params) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}

// Float returns the float value for key.
func (p Params) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Bool returns the bool value for key.
func (p Params) Bool(key string) (bool, bool) {
	v, ok := p[key].(bool)
	return v, ok
}

// Time returns the time value for key, accepting time.Time or RFC 3339.
func (p Params) Time(key string) (time.Time, bool) {
	switch v := p[key].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Clone returns a shallow copy so callers can attach derived parameters
// without mutating the immutable request.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
