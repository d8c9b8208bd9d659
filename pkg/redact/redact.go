package redact

import (
	"encoding/json"
	"strings"
)

// Placeholder replaces redacted values
const Placeholder = "REDACTED"

var sensitiveKeyFragments = []string{
	"password",
	"passwd",
	"token",
	"secret",
	"private",
	"credential",
	"apikey",
	"api.key",
	"api_key",
}

// IsSensitiveKey reports whether a field or property name looks secret-bearing
func IsSensitiveKey(key string) bool {
	lowerKey := strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(lowerKey, frag) {
			return true
		}
	}
	return false
}

// JSON returns v marshalled to JSON with secret-bearing fields redacted
func JSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	var m interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return "", err
	}

	InPlace(&m)

	out, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// InPlace recursively redacts secret-bearing fields of a decoded JSON value
func InPlace(v *interface{}) {
	switch t := (*v).(type) {
	case map[string]interface{}:
		for k, child := range t {
			if IsSensitiveKey(k) {
				t[k] = Placeholder
				continue
			}

			cv := child
			InPlace(&cv)
			t[k] = cv
		}
	case []interface{}:
		for i := range t {
			cv := t[i]
			InPlace(&cv)
			t[i] = cv
		}
	default:
		// scalar; nothing to redact unless keyed above.
	}
}

// SystemProperty redacts the value of a -Dkey=value flag with a sensitive key
func SystemProperty(flag string) string {
	if !strings.HasPrefix(flag, "-D") {
		return flag
	}
	key, _, found := strings.Cut(flag[2:], "=")
	if !found || !IsSensitiveKey(key) {
		return flag
	}
	return "-D" + key + "=" + Placeholder
}
