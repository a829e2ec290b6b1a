package masking

import "strings"

const maskToken = "****"

// publicKeys are gateway settings that are safe to keep readable in audit
// records.
var publicKeys = map[string]bool{
	"api_url":           true,
	"return_url":        true,
	"success_url":       true,
	"cancel_url":        true,
	"allowed_ips":       true,
	"tolerance_seconds": true,
	"merchant_id":       true,
	"shop_id":           true,
}

// MaskSecret hides a secret but keeps the last four characters so operators
// can tell two credentials apart.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}
	return prefix + maskToken + remainder[len(remainder)-4:]
}

// MaskConfig copies a gateway settings map with every non-public string masked.
func MaskConfig(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}
	masked := make(map[string]any, len(input))
	for key, value := range input {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if publicKeys[strings.ToLower(key)] {
			masked[key] = value
			continue
		}
		masked[key] = maskValue(value)
	}
	return masked
}

func maskValue(value any) any {
	switch cast := value.(type) {
	case string:
		return MaskSecret(cast)
	case map[string]any:
		return MaskConfig(cast)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskValue(item))
		}
		return out
	default:
		return value
	}
}

// splitPrefix keeps vendor prefixes such as "sk_live_" readable.
func splitPrefix(value string) (string, string) {
	last := strings.LastIndex(value, "_")
	if last == -1 || last == len(value)-1 {
		return "", value
	}
	return value[:last+1], value[last+1:]
}
