package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	tests := map[string]string{
		"":                "",
		"abc":             "****",
		"supersecretkey":  "****tkey",
		"sk_live_abcdefg": "sk_live_****defg",
		"whsec_12":        "whsec_****",
	}
	for in, want := range tests {
		assert.Equal(t, want, MaskSecret(in), in)
	}
}

func TestMaskConfigKeepsPublicKeys(t *testing.T) {
	masked := MaskConfig(map[string]any{
		"api_url":        "https://acquirer.example",
		"secret_key":     "live_1234567890",
		"webhook_secret": "whsec_abcdef",
		"allowed_ips":    []any{"10.0.0.0/8"},
		"nested":         map[string]any{"token": "tok_zzzzzz"},
		"timeout":        30,
		"":               "dropped",
	})

	assert.Equal(t, "https://acquirer.example", masked["api_url"])
	assert.Equal(t, "live_****7890", masked["secret_key"])
	assert.Equal(t, "whsec_****cdef", masked["webhook_secret"])
	assert.Equal(t, []any{"10.0.0.0/8"}, masked["allowed_ips"])
	assert.Equal(t, map[string]any{"token": "tok_****zzzz"}, masked["nested"])
	assert.Equal(t, 30, masked["timeout"])
	assert.NotContains(t, masked, "")
	assert.Nil(t, MaskConfig(nil))
}
