package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", MaskSecret("  "))
	assert.Equal(t, "****", MaskSecret("abc"))
	assert.Equal(t, "AUTH_****wxyz", MaskSecret("AUTH_abcdwxyz"))
	assert.Equal(t, "****.com", MaskSecret("ops@example.com"))
}

func TestMaskJSONOnlyMasksSensitiveKeys(t *testing.T) {
	out := MaskJSON(map[string]any{
		"payment_reference": "T-manual-1",
		"operator_email":    "ops@example.com",
		"attempts":          2,
		"provider": map[string]any{
			"authorization": map[string]any{"authorization_code": "AUTH_abcdwxyz", "last4": "4081"},
		},
		"": "dropped",
	})

	assert.Equal(t, "T-manual-1", out["payment_reference"])
	assert.Equal(t, "****.com", out["operator_email"])
	assert.Equal(t, 2, out["attempts"])
	assert.NotContains(t, out, "")

	auth := out["provider"].(map[string]any)["authorization"].(map[string]any)
	assert.Equal(t, "AUTH_****wxyz", auth["authorization_code"])
	assert.Equal(t, "****", auth["last4"])
}

func TestMaskJSONEmpty(t *testing.T) {
	assert.Nil(t, MaskJSON(nil))
	assert.Nil(t, MaskJSON(map[string]any{" ": "x"}))
}
