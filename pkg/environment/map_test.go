package environment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapProvider_Get(t *testing.T) {
	t.Parallel()

	provider := NewMapProvider(map[string]string{
		"ANTHROPIC_API_KEY": "sk-test",
		EnvEntityID:         "issue-42",
		"GITHUB_TOKEN":      "",
	})

	tests := []struct {
		name      string
		key       string
		wantValue string
		wantFound bool
	}{
		{"set", "ANTHROPIC_API_KEY", "sk-test", true},
		{"entity id", EnvEntityID, "issue-42", true},
		{"present but empty", "GITHUB_TOKEN", "", true},
		{"missing", "AWS_REGION", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			val, found := provider.Get(t.Context(), tt.key)
			assert.Equal(t, tt.wantFound, found)
			assert.Equal(t, tt.wantValue, val)
		})
	}
}

func TestMapProvider_MultiProvider_Priority(t *testing.T) {
	t.Parallel()

	unitValues := NewMapProvider(map[string]string{
		"GITHUB_TOKEN": "unit-token",
	})
	hostValues := NewMapProvider(map[string]string{
		"GITHUB_TOKEN": "host-token",
		"OTHER":        "system-only",
	})

	multi := NewMultiProvider(unitValues, hostValues)
	ctx := t.Context()

	val, found := multi.Get(ctx, "GITHUB_TOKEN")
	assert.True(t, found)
	assert.Equal(t, "unit-token", val)

	val, found = multi.Get(ctx, "OTHER")
	assert.True(t, found)
	assert.Equal(t, "system-only", val)

	_, found = multi.Get(ctx, "MISSING")
	assert.False(t, found)
}

func TestMapProvider_All(t *testing.T) {
	t.Parallel()

	values := map[string]string{"A": "1"}
	all := NewMapProvider(values).All()
	all["A"] = "changed"

	assert.Equal(t, "1", values["A"])
}

func TestOSProvider(t *testing.T) {
	t.Setenv("HOMESPUN_TEST_VAR", "from-os")

	val, found := NewOSProvider().Get(t.Context(), "HOMESPUN_TEST_VAR")
	assert.True(t, found)
	assert.Equal(t, "from-os", val)
}
