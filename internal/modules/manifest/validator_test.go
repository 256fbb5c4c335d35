package manifest

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/mantonx/imgvault/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T) *Validator {
	v, err := NewValidator("1.4.0")
	require.NoError(t, err)
	return v
}

func TestValidateMinimalManifestAppliesDefaults(t *testing.T) {
	v := newTestValidator(t)

	m, err := v.Validate([]byte(`{"name":"resize","version":"1.0.0","entry":"index.js","enabled":true}`))
	require.NoError(t, err)

	assert.Equal(t, "resize", m.Name)
	assert.True(t, m.Enabled)
	assert.False(t, m.HasUI)
	assert.Empty(t, m.SupportedArtifactTypes)
	assert.NotNil(t, m.Settings)
	assert.Empty(t, m.Settings)
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	v := newTestValidator(t)

	cases := map[string]string{
		"missing name":    `{"version":"1.0.0","entry":"index.js","enabled":true}`,
		"missing entry":   `{"name":"a","version":"1.0.0","enabled":true}`,
		"missing enabled": `{"name":"a","version":"1.0.0","entry":"index.js"}`,
		"enabled string":  `{"name":"a","version":"1.0.0","entry":"index.js","enabled":"yes"}`,
		"absolute entry":  `{"name":"a","version":"1.0.0","entry":"/bin/sh","enabled":true}`,
		"bad name":        `{"name":"../escape","version":"1.0.0","entry":"index.js","enabled":true}`,
		"bad version":     `{"name":"a","version":"banana","entry":"index.js","enabled":true}`,
		"malformed json":  `{"name":"a",`,
		"types not list":  `{"name":"a","version":"1.0.0","entry":"index.js","enabled":true,"supportedArtifactTypes":"png"}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Validate([]byte(raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrSchema), "expected schema error, got %v", err)

			var schemaErr *SchemaError
			assert.True(t, errors.As(err, &schemaErr))
		})
	}
}

func TestValidateKeepsSettingsFreeForm(t *testing.T) {
	v := newTestValidator(t)

	raw := `{
		"name": "watermark",
		"version": "2.1.0",
		"entry": "index.js",
		"enabled": false,
		"settings": {"text": "(c)", "opacity": 0.4, "nested": {"corners": [1, 2]}},
		"capabilities": {"anything": "goes"},
		"homepage": "https://example.com"
	}`

	m, err := v.Validate([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "(c)", m.Settings["text"])
	assert.Equal(t, 0.4, m.Settings["opacity"])
	assert.Contains(t, m.Extra, "homepage")
	assert.NotContains(t, m.Extra, "capabilities")
}

func TestValidateNormalizesArtifactTypes(t *testing.T) {
	v := newTestValidator(t)

	m, err := v.Validate([]byte(`{"name":"a","version":"1","entry":"x","enabled":true,"supportedArtifactTypes":[".PNG","png","jpg","*"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"*", "jpg", "png"}, m.SupportedArtifactTypes)
	assert.True(t, m.Supports(".gif"))
}

func TestValidateHostVersionConstraint(t *testing.T) {
	v := newTestValidator(t)

	_, err := v.Validate([]byte(`{"name":"a","version":"1.0.0","entry":"x","enabled":true,"hostVersion":">= 1.2"}`))
	assert.NoError(t, err)

	_, err = v.Validate([]byte(`{"name":"a","version":"1.0.0","entry":"x","enabled":true,"hostVersion":">= 2.0"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires host")
}

func TestValidateFile(t *testing.T) {
	v := newTestValidator(t)
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"a","version":"1.0.0","entry":"x","enabled":true}`), 0644))

	m, err := v.ValidateFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a", m.Name)

	_, err = v.ValidateFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestMarshalNeverWritesCapabilities(t *testing.T) {
	v := newTestValidator(t)

	m, err := v.Validate([]byte(`{"name":"a","version":"1.0.0","entry":"x","enabled":true,"capabilities":["stale"],"homepage":"h"}`))
	require.NoError(t, err)

	out, err := m.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(out), "\n  \"name\": \"a\"")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.NotContains(t, decoded, "capabilities")
	assert.Equal(t, "h", decoded["homepage"])
	assert.Equal(t, false, decoded["hasUI"])

	again, err := v.Validate(out)
	require.NoError(t, err)
	assert.Equal(t, m.Name, again.Name)
}

func TestMergeSettingsAndExposes(t *testing.T) {
	m := &Manifest{Settings: map[string]interface{}{"a": 1}}
	m.MergeSettings(map[string]interface{}{"b": 2, "a": 3})
	assert.Equal(t, map[string]interface{}{"a": 3, "b": 2}, m.Settings)

	assert.True(t, m.Exposes("anything"))
	m.ExposedFunctions = []string{"crop"}
	assert.True(t, m.Exposes("crop"))
	assert.False(t, m.Exposes("rotate"))

	clone := m.Clone()
	clone.Settings["c"] = 4
	assert.NotContains(t, m.Settings, "c")
}
