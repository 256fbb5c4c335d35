// Package manifest validates and serializes module.json declarations.
package manifest

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// FileName is the manifest file expected in every module directory.
const FileName = "module.json"

// Wildcard matches every artifact type.
const Wildcard = "*"

// Manifest is the persisted declaration of a module.
type Manifest struct {
	Name                   string                 `json:"name"`
	Version                string                 `json:"version"`
	Description            string                 `json:"description"`
	Author                 string                 `json:"author"`
	Enabled                bool                   `json:"enabled"`
	Entry                  string                 `json:"entry"`
	SupportedArtifactTypes []string               `json:"supportedArtifactTypes"`
	HasUI                  bool                   `json:"hasUI"`
	Settings               map[string]interface{} `json:"settings"`
	Dependencies           []string               `json:"dependencies,omitempty"`
	ExposedFunctions       []string               `json:"exposedFunctions,omitempty"`
	HostVersion            string                 `json:"hostVersion,omitempty"`

	// Extra keeps unknown top-level fields so rewrites do not drop them.
	Extra map[string]json.RawMessage `json:"-"`
}

var knownFields = map[string]bool{
	"name": true, "version": true, "description": true, "author": true,
	"enabled": true, "entry": true, "supportedArtifactTypes": true, "hasUI": true,
	"settings": true, "dependencies": true, "exposedFunctions": true,
	"hostVersion": true, "capabilities": true,
}

// Clone returns a deep enough copy for callers to mutate settings safely.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	c := *m
	c.SupportedArtifactTypes = append([]string(nil), m.SupportedArtifactTypes...)
	c.Dependencies = append([]string(nil), m.Dependencies...)
	c.ExposedFunctions = append([]string(nil), m.ExposedFunctions...)
	c.Settings = CopySettings(m.Settings)
	if m.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(m.Extra))
		for k, v := range m.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// Supports reports whether the module accepts the given artifact type.
func (m *Manifest) Supports(ext string) bool {
	ext = NormalizeType(ext)
	for _, t := range m.SupportedArtifactTypes {
		if t == Wildcard || t == ext {
			return true
		}
	}
	return false
}

// Exposes reports whether function may be dispatched by name. An empty
// exposedFunctions list leaves dispatch open to every capability.
func (m *Manifest) Exposes(function string) bool {
	if len(m.ExposedFunctions) == 0 {
		return true
	}
	for _, f := range m.ExposedFunctions {
		if f == function {
			return true
		}
	}
	return false
}

// MergeSettings shallow-merges partial into the manifest settings.
func (m *Manifest) MergeSettings(partial map[string]interface{}) {
	if m.Settings == nil {
		m.Settings = make(map[string]interface{}, len(partial))
	}
	for k, v := range partial {
		m.Settings[k] = v
	}
}

// Marshal renders the manifest as pretty-printed JSON. Derived
// capabilities are never written.
func (m *Manifest) Marshal() ([]byte, error) {
	out := make(map[string]interface{}, len(m.Extra)+12)
	for k, v := range m.Extra {
		out[k] = v
	}

	types := m.SupportedArtifactTypes
	if types == nil {
		types = []string{}
	}
	settings := m.Settings
	if settings == nil {
		settings = map[string]interface{}{}
	}

	out["name"] = m.Name
	out["version"] = m.Version
	out["description"] = m.Description
	out["author"] = m.Author
	out["enabled"] = m.Enabled
	out["entry"] = m.Entry
	out["supportedArtifactTypes"] = types
	out["hasUI"] = m.HasUI
	out["settings"] = settings
	if len(m.Dependencies) > 0 {
		out["dependencies"] = m.Dependencies
	}
	if len(m.ExposedFunctions) > 0 {
		out["exposedFunctions"] = m.ExposedFunctions
	}
	if m.HostVersion != "" {
		out["hostVersion"] = m.HostVersion
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NormalizeType lowercases an extension and strips its leading dot.
func NormalizeType(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	return strings.TrimPrefix(ext, ".")
}

func normalizeTypes(types []string) []string {
	seen := make(map[string]bool, len(types))
	out := make([]string, 0, len(types))
	for _, t := range types {
		t = NormalizeType(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// CopySettings returns a shallow copy of a settings map.
func CopySettings(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
