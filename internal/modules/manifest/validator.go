package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cuejson "cuelang.org/go/encoding/json"
	"github.com/Masterminds/semver/v3"
	apperrors "github.com/mantonx/imgvault/internal/errors"
)

// SchemaError describes why a manifest was rejected.
type SchemaError struct {
	Source string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Source == "" {
		return "invalid manifest: " + e.Reason
	}
	return fmt.Sprintf("invalid manifest %s: %s", e.Source, e.Reason)
}

func (e *SchemaError) Unwrap() error {
	return apperrors.ErrSchema
}

// Validator checks raw manifest bytes against the module schema.
type Validator struct {
	// cue.Context is not safe for concurrent use
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value

	hostVersion *semver.Version
}

// NewValidator compiles the manifest schema. hostVersion may be empty, in
// which case hostVersion constraints in manifests are not enforced.
func NewValidator(hostVersion string) (*Validator, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource).LookupPath(cue.ParsePath("#Manifest"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile manifest schema: %w", err)
	}

	v := &Validator{ctx: ctx, schema: schema}
	if hostVersion != "" {
		hv, err := semver.NewVersion(hostVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid host version %q: %w", hostVersion, err)
		}
		v.hostVersion = hv
	}
	return v, nil
}

// ValidateFile reads and validates a manifest file.
func (v *Validator) ValidateFile(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return v.validate(path, raw)
}

// Validate parses raw JSON and returns the normalized manifest.
func (v *Validator) Validate(raw []byte) (*Manifest, error) {
	return v.validate("", raw)
}

func (v *Validator) validate(source string, raw []byte) (*Manifest, error) {
	if err := v.checkSchema(source, raw); err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &SchemaError{Source: source, Reason: err.Error()}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &SchemaError{Source: source, Reason: err.Error()}
	}
	for k, val := range fields {
		if knownFields[k] {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]json.RawMessage)
		}
		m.Extra[k] = val
	}

	if _, err := semver.NewVersion(m.Version); err != nil {
		return nil, &SchemaError{Source: source, Reason: fmt.Sprintf("version %q is not a semantic version", m.Version)}
	}

	if m.HostVersion != "" {
		constraint, err := semver.NewConstraint(m.HostVersion)
		if err != nil {
			return nil, &SchemaError{Source: source, Reason: fmt.Sprintf("invalid hostVersion constraint %q", m.HostVersion)}
		}
		if v.hostVersion != nil && !constraint.Check(v.hostVersion) {
			return nil, &SchemaError{Source: source, Reason: fmt.Sprintf("requires host %s, running %s", m.HostVersion, v.hostVersion)}
		}
	}

	m.SupportedArtifactTypes = normalizeTypes(m.SupportedArtifactTypes)
	if m.Settings == nil {
		m.Settings = map[string]interface{}{}
	}

	return &m, nil
}

func (v *Validator) checkSchema(source string, raw []byte) error {
	expr, err := cuejson.Extract(source, raw)
	if err != nil {
		return &SchemaError{Source: source, Reason: "malformed JSON: " + err.Error()}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	value := v.ctx.BuildExpr(expr)
	if err := value.Err(); err != nil {
		return &SchemaError{Source: source, Reason: err.Error()}
	}

	unified := v.schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{Source: source, Reason: err.Error()}
	}
	return nil
}
