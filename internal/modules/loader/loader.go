// Package loader turns a module directory into a callable Implementation.
// Each packaging format has its own Loader; the registry only sees the
// Implementation interface.
package loader

import (
	"context"
	"fmt"

	apperrors "github.com/mantonx/imgvault/internal/errors"
	"github.com/mantonx/imgvault/internal/modules/manifest"
)

// Implementation is the callable surface of a loaded module.
type Implementation interface {
	// Exports lists the names of callable operations.
	Exports() []string
	// Invoke runs one operation. A nil result with a nil error means the
	// module left the artifact unchanged.
	Invoke(ctx context.Context, function string, artifact []byte, settings map[string]interface{}) ([]byte, error)
	// Hook runs a lifecycle hook. Missing hooks are no-ops.
	Hook(ctx context.Context, name string) error
	// Close releases the implementation. It is safe to call more than once.
	Close() error
}

// Reporter is implemented by implementations that can self-report their
// capabilities. ok is false when the module did not declare any.
type Reporter interface {
	ReportedCapabilities() (caps []string, ok bool)
}

// Resources is a resource snapshot of a module running out of process.
type Resources struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
}

// ResourceReporter is implemented by out-of-process implementations.
type ResourceReporter interface {
	Resources() (*Resources, error)
}

// Loader loads one packaging format.
type Loader interface {
	Name() string
	CanLoad(entry string) bool
	Load(ctx context.Context, dir string, m *manifest.Manifest) (Implementation, error)
}

// Set dispatches to the first loader that accepts a manifest entry.
type Set struct {
	loaders []Loader
}

// NewSet returns a set that tries loaders in order.
func NewSet(loaders ...Loader) *Set {
	return &Set{loaders: loaders}
}

// For returns the loader responsible for entry.
func (s *Set) For(entry string) (Loader, bool) {
	for _, l := range s.loaders {
		if l.CanLoad(entry) {
			return l, true
		}
	}
	return nil, false
}

// Load loads the module in dir. Errors wrap apperrors.ErrLoad.
func (s *Set) Load(ctx context.Context, dir string, m *manifest.Manifest) (Implementation, error) {
	l, ok := s.For(m.Entry)
	if !ok {
		return nil, fmt.Errorf("%w: no loader for entry %q", apperrors.ErrLoad, m.Entry)
	}

	impl, err := l.Load(ctx, dir, m)
	if err != nil {
		return nil, fmt.Errorf("%w: %s loader: %v", apperrors.ErrLoad, l.Name(), err)
	}
	return impl, nil
}
