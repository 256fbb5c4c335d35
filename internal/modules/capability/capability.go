// Package capability derives a module's capability tags from its loaded
// implementation. Persisted manifest claims are never consulted.
package capability

import (
	"sort"

	"github.com/mantonx/imgvault/internal/modules/loader"
	"github.com/mantonx/imgvault/sdk"
)

// Detect returns the sorted, de-duplicated capabilities of impl. Modules
// that self-report win; otherwise every callable export becomes a tag.
func Detect(impl loader.Implementation) []string {
	if impl == nil {
		return []string{}
	}

	var caps []string
	if r, ok := impl.(loader.Reporter); ok {
		if reported, ok := r.ReportedCapabilities(); ok {
			caps = reported
		}
	}
	if caps == nil {
		caps = impl.Exports()
	}

	seen := make(map[string]bool, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Has reports whether caps contains name.
func Has(caps []string, name string) bool {
	i := sort.SearchStrings(caps, name)
	return i < len(caps) && caps[i] == name
}

// CanProcess reports whether caps include the default processing operation.
func CanProcess(caps []string) bool {
	return Has(caps, sdk.OpProcessImage)
}

// Dispatchable reports whether function may be called by name: it must be
// a detected capability and neither a lifecycle hook nor the factory.
func Dispatchable(caps []string, function string) bool {
	return function != "" && !sdk.IsReserved(function) && Has(caps, function)
}
