package builtin

import (
	"bytes"
	"context"

	"github.com/mantonx/imgvault/sdk"
)

// WatermarkName is the registered name of the watermark module.
const WatermarkName = "watermark"

// DefaultMarker is appended when settings.marker is unset.
const DefaultMarker = "IMGVAULT"

func init() {
	sdk.Register(WatermarkName, func(m sdk.Manifest) (interface{}, error) {
		return &Watermark{BaseModule: sdk.NewBaseModule(m)}, nil
	})
}

// Watermark appends a marker byte sequence. It never decodes the artifact,
// so it accepts any type.
type Watermark struct {
	*sdk.BaseModule
}

func (w *Watermark) ProcessImage(ctx context.Context, artifact []byte, settings map[string]interface{}) ([]byte, error) {
	marker := stringSetting(settings, "marker", DefaultMarker)
	out := make([]byte, 0, len(artifact)+len(marker))
	out = append(out, artifact...)
	return append(out, marker...), nil
}

// Strip removes one trailing marker. Unmarked artifacts are left unchanged.
func (w *Watermark) Strip(ctx context.Context, artifact []byte, settings map[string]interface{}) ([]byte, error) {
	marker := []byte(stringSetting(settings, "marker", DefaultMarker))
	if !bytes.HasSuffix(artifact, marker) {
		return nil, nil
	}
	return append([]byte{}, artifact[:len(artifact)-len(marker)]...), nil
}
