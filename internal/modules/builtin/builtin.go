// Package builtin contains the in-process modules shipped with imgvault.
// Each registers itself with the sdk and is referenced from a manifest as
// "builtin:<name>".
package builtin

import (
	"bytes"
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"

	"github.com/mantonx/imgvault/internal/modules/manifest"
	"github.com/mantonx/imgvault/internal/modules/storage"
	"github.com/mantonx/imgvault/sdk"
)

// Manifests returns the default manifests of the built-in modules.
func Manifests() []*manifest.Manifest {
	return []*manifest.Manifest{
		{
			Name:                   ResizeName,
			Version:                "1.0.0",
			Description:            "Scales images, halving the width unless configured otherwise.",
			Author:                 "imgvault",
			Entry:                  sdk.BuiltinPrefix + ResizeName,
			SupportedArtifactTypes: []string{manifest.Wildcard},
			Settings:               map[string]interface{}{"scale": 0.5},
		},
		{
			Name:                   WebPName,
			Version:                "1.0.0",
			Description:            "Re-encodes images as WebP.",
			Author:                 "imgvault",
			Entry:                  sdk.BuiltinPrefix + WebPName,
			SupportedArtifactTypes: []string{"bmp", "gif", "jpeg", "jpg", "png", "tiff", "webp"},
			Settings:               map[string]interface{}{"quality": 80.0, "lossless": false},
		},
		{
			Name:                   WatermarkName,
			Version:                "1.0.0",
			Description:            "Appends a marker to every artifact.",
			Author:                 "imgvault",
			Entry:                  sdk.BuiltinPrefix + WatermarkName,
			SupportedArtifactTypes: []string{manifest.Wildcard},
			Settings:               map[string]interface{}{"marker": DefaultMarker},
		},
	}
}

// Seed writes the manifest of every built-in module that has no directory
// yet. Seeded modules start disabled. It returns the names it wrote.
func Seed(s *storage.Storage) ([]string, error) {
	if err := s.EnsureRoot(); err != nil {
		return nil, err
	}
	var written []string
	for _, m := range Manifests() {
		if s.Exists(m.Name) {
			continue
		}
		if err := os.MkdirAll(s.ModulePath(m.Name), 0755); err != nil {
			return written, fmt.Errorf("failed to seed %s: %w", m.Name, err)
		}
		if err := s.WriteManifest(m.Name, m); err != nil {
			return written, fmt.Errorf("failed to seed %s: %w", m.Name, err)
		}
		written = append(written, m.Name)
	}
	return written, nil
}

func decode(artifact []byte) (image.Image, string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(artifact))
	if err != nil {
		return nil, "", fmt.Errorf("unrecognized image: %w", err)
	}
	img, err := imaging.Decode(bytes.NewReader(artifact), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode %s: %w", format, err)
	}
	return img, format, nil
}

func floatSetting(settings map[string]interface{}, key string, fallback float64) float64 {
	switch v := settings[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	}
	return fallback
}

func boolSetting(settings map[string]interface{}, key string, fallback bool) bool {
	if v, ok := settings[key].(bool); ok {
		return v
	}
	return fallback
}

func stringSetting(settings map[string]interface{}, key, fallback string) string {
	if v, ok := settings[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
