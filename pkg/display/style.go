package display

import (
	"strings"

	"segmentation3d/internal/models"
)

// ResolveStyle layers the global defaults for a kind, the representation's
// allSegments override and the per-segment override for segmentIndex. Nested
// maps are merged key by key; later layers win.
func ResolveStyle(global models.Style, cfg models.RepresentationConfig, segmentIndex int) models.Style {
	return models.MergeStyles(global, cfg.AllSegments, cfg.PerSegment[segmentIndex])
}

// Effective collapses state variants into base keys. For a key foo the value
// used is fooActive (active) or fooInactive (inactive) when present, falling
// back to foo, then to fooActive.
func Effective(s models.Style, active bool) models.Style {
	out := make(models.Style, len(s))
	for k, v := range s {
		if !strings.HasSuffix(k, "Active") && !strings.HasSuffix(k, "Inactive") {
			out[k] = v
		}
	}
	for k, v := range s {
		if strings.HasSuffix(k, "Inactive") {
			continue
		}
		if base := strings.TrimSuffix(k, "Active"); base != k {
			if _, set := out[base]; active || !set {
				out[base] = v
			}
		}
	}
	if !active {
		for k, v := range s {
			if base := strings.TrimSuffix(k, "Inactive"); base != k {
				out[base] = v
			}
		}
	}
	return out
}

// segmentStyle is the effective style of one segment of a representation.
func segmentStyle(global models.Style, cfg models.RepresentationConfig, segmentIndex int, active bool) models.Style {
	return Effective(ResolveStyle(global, cfg, segmentIndex), active)
}
