package detector

import (
	"image"
	"sort"

	"github.com/dj-oyu/esp32-object-sentry/pkg/types"
)

// Postprocessor filters or modifies the detections of one frame.
type Postprocessor func(in []types.Detection, frame image.Rectangle) []types.Detection

// NewScoreFilter drops detections below a confidence.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in []types.Detection, _ image.Rectangle) []types.Detection {
		out := make([]types.Detection, 0, len(in))
		for _, d := range in {
			if d.Confidence >= conf {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewAreaFilter drops detections smaller than area pixels.
func NewAreaFilter(area int) Postprocessor {
	return func(in []types.Detection, _ image.Rectangle) []types.Detection {
		out := make([]types.Detection, 0, len(in))
		for _, d := range in {
			if d.Box.Area() >= area {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewRelativeAreaFilter drops detections covering less than frac of the
// frame.
func NewRelativeAreaFilter(frac float64) Postprocessor {
	return func(in []types.Detection, frame image.Rectangle) []types.Detection {
		min := int(frac * float64(frame.Dx()*frame.Dy()))
		return NewAreaFilter(min)(in, frame)
	}
}

// IoU is the intersection over union of two boxes.
func IoU(a, b types.BoundingBox) float64 {
	inter := a.Rect().Intersect(b.Rect())
	if inter.Empty() {
		return 0
	}
	i := inter.Dx() * inter.Dy()
	u := a.Area() + b.Area() - i
	if u <= 0 {
		return 0
	}
	return float64(i) / float64(u)
}

// NMS keeps the most confident of any boxes overlapping by more than iou,
// regardless of class.
func NMS(in []types.Detection, iou float64) []types.Detection {
	sorted := make([]types.Detection, len(in))
	copy(sorted, in)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]types.Detection, 0, len(sorted))
	for _, d := range sorted {
		overlaps := false
		for _, k := range kept {
			if IoU(d.Box, k.Box) > iou {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, d)
		}
	}
	return kept
}
