package presence

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Box is an axis-aligned bounding box in pixel coordinates (x1,y1 top-left, x2,y2 bottom-right).
type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Center returns the box centre using integer division, matching how the detector
// sidecar reports pixel positions.
func (b Box) Center() (int, int) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// UnmarshalJSON accepts both the detector's [x1,y1,x2,y2] array form and an object.
func (b *Box) UnmarshalJSON(data []byte) error {
	var coords []int
	if err := json.Unmarshal(data, &coords); err == nil {
		if len(coords) != 4 {
			return fmt.Errorf("invalid box: want 4 coordinates, got %d", len(coords))
		}
		*b = Box{X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3]}
		return nil
	}

	type plain Box
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("invalid box: %w", err)
	}
	*b = Box(p)
	return nil
}

// Region is the protected rectangle of the frame.
type Region struct {
	X1 int `mapstructure:"x1" json:"x1"`
	Y1 int `mapstructure:"y1" json:"y1"`
	X2 int `mapstructure:"x2" json:"x2"`
	Y2 int `mapstructure:"y2" json:"y2"`
}

// IsZero reports whether the region is unset.
func (r Region) IsZero() bool {
	return r.X2 <= r.X1 || r.Y2 <= r.Y1
}

// ContainsStrict reports whether the point lies strictly inside the region.
// Points on the border are outside.
func (r Region) ContainsStrict(x, y int) bool {
	return r.X1 < x && x < r.X2 && r.Y1 < y && y < r.Y2
}

// Detection is one labelled object reported by the classifier for a frame.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Count returns the number of detections whose label is not excluded and whose
// box centre lies strictly inside region.
func Count(detections []Detection, region Region, excluded map[string]struct{}) int {
	count := 0
	for _, d := range detections {
		if _, skip := excluded[d.Label]; skip {
			continue
		}
		cx, cy := d.Box.Center()
		if region.ContainsStrict(cx, cy) {
			count++
		}
	}
	return count
}

// Counter bundles the filtering configuration for one camera feed.
type Counter struct {
	region        Region
	excluded      map[string]struct{}
	minConfidence float64
}

// NewCounter creates a counter. Excluded labels are matched case-insensitively.
// A zero region is resolved to the full frame by ForFrame.
func NewCounter(region Region, excludedLabels []string, minConfidence float64) *Counter {
	excluded := make(map[string]struct{}, len(excludedLabels))
	for _, label := range excludedLabels {
		label = strings.ToLower(strings.TrimSpace(label))
		if label == "" {
			continue
		}
		excluded[label] = struct{}{}
	}
	return &Counter{
		region:        region,
		excluded:      excluded,
		minConfidence: minConfidence,
	}
}

// Region returns the configured protected region.
func (c *Counter) Region() Region {
	return c.region
}

// ForFrame pins an unset region to the full frame. It is a no-op once the
// region is set or when the frame size is unknown.
func (c *Counter) ForFrame(width, height int) {
	if !c.region.IsZero() || width <= 0 || height <= 0 {
		return
	}
	c.region = Region{X1: 0, Y1: 0, X2: width, Y2: height}
}

// Count filters by confidence and normalised label, then counts detections in the region.
func (c *Counter) Count(detections []Detection) int {
	if len(detections) == 0 {
		return 0
	}
	kept := make([]Detection, 0, len(detections))
	for _, d := range detections {
		if d.Confidence < c.minConfidence {
			continue
		}
		d.Label = strings.ToLower(strings.TrimSpace(d.Label))
		kept = append(kept, d)
	}
	return Count(kept, c.region, c.excluded)
}
