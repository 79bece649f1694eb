// Package lod selects the octree nodes to render for a camera under a point budget and a screen
// space error bound.
package lod

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Refinement controls whether refined nodes are rendered alongside their children.
type Refinement int

const (
	// Additive renders every visited node; children add detail to their parents' samples.
	Additive Refinement = iota
	// Replace renders only nodes that were not refined further.
	Replace
)

func (r Refinement) String() string {
	switch r {
	case Additive:
		return "additive"
	case Replace:
		return "replace"
	default:
		return "unknown"
	}
}

// MarshalText writes the refinement name.
func (r Refinement) MarshalText() ([]byte, error) {
	if r != Additive && r != Replace {
		return nil, errors.Errorf("unknown refinement %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText reads a refinement name. An empty name means Additive.
func (r *Refinement) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "additive", "add":
		*r = Additive
	case "replace":
		*r = Replace
	default:
		return errors.Errorf("unknown refinement %q", text)
	}
	return nil
}

// Settings are the user adjustable selection parameters, read on every pass.
type Settings struct {
	// PointBudget caps the points selected in one pass. The node that reaches the budget is still
	// included.
	PointBudget uint64 `json:"point_budget"`
	// MinimumNodePixelSize drops non root nodes whose projected size is smaller than this many
	// pixels; neither they nor their subtrees are selected.
	MinimumNodePixelSize float64 `json:"minimum_node_pixel_size"`
	// ScreenSpaceErrorThreshold is the projected node size in pixels at or below which a node is
	// not refined.
	ScreenSpaceErrorThreshold float64    `json:"screen_space_error_threshold"`
	Refinement                Refinement `json:"refinement"`
}

// DefaultSettings returns the settings a viewer starts with.
func DefaultSettings() Settings {
	return Settings{
		PointBudget:               1000000,
		MinimumNodePixelSize:      1,
		ScreenSpaceErrorThreshold: 100,
		Refinement:                Additive,
	}
}

// Validate returns an error describing the first invalid setting.
func (s Settings) Validate() error {
	if s.PointBudget == 0 {
		return errors.New("point budget must be positive")
	}
	if s.MinimumNodePixelSize < 0 {
		return errors.Errorf("minimum node pixel size must not be negative, got %v", s.MinimumNodePixelSize)
	}
	if s.ScreenSpaceErrorThreshold < 0 {
		return errors.Errorf("screen space error threshold must not be negative, got %v", s.ScreenSpaceErrorThreshold)
	}
	if s.Refinement != Additive && s.Refinement != Replace {
		return errors.Errorf("unknown refinement %d", int(s.Refinement))
	}
	return nil
}

// SharedSettings holds settings that may be replaced while selection passes read them.
type SharedSettings struct {
	current *atomic.Pointer[Settings]
}

// NewSharedSettings returns a holder starting at s.
func NewSharedSettings(s Settings) *SharedSettings {
	return &SharedSettings{current: atomic.NewPointer(&s)}
}

// Load returns the current settings.
func (ss *SharedSettings) Load() Settings {
	return *ss.current.Load()
}

// Store replaces the settings if they are valid.
func (ss *SharedSettings) Store(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	ss.current.Store(&s)
	return nil
}
