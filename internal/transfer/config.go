package transfer

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/toonify/toonify-agent/internal/cloud"
	"github.com/toonify/toonify-agent/internal/stages"
)

// DefaultStyleID is the style preselected for a new run.
const DefaultStyleID = 26

// ErrInvalidConfig is returned for run parameters that fail validation.
var ErrInvalidConfig = errors.New("invalid run config")

// RunConfig is the snapshot of user parameters for one run. It is passed by
// value and never changes after construction.
type RunConfig struct {
	styleID       int
	segment       bool
	structureOnly bool
}

// Option adjusts a RunConfig during construction.
type Option func(*RunConfig)

// WithSegment enables or disables semantic segmentation.
func WithSegment(enabled bool) Option {
	return func(c *RunConfig) { c.segment = enabled }
}

// WithStructureOnly keeps only structural information in the output.
func WithStructureOnly(enabled bool) Option {
	return func(c *RunConfig) { c.structureOnly = enabled }
}

// NewRunConfig validates styleID and applies opts over the defaults
// (segmentation on, structure-only off).
func NewRunConfig(styleID int, opts ...Option) (RunConfig, error) {
	if styleID < 0 {
		return RunConfig{}, fmt.Errorf("%w: style id must be >= 0, got %d", ErrInvalidConfig, styleID)
	}
	cfg := RunConfig{styleID: styleID, segment: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg, nil
}

// DefaultRunConfig is the configuration a fresh form starts with.
func DefaultRunConfig() RunConfig {
	return RunConfig{styleID: DefaultStyleID, segment: true}
}

// ParseRunConfig builds a RunConfig from raw form values. Empty values fall
// back to the defaults.
func ParseRunConfig(styleID, segment, structureOnly string) (RunConfig, error) {
	id := DefaultStyleID
	if s := strings.TrimSpace(styleID); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return RunConfig{}, fmt.Errorf("%w: style id %q is not an integer", ErrInvalidConfig, styleID)
		}
		id = n
	}

	seg, err := parseBool("segment", segment, true)
	if err != nil {
		return RunConfig{}, err
	}
	structure, err := parseBool("structure_only", structureOnly, false)
	if err != nil {
		return RunConfig{}, err
	}

	return NewRunConfig(id, WithSegment(seg), WithStructureOnly(structure))
}

func parseBool(name, raw string, def bool) (bool, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%w: %s %q is not a boolean", ErrInvalidConfig, name, raw)
	}
	return b, nil
}

func (c RunConfig) StyleID() int        { return c.styleID }
func (c RunConfig) Segment() bool       { return c.segment }
func (c RunConfig) StructureOnly() bool { return c.structureOnly }

// FinalStage is the stage whose arrival completes the run. Without
// segmentation the service skips background removal and recomposition, so
// style transfer is the last stage.
func (c RunConfig) FinalStage() stages.StageID {
	if c.segment {
		return stages.Composed
	}
	return stages.StyleTransfer
}

// Query encodes the push-stream parameters for job.
func (c RunConfig) Query(job cloud.JobHandle) url.Values {
	q := url.Values{}
	q.Set("style_id", strconv.Itoa(c.styleID))
	q.Set("segment", strconv.FormatBool(c.segment))
	q.Set("file_id", job.String())
	q.Set("structure_only", strconv.FormatBool(c.structureOnly))
	return q
}
