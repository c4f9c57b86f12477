// Package stages holds the static catalog of pipeline stages the
// cartoonization service reports over its push stream.
package stages

import (
	"errors"
	"fmt"
)

// StageID is the event type the service uses for a pipeline stage.
type StageID string

const (
	Original       StageID = "original"
	Align          StageID = "align"
	Segment        StageID = "segment"
	Reconstruction StageID = "reconstruction"
	StyleTransfer  StageID = "style_transfer"
	Inpainted      StageID = "inpainted"
	Composed       StageID = "composed"
)

// ErrUnknownStage is returned when an id is not in the catalog.
var ErrUnknownStage = errors.New("unknown stage")

// UnknownStageError carries the id that failed to resolve.
type UnknownStageError struct {
	ID StageID
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("unknown stage %q", string(e.ID))
}

func (e *UnknownStageError) Is(target error) bool {
	return target == ErrUnknownStage
}

// Descriptor is the human-facing description of a stage.
type Descriptor struct {
	ID          StageID `json:"id"`
	Label       string  `json:"label"`
	Description string  `json:"description"`
}

// Registry is an ordered, immutable stage catalog.
type Registry struct {
	ordered []Descriptor
	byID    map[StageID]Descriptor
}

// NewRegistry builds a registry from descriptors in display order.
// Ids must be unique and non-empty.
func NewRegistry(descriptors ...Descriptor) (*Registry, error) {
	r := &Registry{
		ordered: make([]Descriptor, 0, len(descriptors)),
		byID:    make(map[StageID]Descriptor, len(descriptors)),
	}
	for _, d := range descriptors {
		if d.ID == "" {
			return nil, errors.New("stage id must not be empty")
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate stage id %q", string(d.ID))
		}
		r.byID[d.ID] = d
		r.ordered = append(r.ordered, d)
	}
	return r, nil
}

var defaultRegistry = mustRegistry(
	Descriptor{ID: Original, Label: "Input", Description: "Original image"},
	Descriptor{ID: Align, Label: "Align", Description: "Crop the face"},
	Descriptor{ID: Segment, Label: "Segment", Description: "Remove the background"},
	Descriptor{ID: Reconstruction, Label: "Reconstruct", Description: "Rebuild features"},
	Descriptor{ID: StyleTransfer, Label: "Generate", Description: "Style transfer"},
	Descriptor{ID: Inpainted, Label: "Inpaint", Description: "Remove the person"},
	Descriptor{ID: Composed, Label: "Compose", Description: "Composite the final image"},
)

// Default returns the built-in catalog.
func Default() *Registry {
	return defaultRegistry
}

func mustRegistry(descriptors ...Descriptor) *Registry {
	r, err := NewRegistry(descriptors...)
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve returns the descriptor for id or an error matching ErrUnknownStage.
func (r *Registry) Resolve(id StageID) (Descriptor, error) {
	d, ok := r.byID[id]
	if !ok {
		return Descriptor{}, &UnknownStageError{ID: id}
	}
	return d, nil
}

// Lookup is Resolve without the error value.
func (r *Registry) Lookup(id StageID) (Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// IDs returns stage ids in catalog order.
func (r *Registry) IDs() []StageID {
	ids := make([]StageID, len(r.ordered))
	for i, d := range r.ordered {
		ids[i] = d.ID
	}
	return ids
}

// Descriptors returns a copy of the catalog in order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func (r *Registry) Len() int {
	return len(r.ordered)
}
