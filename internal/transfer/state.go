package transfer

import "github.com/toonify/toonify-agent/internal/stages"

// Phase is the session lifecycle state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseStreaming  Phase = "streaming"
	PhaseSucceeded  Phase = "succeeded"
	PhaseAborted    Phase = "aborted"
)

// Terminated reports whether p is one of the terminal phases.
func (p Phase) Terminated() bool {
	return p == PhaseSucceeded || p == PhaseAborted
}

// StageResult is one produced artifact. ArtifactRef is a locator, not bytes.
type StageResult struct {
	Stage       stages.StageID `json:"stage"`
	ArtifactRef string         `json:"artifact_ref"`
}

// RunState is a point-in-time copy of a run. Results are in arrival order.
type RunState struct {
	RunID   string        `json:"run_id,omitempty"`
	Phase   Phase         `json:"phase"`
	Results []StageResult `json:"results"`
	Running bool          `json:"running"`
}

// Projection is the read-only view handed to the presentation layer.
type Projection interface {
	Results() []StageResult
	IsRunning() bool
	Snapshot() RunState
	OnUpdate(fn func(RunState)) (unsubscribe func())
}

func (s RunState) clone() RunState {
	out := s
	out.Results = make([]StageResult, len(s.Results))
	copy(out.Results, s.Results)
	return out
}
