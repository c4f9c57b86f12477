// Package transfer consumes the service's push stream for one run at a time
// and exposes the accumulated stage results to the presentation layer.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/toonify/toonify-agent/internal/cloud"
	"github.com/toonify/toonify-agent/internal/logging"
	"github.com/toonify/toonify-agent/internal/stages"
)

// ErrRunCancelled is returned by Start when the run was cancelled while the
// push stream was still connecting.
var ErrRunCancelled = errors.New("run cancelled")

// Session owns the RunState and the single live push-stream connection.
// Events of one connection are handled sequentially by its reader goroutine,
// in arrival order.
type Session struct {
	streamer cloud.Streamer
	registry *stages.Registry
	logger   *slog.Logger

	// startMu serializes Start calls; Cancel does not take it so it can
	// abort a connect in progress.
	startMu sync.Mutex

	mu         sync.Mutex
	state      RunState
	final      stages.StageID
	generation uint64
	version    uint64
	conn       *connection
	listeners  map[int]func(RunState)
	nextID     int

	notifyMu  sync.Mutex
	delivered uint64
}

type connection struct {
	generation uint64
	stream     *cloud.Stream
	cancel     context.CancelFunc
	done       chan struct{}
	logger     *slog.Logger
}

// NewSession creates an idle session. A nil registry selects stages.Default.
func NewSession(streamer cloud.Streamer, registry *stages.Registry, logger *slog.Logger) *Session {
	if registry == nil {
		registry = stages.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		streamer:  streamer,
		registry:  registry,
		logger:    logging.WithComponent(logger, "session"),
		state:     RunState{Phase: PhaseIdle, Results: []StageResult{}},
		listeners: make(map[int]func(RunState)),
	}
}

// Start begins a run for job. Any active connection is closed, and its
// reader has exited, before state is reset and the new stream is opened.
// Only trace values of ctx are used; the connection lives until the final
// stage arrives or Cancel is called.
func (s *Session) Start(ctx context.Context, job cloud.JobHandle, cfg RunConfig) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.teardown()

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runID := uuid.NewString()
	logger := logging.WithJobID(logging.WithRunID(s.logger, runID), job.String())

	s.mu.Lock()
	s.generation++
	conn := &connection{
		generation: s.generation,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger,
	}
	s.conn = conn
	s.final = cfg.FinalStage()
	s.state = RunState{
		RunID:   runID,
		Phase:   PhaseConnecting,
		Results: []StageResult{},
		Running: true,
	}
	v, snap := s.commitLocked()
	s.mu.Unlock()
	s.notify(v, snap)

	logger.Info("starting run",
		"style_id", cfg.StyleID(),
		"segment", cfg.Segment(),
		"structure_only", cfg.StructureOnly(),
		"final_stage", string(cfg.FinalStage()),
	)

	stream, err := s.streamer.OpenStream(connCtx, cfg.Query(job))
	if err != nil {
		cancel()
		close(conn.done)

		s.mu.Lock()
		changed := false
		if s.conn == conn {
			s.conn = nil
			s.state.Phase = PhaseAborted
			s.state.Running = false
			changed = true
		}
		v, snap := s.commitLocked()
		s.mu.Unlock()
		if changed {
			s.notify(v, snap)
			logger.Warn("failed to open push stream", "error", err)
			return fmt.Errorf("open push stream: %w", err)
		}
		return ErrRunCancelled
	}

	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		stream.Close()
		cancel()
		close(conn.done)
		return ErrRunCancelled
	}
	conn.stream = stream
	s.mu.Unlock()

	go s.consume(conn)
	return nil
}

// Cancel abandons the active run. The connection is closed and its reader
// has exited when Cancel returns; results keep whatever shape they had.
// Cancelling an idle or finished session is a no-op.
func (s *Session) Cancel() {
	s.teardown()
}

// Close releases the active connection, if any.
func (s *Session) Close() error {
	s.teardown()
	return nil
}

func (s *Session) teardown() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	changed := false
	if s.state.Running {
		s.state.Running = false
		s.state.Phase = PhaseAborted
		changed = true
	}
	var stream *cloud.Stream
	if conn != nil {
		stream = conn.stream
	}
	v, snap := s.commitLocked()
	s.mu.Unlock()

	if conn != nil {
		conn.cancel()
		if stream != nil {
			stream.Close()
		}
		<-conn.done
	}

	if changed {
		s.logger.Info("run aborted", "run_id", snap.RunID, "results", len(snap.Results))
		s.notify(v, snap)
	}
}

func (s *Session) consume(conn *connection) {
	defer close(conn.done)
	defer conn.cancel()
	defer conn.stream.Close()

	for {
		ev, err := conn.stream.Next()
		if err != nil {
			if errors.Is(err, cloud.ErrStreamClosed) {
				return
			}
			s.transportDropped(conn, err)
			return
		}
		if s.handle(conn, ev) {
			return
		}
	}
}

// handle applies one event. It returns true once the connection should be
// closed: the final stage arrived or the run is no longer current.
func (s *Session) handle(conn *connection, ev cloud.Event) bool {
	s.mu.Lock()
	if conn.generation != s.generation || !s.state.Running {
		s.mu.Unlock()
		conn.logger.Debug("ignoring event after run ended", "event", ev.Type)
		return true
	}

	changed := false
	if s.state.Phase == PhaseConnecting {
		s.state.Phase = PhaseStreaming
		changed = true
	}

	id := stages.StageID(ev.Type)
	desc, ok := s.registry.Lookup(id)
	if !ok {
		v, snap := s.commitLocked()
		s.mu.Unlock()
		conn.logger.Warn("dropping event for unknown stage", "error", &stages.UnknownStageError{ID: id})
		if changed {
			s.notify(v, snap)
		}
		return false
	}

	s.state.Results = append(s.state.Results, StageResult{Stage: desc.ID, ArtifactRef: ev.Data})
	final := desc.ID == s.final
	if final {
		s.state.Running = false
		s.state.Phase = PhaseSucceeded
	}
	v, snap := s.commitLocked()
	s.mu.Unlock()

	conn.logger.Debug("stage result", "stage", string(desc.ID), "artifact_ref", ev.Data)
	s.notify(v, snap)

	if final {
		conn.logger.Info("run complete", "final_stage", string(desc.ID), "results", len(snap.Results))
	}
	return final
}

// transportDropped leaves the run marked running: there is no reconnect and
// no distinguishing error state.
func (s *Session) transportDropped(conn *connection, err error) {
	s.mu.Lock()
	if conn.generation != s.generation || !s.state.Running {
		s.mu.Unlock()
		return
	}
	changed := false
	if s.state.Phase == PhaseConnecting {
		s.state.Phase = PhaseStreaming
		changed = true
	}
	v, snap := s.commitLocked()
	s.mu.Unlock()

	conn.logger.Warn("push stream ended before final stage", "error", err, "results", len(snap.Results))
	if changed {
		s.notify(v, snap)
	}
}

// commitLocked bumps the state version and returns a snapshot of it.
// s.mu must be held.
func (s *Session) commitLocked() (uint64, RunState) {
	s.version++
	return s.version, s.state.clone()
}

// notify delivers snap to listeners unless a newer snapshot was already
// delivered.
func (s *Session) notify(version uint64, snap RunState) {
	s.mu.Lock()
	fns := make([]func(RunState), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if version <= s.delivered {
		return
	}
	s.delivered = version
	for _, fn := range fns {
		fn(snap)
	}
}

// OnUpdate registers fn to receive a snapshot after every state mutation.
// fn runs on the session's goroutines and must not call Start or Cancel.
func (s *Session) OnUpdate(fn func(RunState)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Results returns the stage results so far, in arrival order.
func (s *Session) Results() []StageResult {
	return s.Snapshot().Results
}

// IsRunning reports whether the current run is still waiting for its
// final stage.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Running
}

// Phase returns the lifecycle phase of the current run.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Phase
}

// Snapshot returns a copy of the current RunState.
func (s *Session) Snapshot() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Registry returns the stage catalog the session resolves events against.
func (s *Session) Registry() *stages.Registry {
	return s.registry
}
