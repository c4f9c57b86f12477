package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/toonify/toonify-agent/internal/logging"
	"github.com/toonify/toonify-agent/internal/transfer"
)

type fakeProjection struct {
	mu        sync.Mutex
	state     transfer.RunState
	listeners map[int]func(transfer.RunState)
	nextID    int
}

func newFakeProjection() *fakeProjection {
	return &fakeProjection{
		state:     transfer.RunState{Phase: transfer.PhaseIdle, Results: []transfer.StageResult{}},
		listeners: make(map[int]func(transfer.RunState)),
	}
}

func (p *fakeProjection) Results() []transfer.StageResult { return p.Snapshot().Results }
func (p *fakeProjection) IsRunning() bool                 { return p.Snapshot().Running }

func (p *fakeProjection) Snapshot() transfer.RunState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.state
	st.Results = append([]transfer.StageResult{}, p.state.Results...)
	return st
}

func (p *fakeProjection) OnUpdate(fn func(transfer.RunState)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *fakeProjection) subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}

func (p *fakeProjection) publish(st transfer.RunState) {
	p.mu.Lock()
	p.state = st
	fns := make([]func(transfer.RunState), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

type fakeController struct {
	projection *fakeProjection
	startErr   error

	mu        sync.Mutex
	configs   []transfer.RunConfig
	filenames []string
	bodies    []string
	cancels   int
}

func newFakeController() *fakeController {
	return &fakeController{projection: newFakeProjection()}
}

func (c *fakeController) StartRun(ctx context.Context, filename string, blob io.Reader, cfg transfer.RunConfig) error {
	b, _ := io.ReadAll(blob)
	c.mu.Lock()
	c.configs = append(c.configs, cfg)
	c.filenames = append(c.filenames, filename)
	c.bodies = append(c.bodies, string(b))
	c.mu.Unlock()

	if c.startErr != nil {
		return c.startErr
	}
	c.projection.publish(transfer.RunState{
		RunID:   "run-1",
		Phase:   transfer.PhaseConnecting,
		Results: []transfer.StageResult{},
		Running: true,
	})
	return nil
}

func (c *fakeController) Cancel() {
	c.mu.Lock()
	c.cancels++
	c.mu.Unlock()
}

func (c *fakeController) Projection() transfer.Projection {
	return c.projection
}

type prefixResolver string

func (p prefixResolver) ArtifactURL(locator string) string {
	return string(p) + locator
}

func testServerConfig(ctrl RunController) ServerConfig {
	return ServerConfig{
		Controller: ctrl,
		Artifacts:  prefixResolver("http://svc/"),
		Defaults:   transfer.DefaultRunConfig(),
		Logger:     logging.Discard(),
		StartTime:  time.Now(),
		Version:    "test",
	}
}

// multipartBody builds a POST /runs body. An empty filename omits the file
// part.
func multipartBody(t *testing.T, filename, content string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(part, content); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rr.Body.String(), err)
	}
	return body
}

func serve(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
