package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/toonify/toonify-agent/internal/cloud"
	"github.com/toonify/toonify-agent/internal/logging"
)

// fakeConn is one push-stream connection handed out by fakeStreamer.
type fakeConn struct {
	query  url.Values
	pw     *io.PipeWriter
	closed chan struct{}
	once   sync.Once
}

func (c *fakeConn) send(t *testing.T, eventType, data string) {
	t.Helper()
	_, err := fmt.Fprintf(c.pw, "event: %s\ndata: %s\n\n", eventType, data)
	require.NoError(t, err)
}

func (c *fakeConn) drop() {
	c.pw.Close()
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type trackedBody struct {
	io.Reader
	pr   *io.PipeReader
	conn *fakeConn
}

func (b *trackedBody) Close() error {
	b.conn.once.Do(func() { close(b.conn.closed) })
	return b.pr.Close()
}

type fakeStreamer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	openErr error
	// closedBeforeOpen records, per open, whether every earlier
	// connection had already been closed.
	closedBeforeOpen []bool
	block            chan struct{}
}

func (f *fakeStreamer) OpenStream(ctx context.Context, query url.Values) (*cloud.Stream, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	allClosed := true
	for _, c := range f.conns {
		if !c.isClosed() {
			allClosed = false
		}
	}
	f.closedBeforeOpen = append(f.closedBeforeOpen, allClosed)

	if f.openErr != nil {
		return nil, f.openErr
	}

	pr, pw := io.Pipe()
	conn := &fakeConn{query: query, pw: pw, closed: make(chan struct{})}
	f.conns = append(f.conns, conn)
	return cloud.NewStream(&trackedBody{Reader: pr, pr: pr, conn: conn}), nil
}

func (f *fakeStreamer) conn(t *testing.T, i int) *fakeConn {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.conns), i, "connection %d was never opened", i)
	return f.conns[i]
}

func (f *fakeStreamer) opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closedBeforeOpen)
}

type fakeGateway struct {
	job     cloud.JobHandle
	err     error
	uploads int
	body    string
}

func (g *fakeGateway) Upload(ctx context.Context, filename string, blob io.Reader) (cloud.JobHandle, error) {
	g.uploads++
	b, _ := io.ReadAll(blob)
	g.body = string(b)
	if g.err != nil {
		return "", g.err
	}
	return g.job, nil
}

type fakeClient struct {
	*fakeGateway
	*fakeStreamer
}

func newTestSession(streamer cloud.Streamer) *Session {
	return NewSession(streamer, nil, logging.Discard())
}

func waitFor(t *testing.T, s *Session, cond func(RunState) bool) RunState {
	t.Helper()
	require.Eventually(t, func() bool { return cond(s.Snapshot()) }, 2*time.Second, 5*time.Millisecond)
	return s.Snapshot()
}

func waitResults(t *testing.T, s *Session, n int) RunState {
	t.Helper()
	return waitFor(t, s, func(st RunState) bool { return len(st.Results) == n })
}

func waitClosed(t *testing.T, c *fakeConn) {
	t.Helper()
	require.Eventually(t, c.isClosed, 2*time.Second, 5*time.Millisecond, "connection not released")
}

func stageNames(results []StageResult) string {
	names := make([]string, len(results))
	for i, r := range results {
		names[i] = string(r.Stage)
	}
	return strings.Join(names, ",")
}

var errBoom = errors.New("boom")
