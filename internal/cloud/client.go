// Package cloud talks to the remote cartoonization service: one-shot image
// uploads and the server-push stream of pipeline stage events.
package cloud

import (
	"context"
	"io"
	"net/url"
)

// JobHandle is the opaque identifier the service returns for an upload.
type JobHandle string

func (h JobHandle) String() string {
	return string(h)
}

// Gateway submits an image to the service.
type Gateway interface {
	Upload(ctx context.Context, filename string, blob io.Reader) (JobHandle, error)
}

// Streamer opens the push stream for an uploaded job.
type Streamer interface {
	OpenStream(ctx context.Context, query url.Values) (*Stream, error)
}

// Client is the full service surface used by a run.
type Client interface {
	Gateway
	Streamer
}
