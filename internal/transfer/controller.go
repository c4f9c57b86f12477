package transfer

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/toonify/toonify-agent/internal/cloud"
	"github.com/toonify/toonify-agent/internal/stages"
	"github.com/toonify/toonify-agent/internal/telemetry"
)

// Controller is the entry point for the presentation layer: it uploads an
// image and drives the Session that streams its results.
type Controller struct {
	gateway cloud.Gateway
	session *Session
	logger  *slog.Logger
}

// NewController wires a gateway and streamer into a fresh Session.
func NewController(client cloud.Client, registry *stages.Registry, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		gateway: client,
		session: NewSession(client, registry, logger),
		logger:  logger,
	}
}

// StartRun supersedes any active run, uploads blob and starts streaming.
// It returns once the push stream is open; results arrive through the
// Projection. An upload failure (cloud.ErrUploadFailed) leaves the RunState
// untouched and opens no connection.
func (c *Controller) StartRun(ctx context.Context, filename string, blob io.Reader, cfg RunConfig) error {
	ctx, span := telemetry.StartSpan(ctx, "transfer.start_run")
	defer span.End()
	span.SetAttributes(
		attribute.Int("run.style_id", cfg.StyleID()),
		attribute.Bool("run.segment", cfg.Segment()),
		attribute.Bool("run.structure_only", cfg.StructureOnly()),
	)

	c.session.Cancel()

	job, err := c.gateway.Upload(ctx, filename, blob)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return err
	}

	if err := c.session.Start(ctx, job, cfg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream failed")
		return err
	}
	return nil
}

// Cancel abandons the active run, if any.
func (c *Controller) Cancel() {
	c.session.Cancel()
}

// Projection returns the read-only view of the current run.
func (c *Controller) Projection() Projection {
	return c.session
}

// Session returns the underlying session.
func (c *Controller) Session() *Session {
	return c.session
}

// Close releases the active connection.
func (c *Controller) Close() error {
	return c.session.Close()
}
