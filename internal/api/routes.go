package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/toonify/toonify-agent/internal/cloud"
	"github.com/toonify/toonify-agent/internal/logging"
	"github.com/toonify/toonify-agent/internal/stages"
	"github.com/toonify/toonify-agent/internal/transfer"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	if cfg.Registry == nil {
		cfg.Registry = stages.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = logging.WithComponent(cfg.Logger, "api")

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))
	r.Get("/stages", listStagesHandler(cfg))

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", startRunHandler(cfg))
		r.Get("/current", currentRunHandler(cfg))
		r.Delete("/current", cancelRunHandler(cfg))
		r.Get("/current/events", runEventsHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: uptime,
		})
	}
}

func listStagesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		descriptors := cfg.Registry.Descriptors()
		resp := StagesResponse{Stages: make([]StageResponse, len(descriptors))}
		for i, d := range descriptors {
			resp.Stages[i] = StageToResponse(d)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func startRunHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes)
		if err := r.ParseMultipartForm(cfg.MaxUploadBytes); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid multipart body", "BAD_REQUEST")
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			WriteError(w, http.StatusBadRequest, "file is required", "BAD_REQUEST")
			return
		}
		defer file.Close()

		runCfg, err := transfer.ParseRunConfig(
			formValue(r, "style_id", strconv.Itoa(cfg.Defaults.StyleID())),
			formValue(r, "segment", strconv.FormatBool(cfg.Defaults.Segment())),
			formValue(r, "structure_only", strconv.FormatBool(cfg.Defaults.StructureOnly())),
		)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		if err := cfg.Controller.StartRun(r.Context(), header.Filename, file, runCfg); err != nil {
			switch {
			case errors.Is(err, cloud.ErrUploadFailed):
				cfg.Logger.Warn("upload rejected", "error", err, "file", logging.SanitizePath(header.Filename))
				WriteError(w, http.StatusBadGateway, err.Error(), "UPLOAD_FAILED")
			case errors.Is(err, transfer.ErrRunCancelled):
				WriteError(w, http.StatusConflict, "run cancelled while connecting", "RUN_CANCELLED")
			default:
				cfg.Logger.Error("failed to open result stream", "error", err)
				WriteError(w, http.StatusBadGateway, err.Error(), "STREAM_FAILED")
			}
			return
		}

		st := cfg.Controller.Projection().Snapshot()
		WriteJSON(w, http.StatusAccepted, RunToResponse(st, cfg.Registry, cfg.Artifacts))
	}
}

// formValue returns the form field, or def when it is absent or blank.
func formValue(r *http.Request, key, def string) string {
	if v := r.FormValue(key); v != "" {
		return v
	}
	return def
}

func currentRunHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := cfg.Controller.Projection().Snapshot()
		WriteJSON(w, http.StatusOK, RunToResponse(st, cfg.Registry, cfg.Artifacts))
	}
}

func cancelRunHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg.Controller.Cancel()
		w.WriteHeader(http.StatusNoContent)
	}
}
