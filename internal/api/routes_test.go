package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/toonify/toonify-agent/internal/cloud"
	"github.com/toonify/toonify-agent/internal/stages"
	"github.com/toonify/toonify-agent/internal/transfer"
)

func TestHealthHandler(t *testing.T) {
	router := NewRouter(testServerConfig(newFakeController()))

	rr := serve(router, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}

	body := decodeJSONBody(t, rr)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test" {
		t.Errorf("version = %v, want test", body["version"])
	}
	if _, ok := body["uptime_s"]; !ok {
		t.Error("uptime_s missing from response")
	}
}

func TestListStagesHandler(t *testing.T) {
	router := NewRouter(testServerConfig(newFakeController()))

	rr := serve(router, httptest.NewRequest(http.MethodGet, "/stages", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp StagesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := stages.Default().IDs()
	if len(resp.Stages) != len(want) {
		t.Fatalf("got %d stages, want %d", len(resp.Stages), len(want))
	}
	for i, s := range resp.Stages {
		if s.ID != string(want[i]) {
			t.Errorf("stage[%d] = %q, want %q", i, s.ID, want[i])
		}
		if s.Label == "" || s.Description == "" {
			t.Errorf("stage %q is missing label or description", s.ID)
		}
	}
}

func TestStartRunHandler_Accepted(t *testing.T) {
	ctrl := newFakeController()
	router := NewRouter(testServerConfig(ctrl))

	body, contentType := multipartBody(t, "face.png", "PNGDATA", map[string]string{
		"style_id":       "4",
		"segment":        "false",
		"structure_only": "true",
	})
	req := httptest.NewRequest(http.MethodPost, "/runs", body)
	req.Header.Set("Content-Type", contentType)

	rr := serve(router, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status code = %d, want %d: %s", rr.Code, http.StatusAccepted, rr.Body.String())
	}

	resp := decodeJSONBody(t, rr)
	if resp["running"] != true {
		t.Errorf("running = %v, want true", resp["running"])
	}
	if resp["phase"] != string(transfer.PhaseConnecting) {
		t.Errorf("phase = %v, want connecting", resp["phase"])
	}

	if len(ctrl.configs) != 1 {
		t.Fatalf("StartRun called %d times, want 1", len(ctrl.configs))
	}
	cfg := ctrl.configs[0]
	if cfg.StyleID() != 4 || cfg.Segment() || !cfg.StructureOnly() {
		t.Errorf("config = {%d %v %v}, want {4 false true}", cfg.StyleID(), cfg.Segment(), cfg.StructureOnly())
	}
	if ctrl.filenames[0] != "face.png" || ctrl.bodies[0] != "PNGDATA" {
		t.Errorf("upload = %q/%q", ctrl.filenames[0], ctrl.bodies[0])
	}
}

func TestStartRunHandler_UsesServerDefaults(t *testing.T) {
	ctrl := newFakeController()
	cfg := testServerConfig(ctrl)
	defaults, err := transfer.NewRunConfig(9, transfer.WithSegment(false))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Defaults = defaults
	router := NewRouter(cfg)

	body, contentType := multipartBody(t, "face.png", "x", nil)
	req := httptest.NewRequest(http.MethodPost, "/runs", body)
	req.Header.Set("Content-Type", contentType)

	rr := serve(router, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusAccepted)
	}
	got := ctrl.configs[0]
	if got.StyleID() != 9 || got.Segment() || got.StructureOnly() {
		t.Errorf("config = {%d %v %v}, want {9 false false}", got.StyleID(), got.Segment(), got.StructureOnly())
	}
}

func TestStartRunHandler_BadRequests(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		fields   map[string]string
	}{
		{"missing file", "", map[string]string{"style_id": "1"}},
		{"style not integer", "a.png", map[string]string{"style_id": "seven"}},
		{"negative style", "a.png", map[string]string{"style_id": "-2"}},
		{"bad segment", "a.png", map[string]string{"segment": "perhaps"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newFakeController()
			router := NewRouter(testServerConfig(ctrl))

			body, contentType := multipartBody(t, tt.filename, "x", tt.fields)
			req := httptest.NewRequest(http.MethodPost, "/runs", body)
			req.Header.Set("Content-Type", contentType)

			rr := serve(router, req)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status code = %d, want %d", rr.Code, http.StatusBadRequest)
			}
			if got := decodeJSONBody(t, rr)["code"]; got != "BAD_REQUEST" {
				t.Errorf("code = %v, want BAD_REQUEST", got)
			}
			if len(ctrl.configs) != 0 {
				t.Error("StartRun must not be called for a bad request")
			}
		})
	}
}

func TestStartRunHandler_NotMultipart(t *testing.T) {
	router := NewRouter(testServerConfig(newFakeController()))

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"style_id":1}`))
	req.Header.Set("Content-Type", "application/json")

	rr := serve(router, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestStartRunHandler_TooLarge(t *testing.T) {
	cfg := testServerConfig(newFakeController())
	cfg.MaxUploadBytes = 64
	router := NewRouter(cfg)

	body, contentType := multipartBody(t, "big.png", strings.Repeat("x", 1024), nil)
	req := httptest.NewRequest(http.MethodPost, "/runs", body)
	req.Header.Set("Content-Type", contentType)

	if rr := serve(router, req); rr.Code != http.StatusBadRequest {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestStartRunHandler_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"upload rejected", &cloud.UploadError{StatusCode: http.StatusUnsupportedMediaType, Body: "not an image"}, http.StatusBadGateway, "UPLOAD_FAILED"},
		{"stream failed", fmt.Errorf("open push stream: %w", errString("connection refused")), http.StatusBadGateway, "STREAM_FAILED"},
		{"cancelled", transfer.ErrRunCancelled, http.StatusConflict, "RUN_CANCELLED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newFakeController()
			ctrl.startErr = tt.err
			router := NewRouter(testServerConfig(ctrl))

			body, contentType := multipartBody(t, "a.png", "x", nil)
			req := httptest.NewRequest(http.MethodPost, "/runs", body)
			req.Header.Set("Content-Type", contentType)

			rr := serve(router, req)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status code = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := decodeJSONBody(t, rr)["code"]; got != tt.wantCode {
				t.Errorf("code = %v, want %s", got, tt.wantCode)
			}
		})
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestCurrentRunHandler(t *testing.T) {
	ctrl := newFakeController()
	ctrl.projection.publish(transfer.RunState{
		RunID:   "run-9",
		Phase:   transfer.PhaseStreaming,
		Running: true,
		Results: []transfer.StageResult{
			{Stage: stages.Original, ArtifactRef: "static/o.png"},
			{Stage: stages.Align, ArtifactRef: "static/a.png"},
		},
	})
	router := NewRouter(testServerConfig(ctrl))

	rr := serve(router, httptest.NewRequest(http.MethodGet, "/runs/current", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp RunResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RunID != "run-9" || !resp.Running || resp.Phase != "streaming" {
		t.Errorf("run = %+v", resp)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(resp.Results))
	}
	first := resp.Results[0]
	if first.Stage != "original" || first.Label != "Input" || first.Description != "Original image" {
		t.Errorf("result[0] = %+v", first)
	}
	if first.ArtifactURL != "http://svc/static/o.png" {
		t.Errorf("artifact_url = %q", first.ArtifactURL)
	}
}

func TestCurrentRunHandler_Idle(t *testing.T) {
	router := NewRouter(testServerConfig(newFakeController()))

	rr := serve(router, httptest.NewRequest(http.MethodGet, "/runs/current", nil))
	body := decodeJSONBody(t, rr)
	if body["running"] != false || body["phase"] != "idle" {
		t.Errorf("body = %v", body)
	}
	results, ok := body["results"].([]interface{})
	if !ok || len(results) != 0 {
		t.Errorf("results = %v, want empty array", body["results"])
	}
}

func TestCancelRunHandler(t *testing.T) {
	ctrl := newFakeController()
	router := NewRouter(testServerConfig(ctrl))

	rr := serve(router, httptest.NewRequest(http.MethodDelete, "/runs/current", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusNoContent)
	}
	if ctrl.cancels != 1 {
		t.Errorf("Cancel called %d times, want 1", ctrl.cancels)
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	router := NewRouter(testServerConfig(newFakeController()))

	rr := serve(router, httptest.NewRequest(http.MethodPut, "/runs/current", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}
