package api

import (
	"github.com/toonify/toonify-agent/internal/stages"
	"github.com/toonify/toonify-agent/internal/transfer"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StageResponse struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

type StagesResponse struct {
	Stages []StageResponse `json:"stages"`
}

type ResultResponse struct {
	Stage       string `json:"stage"`
	Label       string `json:"label"`
	Description string `json:"description"`
	ArtifactRef string `json:"artifact_ref"`
	ArtifactURL string `json:"artifact_url,omitempty"`
}

type RunResponse struct {
	RunID   string           `json:"run_id,omitempty"`
	Phase   string           `json:"phase"`
	Running bool             `json:"running"`
	Results []ResultResponse `json:"results"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func StageToResponse(d stages.Descriptor) StageResponse {
	return StageResponse{
		ID:          string(d.ID),
		Label:       d.Label,
		Description: d.Description,
	}
}

// RunToResponse decorates st with stage metadata from registry and, when
// artifacts is set, absolute artifact URLs.
func RunToResponse(st transfer.RunState, registry *stages.Registry, artifacts ArtifactResolver) RunResponse {
	resp := RunResponse{
		RunID:   st.RunID,
		Phase:   string(st.Phase),
		Running: st.Running,
		Results: make([]ResultResponse, len(st.Results)),
	}
	for i, res := range st.Results {
		rr := ResultResponse{
			Stage:       string(res.Stage),
			ArtifactRef: res.ArtifactRef,
		}
		if d, ok := registry.Lookup(res.Stage); ok {
			rr.Label = d.Label
			rr.Description = d.Description
		}
		if artifacts != nil {
			rr.ArtifactURL = artifacts.ArtifactURL(res.ArtifactRef)
		}
		resp.Results[i] = rr
	}
	return resp
}
