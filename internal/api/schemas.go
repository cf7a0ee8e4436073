package api

import (
	"time"

	"github.com/documind/documind/internal/documents"
	"github.com/documind/documind/internal/pipelines"
	"github.com/documind/documind/internal/tracker"
)

type HealthResponse struct {
	Status           string            `json:"status"`
	Version          string            `json:"version"`
	UptimeS          int64             `json:"uptime_s"`
	ActiveJobs       int               `json:"active_jobs"`
	QueuedJobs       int               `json:"queued_jobs"`
	TrackedProcesses int               `json:"tracked_processes"`
	Backends         BackendsResponse  `json:"backends"`
	Checks           map[string]string `json:"checks,omitempty"`
	Detector         *DetectorResponse `json:"detector,omitempty"`
}

// BackendsResponse names the configured collaborator implementations.
type BackendsResponse struct {
	Extractor     string `json:"extractor"`
	MetadataStore string `json:"metadata_store"`
	BlobStore     string `json:"blob_store"`
	Events        string `json:"events"`
}

type DetectorResponse struct {
	CanCrop        bool   `json:"can_crop"`
	PythonVersion  string `json:"python_version,omitempty"`
	PackageVersion string `json:"package_version,omitempty"`
	LastProbeAt    string `json:"last_probe_at,omitempty"`
}

type SubmitResponse struct {
	ProcessID string   `json:"processId"`
	Stages    []string `json:"stages"`
}

type ProcessesResponse struct {
	Processes []tracker.Snapshot `json:"processes"`
}

type AskRequest struct {
	Question      string `json:"question"`
	ExtractedText string `json:"extractedText"`
}

type AskResponse struct {
	Answer string `json:"answer"`
}

type DocumentsResponse struct {
	Documents []*documents.Document `json:"documents"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func DetectorToResponse(c *pipelines.Capabilities) *DetectorResponse {
	if c == nil {
		return nil
	}
	resp := &DetectorResponse{
		CanCrop:        c.CanCrop,
		PythonVersion:  c.Python.Version,
		PackageVersion: c.PackageVersion,
	}
	if !c.ProbedAt.IsZero() {
		resp.LastProbeAt = c.ProbedAt.Format(time.RFC3339)
	}
	return resp
}
