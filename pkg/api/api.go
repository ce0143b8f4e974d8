// Package api implements ArchiVision's HTTP surface: multipart upload
// endpoints that allocate a batch, run one orchestrator and answer with the
// public URLs of what it wrote.
package api

import (
	"context"

	"github.com/archivision/archivision/pkg/conditioning"
	"github.com/archivision/archivision/pkg/mesh"
	"github.com/archivision/archivision/pkg/render"
	"github.com/archivision/archivision/pkg/system"
)

// Renderer runs render batches.
type Renderer interface {
	RenderBatch(ctx context.Context, inputs []string, cfg render.Config, outDir string) (*render.Result, error)
}

// Reconstructor runs mesh reconstructions.
type Reconstructor interface {
	Build(ctx context.Context, req mesh.Request, outDir string) (*mesh.Result, error)
	CheckInstalled() error
	Status() string
}

// Backend reports the state of the generation backend.
type Backend interface {
	Status() string
	ControlModel() string
	PreferredMode() conditioning.Mode
	Concurrency() int64
}

// RenderResponse is the body of a successful POST /api/render.
type RenderResponse struct {
	BatchID string   `json:"batch_id"`
	Images  []string `json:"images"`
	OutDir  string   `json:"out_dir"`
}

// MeshResponse is the body of a successful POST /api/mesh.
type MeshResponse struct {
	BatchID string            `json:"batch_id"`
	Assets  map[string]string `json:"assets"`
	OutDir  string            `json:"out_dir"`
	// Conversion is the GLB conversion outcome.
	Conversion mesh.ConversionStatus `json:"conversion"`
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status string `json:"status"`
}

// BackendStatus describes the generation backend in GET /api/status.
type BackendStatus struct {
	Status        string            `json:"status"`
	ControlModel  string            `json:"control_model,omitempty"`
	PreferredMode conditioning.Mode `json:"preferred_mode"`
	Concurrency   int64             `json:"concurrency"`
}

// ReconstructorStatus describes the mesh reconstructor in GET /api/status.
type ReconstructorStatus struct {
	Status string `json:"status"`
}

// SystemStatus describes the host in GET /api/status.
type SystemStatus struct {
	system.Info
	RAM string `json:"ram"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Backend       BackendStatus       `json:"backend"`
	Reconstructor ReconstructorStatus `json:"reconstructor"`
	System        *SystemStatus       `json:"system,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failure.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Details carries the captured output of a failed external tool.
	Details string `json:"details,omitempty"`
}
