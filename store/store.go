// Package store provides workflow state persistence behind a narrow
// interface. The engine is storage-agnostic: it reads fresh at point of
// use and never caches store state. MemoryStore backs tests and
// single-process runs; RedisStore backs deployments that need recovery
// across process restarts.
package store

import (
	"context"
	"errors"

	"github.com/AltairaLabs/foreman/types"
)

// ErrNotFound is returned when the requested record doesn't exist.
var ErrNotFound = errors.New("store: not found")

// ErrInvalidID is returned when an empty or malformed ID is provided.
var ErrInvalidID = errors.New("store: invalid ID")

// Store is the persistence surface the execution engine depends on.
type Store interface {
	// CreateWorkflow persists a new workflow record.
	CreateWorkflow(ctx context.Context, wf *types.Workflow) error

	// GetWorkflowByID retrieves a workflow. Returns ErrNotFound if absent.
	GetWorkflowByID(ctx context.Context, id string) (*types.Workflow, error)

	// UpdateWorkflow replaces the stored workflow record.
	UpdateWorkflow(ctx context.Context, wf *types.Workflow) error

	// AddArtifact records a produced artifact. Writing to a path that
	// already has an artifact bumps its version in place.
	AddArtifact(ctx context.Context, workflowID string, artifact *types.Artifact) (*types.Artifact, error)

	// ListArtifacts returns all artifacts for a workflow, oldest first.
	ListArtifacts(ctx context.Context, workflowID string) ([]*types.Artifact, error)

	// UpdatePhaseProgress persists the current status of one phase and its
	// tasks inside the workflow's plan.
	UpdatePhaseProgress(ctx context.Context, workflowID string, phase *types.Phase) error

	// AddPauseRequest records a hard-pause question awaiting an answer.
	AddPauseRequest(ctx context.Context, req *types.PauseRequest) error

	// GetPauseRequest retrieves a pause request by ID.
	GetPauseRequest(ctx context.Context, id string) (*types.PauseRequest, error)

	// ResolvePauseRequest stores the answer and marks the request resolved.
	// Resolving an already-resolved request is a no-op returning the stored
	// record.
	ResolvePauseRequest(ctx context.Context, id, answer string, values map[string]any) (*types.PauseRequest, error)

	// ExpirePauseRequest marks a still-pending request timed out. Expiring a
	// request that is no longer pending is a no-op returning the stored
	// record.
	ExpirePauseRequest(ctx context.Context, id string) (*types.PauseRequest, error)

	// AppendTranscript adds one narration entry to the workflow transcript.
	AppendTranscript(ctx context.Context, workflowID string, msg types.TranscriptMessage) error

	// GetTranscript returns the full transcript, oldest first.
	GetTranscript(ctx context.Context, workflowID string) ([]types.TranscriptMessage, error)

	// SaveReceipt persists a completion scan report.
	SaveReceipt(ctx context.Context, workflowID string, report *types.ScanReport) error

	// ListReceipts returns all scan receipts for a workflow, oldest first.
	ListReceipts(ctx context.Context, workflowID string) ([]*types.ScanReport, error)

	// SaveSnapshot persists the execution snapshot used for crash recovery.
	SaveSnapshot(ctx context.Context, snap *types.ExecutionSnapshot) error

	// LoadSnapshot retrieves the snapshot for a workflow, ErrNotFound if none.
	LoadSnapshot(ctx context.Context, workflowID string) (*types.ExecutionSnapshot, error)

	// ClearSnapshot removes the snapshot. Clearing a missing snapshot is a
	// no-op.
	ClearSnapshot(ctx context.Context, workflowID string) error
}
