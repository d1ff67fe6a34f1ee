package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/foreman/types"
)

// MemoryStore is an in-memory Store for tests and single-process runs.
// All reads return deep copies so callers can't mutate stored state.
type MemoryStore struct {
	mu          sync.RWMutex
	now         func() time.Time
	workflows   map[string]*types.Workflow
	artifacts   map[string][]*types.Artifact
	pauses      map[string]*types.PauseRequest
	transcripts map[string][]types.TranscriptMessage
	receipts    map[string][]*types.ScanReport
	snapshots   map[string]*types.ExecutionSnapshot
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithTimeFunc overrides the clock, for tests.
func WithTimeFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:         time.Now,
		workflows:   make(map[string]*types.Workflow),
		artifacts:   make(map[string][]*types.Artifact),
		pauses:      make(map[string]*types.PauseRequest),
		transcripts: make(map[string][]types.TranscriptMessage),
		receipts:    make(map[string][]*types.ScanReport),
		snapshots:   make(map[string]*types.ExecutionSnapshot),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateWorkflow persists a new workflow record.
func (s *MemoryStore) CreateWorkflow(_ context.Context, wf *types.Workflow) error {
	if wf == nil || wf.ID == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[wf.ID]; exists {
		return fmt.Errorf("store: workflow %s already exists", wf.ID)
	}
	stored, err := deepCopy(wf)
	if err != nil {
		return err
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.UpdatedAt = s.now()
	s.workflows[wf.ID] = stored
	return nil
}

// GetWorkflowByID retrieves a workflow by ID.
func (s *MemoryStore) GetWorkflowByID(_ context.Context, id string) (*types.Workflow, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(wf)
}

// UpdateWorkflow replaces the stored workflow record.
func (s *MemoryStore) UpdateWorkflow(_ context.Context, wf *types.Workflow) error {
	if wf == nil || wf.ID == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[wf.ID]; !ok {
		return ErrNotFound
	}
	stored, err := deepCopy(wf)
	if err != nil {
		return err
	}
	stored.UpdatedAt = s.now()
	s.workflows[wf.ID] = stored
	return nil
}

// AddArtifact records an artifact, bumping the version in place when the
// path already exists for the workflow.
func (s *MemoryStore) AddArtifact(_ context.Context, workflowID string, artifact *types.Artifact) (*types.Artifact, error) {
	if workflowID == "" || artifact == nil {
		return nil, ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.artifacts[workflowID] {
		if existing.Path == artifact.Path {
			existing.Version++
			existing.Content = artifact.Content
			if artifact.Kind != "" {
				existing.Kind = artifact.Kind
			}
			if artifact.TaskID != "" {
				existing.TaskID = artifact.TaskID
			}
			existing.UpdatedAt = s.now()
			return deepCopy(existing)
		}
	}

	stored, err := deepCopy(artifact)
	if err != nil {
		return nil, err
	}
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Version == 0 {
		stored.Version = 1
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.UpdatedAt = s.now()
	s.artifacts[workflowID] = append(s.artifacts[workflowID], stored)
	return deepCopy(stored)
}

// ListArtifacts returns all artifacts for a workflow, oldest first.
func (s *MemoryStore) ListArtifacts(_ context.Context, workflowID string) ([]*types.Artifact, error) {
	if workflowID == "" {
		return nil, ErrInvalidID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Artifact, 0, len(s.artifacts[workflowID]))
	for _, a := range s.artifacts[workflowID] {
		copied, err := deepCopy(a)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	return out, nil
}

// UpdatePhaseProgress persists one phase's status inside the workflow plan.
// Phases not yet in the plan are appended; remediation adds synthetic
// phases this way.
func (s *MemoryStore) UpdatePhaseProgress(_ context.Context, workflowID string, phase *types.Phase) error {
	if workflowID == "" || phase == nil || phase.ID == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return ErrNotFound
	}
	if wf.Plan == nil {
		wf.Plan = &types.Plan{}
	}
	copied, err := deepCopy(phase)
	if err != nil {
		return err
	}
	for i := range wf.Plan.Phases {
		if wf.Plan.Phases[i].ID == phase.ID {
			wf.Plan.Phases[i] = copied
			wf.UpdatedAt = s.now()
			return nil
		}
	}
	wf.Plan.Phases = append(wf.Plan.Phases, copied)
	wf.UpdatedAt = s.now()
	return nil
}

// AddPauseRequest records a hard-pause question.
func (s *MemoryStore) AddPauseRequest(_ context.Context, req *types.PauseRequest) error {
	if req == nil || req.ID == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := deepCopy(req)
	if err != nil {
		return err
	}
	if stored.Status == "" {
		stored.Status = types.PausePending
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.pauses[req.ID] = stored
	return nil
}

// GetPauseRequest retrieves a pause request by ID.
func (s *MemoryStore) GetPauseRequest(_ context.Context, id string) (*types.PauseRequest, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.pauses[id]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(req)
}

// ResolvePauseRequest stores the answer and marks the request resolved.
func (s *MemoryStore) ResolvePauseRequest(_ context.Context, id, answer string, values map[string]any) (*types.PauseRequest, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pauses[id]
	if !ok {
		return nil, ErrNotFound
	}
	if req.Status == types.PausePending {
		req.Answer = answer
		req.AnswerValues = values
		req.Status = types.PauseResolved
		resolvedAt := s.now()
		req.ResolvedAt = &resolvedAt
	}
	return deepCopy(req)
}

// ExpirePauseRequest marks a still-pending request timed out.
func (s *MemoryStore) ExpirePauseRequest(_ context.Context, id string) (*types.PauseRequest, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pauses[id]
	if !ok {
		return nil, ErrNotFound
	}
	if req.Status == types.PausePending {
		req.Status = types.PauseTimedOut
		resolvedAt := s.now()
		req.ResolvedAt = &resolvedAt
	}
	return deepCopy(req)
}

// AppendTranscript adds one narration entry to the workflow transcript.
func (s *MemoryStore) AppendTranscript(_ context.Context, workflowID string, msg types.TranscriptMessage) error {
	if workflowID == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	s.transcripts[workflowID] = append(s.transcripts[workflowID], msg)
	return nil
}

// GetTranscript returns the full transcript, oldest first.
func (s *MemoryStore) GetTranscript(_ context.Context, workflowID string) ([]types.TranscriptMessage, error) {
	if workflowID == "" {
		return nil, ErrInvalidID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.TranscriptMessage, len(s.transcripts[workflowID]))
	copy(out, s.transcripts[workflowID])
	return out, nil
}

// SaveReceipt persists a completion scan report.
func (s *MemoryStore) SaveReceipt(_ context.Context, workflowID string, report *types.ScanReport) error {
	if workflowID == "" || report == nil {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := deepCopy(report)
	if err != nil {
		return err
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.receipts[workflowID] = append(s.receipts[workflowID], stored)
	return nil
}

// ListReceipts returns all scan receipts for a workflow, oldest first.
func (s *MemoryStore) ListReceipts(_ context.Context, workflowID string) ([]*types.ScanReport, error) {
	if workflowID == "" {
		return nil, ErrInvalidID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.ScanReport, 0, len(s.receipts[workflowID]))
	for _, r := range s.receipts[workflowID] {
		copied, err := deepCopy(r)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	return out, nil
}

// SaveSnapshot persists the execution snapshot for crash recovery.
func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *types.ExecutionSnapshot) error {
	if snap == nil || snap.WorkflowID == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := deepCopy(snap)
	if err != nil {
		return err
	}
	stored.UpdatedAt = s.now()
	s.snapshots[snap.WorkflowID] = stored
	return nil
}

// LoadSnapshot retrieves the snapshot for a workflow.
func (s *MemoryStore) LoadSnapshot(_ context.Context, workflowID string) (*types.ExecutionSnapshot, error) {
	if workflowID == "" {
		return nil, ErrInvalidID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(snap)
}

// ClearSnapshot removes the snapshot for a workflow.
func (s *MemoryStore) ClearSnapshot(_ context.Context, workflowID string) error {
	if workflowID == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, workflowID)
	return nil
}

// deepCopy clones a record through a JSON round-trip so stored state and
// returned values never share memory.
func deepCopy[T any](src *T) (*T, error) {
	if src == nil {
		return nil, nil
	}
	data, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("store: failed to copy record: %w", err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("store: failed to copy record: %w", err)
	}
	return &out, nil
}
