package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/foreman/types"
)

const defaultRedisPrefix = "foreman"

// RedisStore is a Redis-backed Store. Records are JSON values under a
// configurable key prefix; artifacts live in a per-workflow hash keyed by
// path so version bumps stay single-key operations.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets a time-to-live applied to every key on write.
// Zero (the default) keeps records until explicitly cleared.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithPrefix overrides the key prefix. Default is "foreman".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedisStore creates a Redis-backed store.
//
// Example:
//
//	store := NewRedisStore(
//	    redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
//	    WithTTL(7*24*time.Hour),
//	    WithPrefix("myapp"),
//	)
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: defaultRedisPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) workflowKey(id string) string {
	return fmt.Sprintf("%s:workflow:%s", s.prefix, id)
}

func (s *RedisStore) artifactsKey(workflowID string) string {
	return fmt.Sprintf("%s:workflow:%s:artifacts", s.prefix, workflowID)
}

func (s *RedisStore) transcriptKey(workflowID string) string {
	return fmt.Sprintf("%s:workflow:%s:transcript", s.prefix, workflowID)
}

func (s *RedisStore) receiptsKey(workflowID string) string {
	return fmt.Sprintf("%s:workflow:%s:receipts", s.prefix, workflowID)
}

func (s *RedisStore) snapshotKey(workflowID string) string {
	return fmt.Sprintf("%s:workflow:%s:snapshot", s.prefix, workflowID)
}

func (s *RedisStore) pauseKey(id string) string {
	return fmt.Sprintf("%s:pause:%s", s.prefix, id)
}

// CreateWorkflow persists a new workflow record.
func (s *RedisStore) CreateWorkflow(ctx context.Context, wf *types.Workflow) error {
	if wf == nil || wf.ID == "" {
		return ErrInvalidID
	}
	record := *wf
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.UpdatedAt = time.Now()

	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("store: failed to marshal workflow: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.workflowKey(wf.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("store: redis setnx failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("store: workflow %s already exists", wf.ID)
	}
	return nil
}

// GetWorkflowByID retrieves a workflow by ID.
func (s *RedisStore) GetWorkflowByID(ctx context.Context, id string) (*types.Workflow, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	data, err := s.client.Get(ctx, s.workflowKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: redis get failed: %w", err)
	}
	var wf types.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("store: failed to unmarshal workflow: %w", err)
	}
	return &wf, nil
}

// UpdateWorkflow replaces the stored workflow record.
func (s *RedisStore) UpdateWorkflow(ctx context.Context, wf *types.Workflow) error {
	if wf == nil || wf.ID == "" {
		return ErrInvalidID
	}
	exists, err := s.client.Exists(ctx, s.workflowKey(wf.ID)).Result()
	if err != nil {
		return fmt.Errorf("store: redis exists failed: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	record := *wf
	record.UpdatedAt = time.Now()
	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("store: failed to marshal workflow: %w", err)
	}
	if err := s.client.Set(ctx, s.workflowKey(wf.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store: redis set failed: %w", err)
	}
	return nil
}

// AddArtifact records an artifact, bumping the version in place when the
// path already exists for the workflow.
func (s *RedisStore) AddArtifact(ctx context.Context, workflowID string, artifact *types.Artifact) (*types.Artifact, error) {
	if workflowID == "" || artifact == nil {
		return nil, ErrInvalidID
	}
	key := s.artifactsKey(workflowID)

	record := *artifact
	existing, err := s.client.HGet(ctx, key, artifact.Path).Bytes()
	switch {
	case err == nil:
		var prev types.Artifact
		if err := json.Unmarshal(existing, &prev); err != nil {
			return nil, fmt.Errorf("store: failed to unmarshal artifact: %w", err)
		}
		prev.Version++
		prev.Content = record.Content
		if record.Kind != "" {
			prev.Kind = record.Kind
		}
		if record.TaskID != "" {
			prev.TaskID = record.TaskID
		}
		prev.UpdatedAt = time.Now()
		record = prev
	case errors.Is(err, redis.Nil):
		if record.ID == "" {
			record.ID = uuid.NewString()
		}
		if record.Version == 0 {
			record.Version = 1
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = time.Now()
		}
		record.UpdatedAt = time.Now()
	default:
		return nil, fmt.Errorf("store: redis hget failed: %w", err)
	}

	data, err := json.Marshal(&record)
	if err != nil {
		return nil, fmt.Errorf("store: failed to marshal artifact: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record.Path, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store: redis pipeline failed: %w", err)
	}
	return &record, nil
}

// ListArtifacts returns all artifacts for a workflow, oldest first.
func (s *RedisStore) ListArtifacts(ctx context.Context, workflowID string) ([]*types.Artifact, error) {
	if workflowID == "" {
		return nil, ErrInvalidID
	}
	values, err := s.client.HGetAll(ctx, s.artifactsKey(workflowID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis hgetall failed: %w", err)
	}
	out := make([]*types.Artifact, 0, len(values))
	for _, raw := range values {
		var a types.Artifact
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("store: failed to unmarshal artifact: %w", err)
		}
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Path < out[j].Path
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdatePhaseProgress persists one phase's status inside the workflow plan.
func (s *RedisStore) UpdatePhaseProgress(ctx context.Context, workflowID string, phase *types.Phase) error {
	if workflowID == "" || phase == nil || phase.ID == "" {
		return ErrInvalidID
	}
	wf, err := s.GetWorkflowByID(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Plan == nil {
		wf.Plan = &types.Plan{}
	}
	replaced := false
	for i := range wf.Plan.Phases {
		if wf.Plan.Phases[i].ID == phase.ID {
			wf.Plan.Phases[i] = phase
			replaced = true
			break
		}
	}
	if !replaced {
		wf.Plan.Phases = append(wf.Plan.Phases, phase)
	}
	return s.UpdateWorkflow(ctx, wf)
}

// AddPauseRequest records a hard-pause question.
func (s *RedisStore) AddPauseRequest(ctx context.Context, req *types.PauseRequest) error {
	if req == nil || req.ID == "" {
		return ErrInvalidID
	}
	record := *req
	if record.Status == "" {
		record.Status = types.PausePending
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("store: failed to marshal pause request: %w", err)
	}
	if err := s.client.Set(ctx, s.pauseKey(req.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store: redis set failed: %w", err)
	}
	return nil
}

// GetPauseRequest retrieves a pause request by ID.
func (s *RedisStore) GetPauseRequest(ctx context.Context, id string) (*types.PauseRequest, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	data, err := s.client.Get(ctx, s.pauseKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: redis get failed: %w", err)
	}
	var req types.PauseRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("store: failed to unmarshal pause request: %w", err)
	}
	return &req, nil
}

// ResolvePauseRequest stores the answer and marks the request resolved.
func (s *RedisStore) ResolvePauseRequest(ctx context.Context, id, answer string, values map[string]any) (*types.PauseRequest, error) {
	req, err := s.GetPauseRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != types.PausePending {
		return req, nil
	}
	req.Answer = answer
	req.AnswerValues = values
	req.Status = types.PauseResolved
	resolvedAt := time.Now()
	req.ResolvedAt = &resolvedAt

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("store: failed to marshal pause request: %w", err)
	}
	if err := s.client.Set(ctx, s.pauseKey(id), data, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("store: redis set failed: %w", err)
	}
	return req, nil
}

// ExpirePauseRequest marks a still-pending request timed out.
func (s *RedisStore) ExpirePauseRequest(ctx context.Context, id string) (*types.PauseRequest, error) {
	req, err := s.GetPauseRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != types.PausePending {
		return req, nil
	}
	req.Status = types.PauseTimedOut
	resolvedAt := time.Now()
	req.ResolvedAt = &resolvedAt

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("store: failed to marshal pause request: %w", err)
	}
	if err := s.client.Set(ctx, s.pauseKey(id), data, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("store: redis set failed: %w", err)
	}
	return req, nil
}

// AppendTranscript adds one narration entry to the workflow transcript.
func (s *RedisStore) AppendTranscript(ctx context.Context, workflowID string, msg types.TranscriptMessage) error {
	if workflowID == "" {
		return ErrInvalidID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("store: failed to marshal transcript entry: %w", err)
	}
	key := s.transcriptKey(workflowID)
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: redis pipeline failed: %w", err)
	}
	return nil
}

// GetTranscript returns the full transcript, oldest first.
func (s *RedisStore) GetTranscript(ctx context.Context, workflowID string) ([]types.TranscriptMessage, error) {
	if workflowID == "" {
		return nil, ErrInvalidID
	}
	vals, err := s.client.LRange(ctx, s.transcriptKey(workflowID), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: redis lrange failed: %w", err)
	}
	out := make([]types.TranscriptMessage, 0, len(vals))
	for _, v := range vals {
		var msg types.TranscriptMessage
		if err := json.Unmarshal([]byte(v), &msg); err != nil {
			return nil, fmt.Errorf("store: failed to unmarshal transcript entry: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// SaveReceipt persists a completion scan report.
func (s *RedisStore) SaveReceipt(ctx context.Context, workflowID string, report *types.ScanReport) error {
	if workflowID == "" || report == nil {
		return ErrInvalidID
	}
	record := *report
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("store: failed to marshal receipt: %w", err)
	}
	key := s.receiptsKey(workflowID)
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: redis pipeline failed: %w", err)
	}
	return nil
}

// ListReceipts returns all scan receipts for a workflow, oldest first.
func (s *RedisStore) ListReceipts(ctx context.Context, workflowID string) ([]*types.ScanReport, error) {
	if workflowID == "" {
		return nil, ErrInvalidID
	}
	vals, err := s.client.LRange(ctx, s.receiptsKey(workflowID), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: redis lrange failed: %w", err)
	}
	out := make([]*types.ScanReport, 0, len(vals))
	for _, v := range vals {
		var r types.ScanReport
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("store: failed to unmarshal receipt: %w", err)
		}
		out = append(out, &r)
	}
	return out, nil
}

// SaveSnapshot persists the execution snapshot for crash recovery.
func (s *RedisStore) SaveSnapshot(ctx context.Context, snap *types.ExecutionSnapshot) error {
	if snap == nil || snap.WorkflowID == "" {
		return ErrInvalidID
	}
	record := *snap
	record.UpdatedAt = time.Now()
	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("store: failed to marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.snapshotKey(snap.WorkflowID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store: redis set failed: %w", err)
	}
	return nil
}

// LoadSnapshot retrieves the snapshot for a workflow.
func (s *RedisStore) LoadSnapshot(ctx context.Context, workflowID string) (*types.ExecutionSnapshot, error) {
	if workflowID == "" {
		return nil, ErrInvalidID
	}
	data, err := s.client.Get(ctx, s.snapshotKey(workflowID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: redis get failed: %w", err)
	}
	var snap types.ExecutionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("store: failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// ClearSnapshot removes the snapshot for a workflow.
func (s *RedisStore) ClearSnapshot(ctx context.Context, workflowID string) error {
	if workflowID == "" {
		return ErrInvalidID
	}
	if err := s.client.Del(ctx, s.snapshotKey(workflowID)).Err(); err != nil {
		return fmt.Errorf("store: redis del failed: %w", err)
	}
	return nil
}
