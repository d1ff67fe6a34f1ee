package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AltairaLabs/foreman/tools"
	"github.com/AltairaLabs/foreman/types"
)

// executionState is the in-memory record of one execution attempt. It is
// created when Execute registers the workflow, shared by every pod goroutine
// of the attempt, and removed from the registry when the workflow reaches a
// terminal status. Everything that must survive a crash lives in the
// snapshot, not here.
type executionState struct {
	workflowID string
	attemptID  string
	now        func() time.Time

	mu sync.Mutex

	status    types.Status
	authority types.Authority
	workspace string

	contractID string

	startTime          time.Time
	pausedAt           time.Time
	totalPauseDuration time.Duration

	currentPhaseIndex int
	completedTasks    map[string]bool
	createdPaths      map[string]string // normalized path -> creating task ID
	errs              []string
	tokenTotal        int
	costTotal         float64

	podIDByRole map[string]string
	podOrder    []string

	answered         map[string]string // clarification question -> answer
	honoredStopConds map[string]bool

	cache *tools.Cache

	// done closes exactly once, when the attempt reaches a terminal status.
	// Every blocking wait in the engine selects on it so cancellation and
	// failure unwind stuck goroutines.
	done chan struct{}

	resumeCh     chan struct{}                       // non-nil while paused
	checkpointCh chan bool                           // non-nil while at a checkpoint
	clarifyWaits map[string]chan string              // clarification ID -> answer
	pauseWaits   map[string]chan *types.PauseRequest // pause request ID -> resolution
}

func newExecutionState(workflowID, attemptID string, now func() time.Time) *executionState {
	return &executionState{
		workflowID:       workflowID,
		attemptID:        attemptID,
		now:              now,
		status:           types.StatusInitializing,
		completedTasks:   make(map[string]bool),
		createdPaths:     make(map[string]string),
		podIDByRole:      make(map[string]string),
		answered:         make(map[string]string),
		honoredStopConds: make(map[string]bool),
		done:             make(chan struct{}),
		clarifyWaits:     make(map[string]chan string),
		pauseWaits:       make(map[string]chan *types.PauseRequest),
	}
}

func (st *executionState) currentStatus() types.Status {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status
}

func (st *executionState) isDone() bool {
	select {
	case <-st.done:
		return true
	default:
		return false
	}
}

func (st *executionState) transition(to types.Status) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.transitionLocked(to)
}

func (st *executionState) transitionLocked(to types.Status) error {
	if st.status == to {
		return nil
	}
	if !canTransition(st.status, to) {
		return fmt.Errorf("engine: invalid status transition %s -> %s", st.status, to)
	}
	st.status = to
	if to.IsTerminal() {
		st.closeDoneLocked()
	}
	return nil
}

// pause moves the attempt into a paused status and freezes the budget clock.
// Pausing an attempt already in the target status is a no-op.
func (st *executionState) pause(to types.Status) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.status == to {
		return nil
	}
	if err := st.transitionLocked(to); err != nil {
		return err
	}
	if st.pausedAt.IsZero() {
		st.pausedAt = st.now()
	}
	if st.resumeCh == nil {
		st.resumeCh = make(chan struct{})
	}
	return nil
}

// resumeRun returns a paused attempt to executing, accrues the pause time
// and releases every goroutine blocked on the pause. Resuming a non-paused
// attempt is a no-op.
func (st *executionState) resumeRun() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch st.status {
	case types.StatusPaused, types.StatusPausedWaitingForUser:
	default:
		return nil
	}
	if err := st.transitionLocked(types.StatusExecuting); err != nil {
		return err
	}
	st.accruePauseLocked()
	if st.resumeCh != nil {
		close(st.resumeCh)
		st.resumeCh = nil
	}
	return nil
}

func (st *executionState) accruePauseLocked() {
	if !st.pausedAt.IsZero() {
		st.totalPauseDuration += st.now().Sub(st.pausedAt)
		st.pausedAt = time.Time{}
	}
}

// pauseGate returns the channel a waiter must block on while the attempt is
// paused, or nil when execution may proceed.
func (st *executionState) pauseGate() chan struct{} {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch st.status {
	case types.StatusPaused, types.StatusPausedWaitingForUser:
		return st.resumeCh
	}
	return nil
}

// markTerminal forces the attempt into a terminal status, accruing any open
// pause and releasing all waiters.
func (st *executionState) markTerminal(status types.Status) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.accruePauseLocked()
	if st.resumeCh != nil {
		close(st.resumeCh)
		st.resumeCh = nil
	}
	st.status = status
	st.closeDoneLocked()
}

func (st *executionState) closeDoneLocked() {
	select {
	case <-st.done:
	default:
		close(st.done)
	}
}

// elapsed is the budget-relevant wall time of the attempt: clock time since
// start minus accumulated pause time. The clock freezes while paused.
func (st *executionState) elapsed() time.Duration {
	st.mu.Lock()
	defer st.mu.Unlock()
	end := st.now()
	if !st.pausedAt.IsZero() {
		end = st.pausedAt
	}
	return end.Sub(st.startTime) - st.totalPauseDuration
}

func (st *executionState) authorityLevel() types.Authority {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.authority
}

func (st *executionState) contract() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.contractID
}

func (st *executionState) setContract(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.contractID = id
}

func (st *executionState) setPhaseIndex(i int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.currentPhaseIndex = i
}

func (st *executionState) markCompleted(taskID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.completedTasks[taskID] = true
}

func (st *executionState) isCompleted(taskID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.completedTasks[taskID]
}

func (st *executionState) completedSet() map[string]bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]bool, len(st.completedTasks))
	for id := range st.completedTasks {
		out[id] = true
	}
	return out
}

func (st *executionState) recordUsage(tokens int, costUSD float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.tokenTotal += tokens
	st.costTotal += costUSD
}

func (st *executionState) usageTotals() (tokens int, costUSD float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.tokenTotal, st.costTotal
}

func (st *executionState) recordError(msg string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.errs = append(st.errs, msg)
}

// claimPath records the first creator of a normalized path. The returned
// owner is the task holding the claim; ok is false when the path was already
// claimed, regardless of claimant.
func (st *executionState) claimPath(normalized, taskID string) (owner string, ok bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if owner, exists := st.createdPaths[normalized]; exists {
		return owner, false
	}
	st.createdPaths[normalized] = taskID
	return taskID, true
}

// releasePath drops a claim after a failed creation so a later task can
// produce the file. Only the claiming task may release.
func (st *executionState) releasePath(normalized, taskID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.createdPaths[normalized] == taskID {
		delete(st.createdPaths, normalized)
	}
}

func (st *executionState) saveAnswer(question, answer string) {
	if question == "" || answer == "" {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.answered[question] = answer
}

func (st *executionState) answeredQuestions() map[string]string {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]string, len(st.answered))
	for q, a := range st.answered {
		out[q] = a
	}
	return out
}

// honorStopCondition records that a pause-action stop condition has been
// acted on. Returns false if it was already honored.
func (st *executionState) honorStopCondition(condType string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.honoredStopConds[condType] {
		return false
	}
	st.honoredStopConds[condType] = true
	return true
}

// addPod binds a pod to a role and tracks it in spawn order. Rebinding a
// role replaces its previous pod; re-adding the same pod is a no-op, which
// lets snapshot-restored bindings enter the spawn order.
func (st *executionState) addPod(role, id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if prev, ok := st.podIDByRole[role]; ok && prev != id {
		for i, p := range st.podOrder {
			if p == prev {
				st.podOrder = append(st.podOrder[:i], st.podOrder[i+1:]...)
				break
			}
		}
	}
	st.podIDByRole[role] = id
	for _, p := range st.podOrder {
		if p == id {
			return
		}
	}
	st.podOrder = append(st.podOrder, id)
}

func (st *executionState) podFor(role string) (string, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	id, ok := st.podIDByRole[role]
	return id, ok
}

func (st *executionState) dropPod(role string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	id, ok := st.podIDByRole[role]
	if !ok {
		return
	}
	delete(st.podIDByRole, role)
	for i, p := range st.podOrder {
		if p == id {
			st.podOrder = append(st.podOrder[:i], st.podOrder[i+1:]...)
			break
		}
	}
}

// pods returns the attempt's pod IDs in spawn order.
func (st *executionState) pods() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]string(nil), st.podOrder...)
}

func (st *executionState) addClarifyWait(id string) chan string {
	ch := make(chan string, 1)
	st.mu.Lock()
	st.clarifyWaits[id] = ch
	st.mu.Unlock()
	return ch
}

func (st *executionState) removeClarifyWait(id string) {
	st.mu.Lock()
	delete(st.clarifyWaits, id)
	st.mu.Unlock()
}

func (st *executionState) deliverClarification(id, answer string) bool {
	st.mu.Lock()
	ch := st.clarifyWaits[id]
	st.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- answer:
		return true
	default:
		return false
	}
}

func (st *executionState) addPauseWait(id string) chan *types.PauseRequest {
	ch := make(chan *types.PauseRequest, 1)
	st.mu.Lock()
	st.pauseWaits[id] = ch
	st.mu.Unlock()
	return ch
}

func (st *executionState) removePauseWait(id string) {
	st.mu.Lock()
	delete(st.pauseWaits, id)
	st.mu.Unlock()
}

// pendingPauseWaits counts hard-pause questions still awaiting an answer.
func (st *executionState) pendingPauseWaits() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.pauseWaits)
}

func (st *executionState) deliverPauseResolution(id string, req *types.PauseRequest) bool {
	st.mu.Lock()
	ch := st.pauseWaits[id]
	st.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- req:
		return true
	default:
		return false
	}
}

// armCheckpoint moves the attempt to checkpoint status. The budget clock is
// frozen for the duration of the wait.
func (st *executionState) armCheckpoint() (chan bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.transitionLocked(types.StatusCheckpoint); err != nil {
		return nil, err
	}
	if st.pausedAt.IsZero() {
		st.pausedAt = st.now()
	}
	ch := make(chan bool, 1)
	st.checkpointCh = ch
	return ch, nil
}

// disarmCheckpoint returns the attempt to executing after a checkpoint
// decision, accruing the time spent waiting.
func (st *executionState) disarmCheckpoint() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.checkpointCh = nil
	if st.status != types.StatusCheckpoint {
		return nil
	}
	st.accruePauseLocked()
	return st.transitionLocked(types.StatusExecuting)
}

func (st *executionState) checkpointChan() chan bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.checkpointCh
}

// snapshot captures the resumable view of the attempt.
func (st *executionState) snapshot() *types.ExecutionSnapshot {
	st.mu.Lock()
	defer st.mu.Unlock()

	snap := &types.ExecutionSnapshot{
		ExecutionAttemptID: st.attemptID,
		WorkflowID:         st.workflowID,
		Status:             st.status,
		CurrentPhaseIndex:  st.currentPhaseIndex,
		ContractID:         st.contractID,
		StartedAt:          st.startTime,
		TotalPauseDuration: st.totalPauseDuration,
		TokenTotal:         st.tokenTotal,
		CostTotal:          st.costTotal,
		Workspace:          st.workspace,
		UpdatedAt:          st.now(),
	}
	if !st.pausedAt.IsZero() {
		paused := st.pausedAt
		snap.PausedAt = &paused
	}
	for id := range st.completedTasks {
		snap.CompletedTaskIDs = append(snap.CompletedTaskIDs, id)
	}
	sort.Strings(snap.CompletedTaskIDs)
	snap.Errors = append(snap.Errors, st.errs...)
	if len(st.podIDByRole) > 0 {
		snap.PodIDByRole = make(map[string]string, len(st.podIDByRole))
		for role, id := range st.podIDByRole {
			snap.PodIDByRole[role] = id
		}
	}
	return snap
}

// restore rehydrates counters from a snapshot. The attempt keeps its own
// fresh attempt ID; pod bindings are revalidated when pods are spawned.
func (st *executionState) restore(snap *types.ExecutionSnapshot) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !snap.StartedAt.IsZero() {
		st.startTime = snap.StartedAt
	}
	st.totalPauseDuration = snap.TotalPauseDuration
	st.currentPhaseIndex = snap.CurrentPhaseIndex
	if snap.ContractID != "" {
		st.contractID = snap.ContractID
	}
	for _, id := range snap.CompletedTaskIDs {
		st.completedTasks[id] = true
	}
	st.tokenTotal = snap.TokenTotal
	st.costTotal = snap.CostTotal
	if snap.Workspace != "" {
		st.workspace = snap.Workspace
	}
	for role, id := range snap.PodIDByRole {
		st.podIDByRole[role] = id
	}
	st.errs = append(st.errs, snap.Errors...)
}
