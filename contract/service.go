// Package contract implements the contract service: per-workflow budget and
// scope tracking with violation reporting.
//
// The service observes and records; it never halts execution itself. The
// engine reads contract state and reacts to broadcast violations between
// phases and tasks. Usage counters are monotonic and each stop condition
// fires at most once.
package contract

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/foreman/bus"
	"github.com/AltairaLabs/foreman/logger"
)

// busParticipant identifies the service on the message bus.
const busParticipant = "contract-service"

// Broadcaster publishes contract violations to interested subscribers.
// *bus.Bus satisfies it.
type Broadcaster interface {
	Broadcast(from string, msgType bus.MessageType, payload map[string]any, priority bus.Priority) *bus.Message
}

// Config defines budget thresholds and monitoring cadence for the service.
// Zero values mean "not set, use default".
type Config struct {
	// WarningFraction of the time budget at which the warning fires.
	// Default: 0.80.
	WarningFraction float64

	// HardStopFraction of the time budget at which the contract breaches.
	// Default: 0.95.
	HardStopFraction float64

	// TimeCheckInterval is the cadence of the periodic time check on active
	// contracts. Default: 10 seconds.
	TimeCheckInterval time.Duration

	// ErrorThreshold is the error count that triggers the default
	// error-threshold stop condition. Default: 10.
	ErrorThreshold int
}

// DefaultConfig returns a Config with default thresholds.
func DefaultConfig() *Config {
	return &Config{
		WarningFraction:   0.80,
		HardStopFraction:  0.95,
		TimeCheckInterval: 10 * time.Second,
		ErrorThreshold:    10,
	}
}

// Service tracks contracts for running workflows.
type Service struct {
	mu          sync.RWMutex
	cfg         *Config
	now         func() time.Time
	broadcaster Broadcaster

	contracts  map[string]*Contract
	byWorkflow map[string]string        // workflow ID -> contract ID
	timers     map[string]chan struct{} // contract ID -> monitor stop channel
}

// Option configures a Service.
type Option func(*Service)

// WithTimeFunc sets the clock used for elapsed-time computation.
// Primarily for tests.
func WithTimeFunc(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithBroadcaster attaches a message bus for violation broadcasts.
func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) { s.broadcaster = b }
}

// NewService creates a contract service. A nil config uses defaults; zero
// config fields are filled from defaults.
func NewService(cfg *Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		defaults := DefaultConfig()
		if cfg.WarningFraction == 0 {
			cfg.WarningFraction = defaults.WarningFraction
		}
		if cfg.HardStopFraction == 0 {
			cfg.HardStopFraction = defaults.HardStopFraction
		}
		if cfg.TimeCheckInterval == 0 {
			cfg.TimeCheckInterval = defaults.TimeCheckInterval
		}
		if cfg.ErrorThreshold == 0 {
			cfg.ErrorThreshold = defaults.ErrorThreshold
		}
	}

	s := &Service{
		cfg:        cfg,
		now:        time.Now,
		contracts:  make(map[string]*Contract),
		byWorkflow: make(map[string]string),
		timers:     make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create builds a draft contract for a workflow. The scope defaults to
// wildcard allowances when entries are missing; maxCost becomes both the
// scope cost cap and the cost stop-condition threshold. Three stop
// conditions are installed by default: time exceeded (stop), cost exceeded
// (stop) and error threshold (pause).
func (s *Service) Create(workflowID, objective string, timeBudgetMinutes float64, scope *Scope, maxCost float64) *Contract {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc := Scope{}
	if scope != nil {
		sc = *scope
	}
	if len(sc.AllowedFiles) == 0 {
		sc.AllowedFiles = []string{Wildcard}
	}
	if len(sc.AllowedTools) == 0 {
		sc.AllowedTools = []string{Wildcard}
	}
	if maxCost > 0 {
		sc.MaxCostUSD = maxCost
	}

	now := s.now()
	c := &Contract{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Objective:  objective,
		TimeBudget: TimeBudget{
			TotalMinutes:     timeBudgetMinutes,
			WarningMinutes:   timeBudgetMinutes * s.cfg.WarningFraction,
			HardStopMinutes:  timeBudgetMinutes * s.cfg.HardStopFraction,
			RemainingMinutes: timeBudgetMinutes,
		},
		Scope: sc,
		StopConditions: []StopCondition{
			{Type: StopTimeExceeded, Threshold: timeBudgetMinutes * s.cfg.HardStopFraction, Action: ActionStop},
			{Type: StopCostExceeded, Threshold: sc.MaxCostUSD, Action: ActionStop},
			{Type: StopErrorThreshold, Threshold: float64(s.cfg.ErrorThreshold), Action: ActionPause},
		},
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.contracts[c.ID] = c
	s.byWorkflow[workflowID] = c.ID

	logger.Info("contract created",
		"contract_id", c.ID,
		"workflow_id", workflowID,
		"budget_minutes", timeBudgetMinutes,
		"max_cost", sc.MaxCostUSD)
	return deepCopyContract(c)
}

// Activate marks the contract active and starts the periodic time check.
// Unknown IDs are a silent no-op.
func (s *Service) Activate(id string) {
	s.mu.Lock()
	c, ok := s.contracts[id]
	if !ok {
		s.mu.Unlock()
		logger.Debug("contract: activate on unknown contract", "contract_id", id)
		return
	}
	c.Status = StatusActive
	c.UpdatedAt = s.now()

	if _, running := s.timers[id]; !running && s.cfg.TimeCheckInterval > 0 {
		stop := make(chan struct{})
		s.timers[id] = stop
		go s.monitor(id, stop)
	}
	s.mu.Unlock()
}

// monitor drives the periodic time-budget check for one contract until its
// stop channel closes.
func (s *Service) monitor(id string, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.TimeCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.CheckTimeBudget(id)
		}
	}
}

// stopTimerLocked closes the monitor for a contract. Callers hold s.mu.
func (s *Service) stopTimerLocked(id string) {
	if stop, ok := s.timers[id]; ok {
		close(stop)
		delete(s.timers, id)
	}
}

// ValidateAction checks a prospective action against the contract. Rules are
// independent and cumulative; Allowed is false only when a critical
// violation was found. A missing contract degrades to allowed so workflows
// without contracts keep working.
func (s *Service) ValidateAction(id string, action Action) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[id]
	if !ok {
		return Decision{Allowed: true}
	}

	d := Decision{Allowed: true}

	if action.ToolName != "" {
		if !listAllows(c.Scope.AllowedTools, action.ToolName) {
			s.addViolationLocked(c, &d, ViolationTool, SeverityCritical,
				fmt.Sprintf("tool %q is not in the allowed list", action.ToolName),
				map[string]any{"tool": action.ToolName})
		} else if listMatches(c.Scope.ForbiddenTools, action.ToolName) {
			s.addViolationLocked(c, &d, ViolationTool, SeverityCritical,
				fmt.Sprintf("tool %q is forbidden", action.ToolName),
				map[string]any{"tool": action.ToolName})
		}
	}

	if action.FilePath != "" {
		if !pathAllowed(c.Scope.AllowedFiles, action.FilePath) {
			s.addViolationLocked(c, &d, ViolationFile, SeverityCritical,
				fmt.Sprintf("path %q is outside the allowed scope", action.FilePath),
				map[string]any{"path": action.FilePath})
		} else if pathMatches(c.Scope.ForbiddenFiles, action.FilePath) {
			s.addViolationLocked(c, &d, ViolationFile, SeverityCritical,
				fmt.Sprintf("path %q is forbidden", action.FilePath),
				map[string]any{"path": action.FilePath})
		}
	}

	if c.Scope.MaxCostUSD > 0 {
		projected := c.Scope.CurrentCostUSD + action.EstimatedCostUSD
		switch {
		case projected > c.Scope.MaxCostUSD:
			s.addViolationLocked(c, &d, ViolationCost, SeverityCritical,
				fmt.Sprintf("projected cost $%.4f exceeds budget $%.4f", projected, c.Scope.MaxCostUSD),
				map[string]any{"projected": projected, "max": c.Scope.MaxCostUSD})
		case projected >= c.Scope.MaxCostUSD*s.cfg.WarningFraction:
			d.Warnings = append(d.Warnings,
				fmt.Sprintf("projected cost $%.4f is at %.0f%% of budget $%.4f",
					projected, projected/c.Scope.MaxCostUSD*100, c.Scope.MaxCostUSD))
		}
	}

	if c.Scope.MaxTokens > 0 {
		projected := c.Scope.CurrentTokens + action.EstimatedTokens
		if projected > c.Scope.MaxTokens {
			s.addViolationLocked(c, &d, ViolationTokens, SeverityError,
				fmt.Sprintf("projected tokens %d exceed budget %d", projected, c.Scope.MaxTokens),
				map[string]any{"projected": projected, "max": c.Scope.MaxTokens})
		}
	}

	elapsed := s.now().Sub(c.CreatedAt).Minutes()
	remaining := c.TimeBudget.TotalMinutes - elapsed
	if c.Status == StatusBreached || remaining <= 0 {
		s.addViolationLocked(c, &d, ViolationTime, SeverityCritical,
			fmt.Sprintf("time budget exhausted (%.1f of %.1f minutes used)", elapsed, c.TimeBudget.TotalMinutes),
			map[string]any{"elapsed_minutes": elapsed, "total_minutes": c.TimeBudget.TotalMinutes})
	}

	for _, v := range d.Violations {
		if v.Severity == SeverityCritical {
			d.Allowed = false
			break
		}
	}
	return d
}

// RecordUsage adds consumed cost and tokens to the contract's counters and
// re-evaluates stop conditions. Counters are monotonic; negative deltas are
// ignored. Unknown IDs are a silent no-op.
func (s *Service) RecordUsage(id string, costUSD float64, tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[id]
	if !ok {
		logger.Debug("contract: usage on unknown contract", "contract_id", id)
		return
	}

	if costUSD < 0 || tokens < 0 {
		logger.Warn("contract: negative usage delta ignored",
			"contract_id", id, "cost", costUSD, "tokens", tokens)
	}
	if costUSD > 0 {
		c.Scope.CurrentCostUSD += costUSD
	}
	if tokens > 0 {
		c.Scope.CurrentTokens += tokens
	}
	c.UpdatedAt = s.now()

	s.evaluateStopConditionsLocked(c)
}

// RecordError counts one execution error against the contract and
// re-evaluates stop conditions. Unknown IDs are a silent no-op.
func (s *Service) RecordError(id, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[id]
	if !ok {
		return
	}

	c.ErrorCount++
	c.UpdatedAt = s.now()
	logger.Debug("contract: error recorded",
		"contract_id", id, "count", c.ErrorCount, "error", description)

	s.evaluateStopConditionsLocked(c)
}

// evaluateStopConditionsLocked refreshes stop-condition counters and fires
// any untriggered condition whose threshold is crossed. Callers hold s.mu.
func (s *Service) evaluateStopConditionsLocked(c *Contract) {
	for i := range c.StopConditions {
		sc := &c.StopConditions[i]
		switch sc.Type {
		case StopCostExceeded:
			sc.CurrentValue = c.Scope.CurrentCostUSD
		case StopErrorThreshold:
			sc.CurrentValue = float64(c.ErrorCount)
		case StopTimeExceeded:
			sc.CurrentValue = c.TimeBudget.ElapsedMinutes
		}

		if sc.Triggered || sc.Threshold <= 0 {
			continue
		}
		if sc.CurrentValue >= sc.Threshold {
			s.triggerStopConditionLocked(c, sc)
		}
	}
}

// triggerStopConditionLocked latches a stop condition and records the
// resulting violation. Callers hold s.mu.
func (s *Service) triggerStopConditionLocked(c *Contract, sc *StopCondition) {
	sc.Triggered = true

	severity := SeverityWarning
	if sc.Action == ActionStop {
		severity = SeverityCritical
	}
	s.addViolationLocked(c, nil, ViolationStopCondition, severity,
		fmt.Sprintf("stop condition %s triggered (%.2f >= %.2f)", sc.Type, sc.CurrentValue, sc.Threshold),
		map[string]any{"condition": sc.Type, "action": sc.Action})
}

// CheckTimeBudget recomputes elapsed time from the clock, issues the warning
// once past the warning mark, and breaches the contract at the hard stop,
// cancelling its own monitor. Returns the refreshed budget view and whether
// the contract is breached. Unknown IDs return zero values.
func (s *Service) CheckTimeBudget(id string) (TimeBudget, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[id]
	if !ok {
		return TimeBudget{}, false
	}

	elapsed := s.now().Sub(c.CreatedAt).Minutes()
	c.TimeBudget.ElapsedMinutes = elapsed
	c.TimeBudget.RemainingMinutes = c.TimeBudget.TotalMinutes - elapsed
	c.UpdatedAt = s.now()

	if elapsed >= c.TimeBudget.HardStopMinutes {
		if c.Status != StatusBreached {
			c.Status = StatusBreached
			s.addViolationLocked(c, nil, ViolationTime, SeverityCritical,
				fmt.Sprintf("hard stop reached: %.1f of %.1f budgeted minutes elapsed",
					elapsed, c.TimeBudget.TotalMinutes),
				map[string]any{"elapsed_minutes": elapsed, "hard_stop_minutes": c.TimeBudget.HardStopMinutes})
		}
		s.evaluateStopConditionsLocked(c)
		s.stopTimerLocked(id)
		return c.TimeBudget, true
	}

	if elapsed >= c.TimeBudget.WarningMinutes && !c.warningIssued {
		c.warningIssued = true
		logger.BudgetWarning(c.WorkflowID, "time", elapsed, c.TimeBudget.TotalMinutes)
		s.addViolationLocked(c, nil, ViolationTime, SeverityWarning,
			fmt.Sprintf("time budget warning: %.1f of %.1f budgeted minutes elapsed",
				elapsed, c.TimeBudget.TotalMinutes),
			map[string]any{"elapsed_minutes": elapsed, "warning_minutes": c.TimeBudget.WarningMinutes})
	}

	return c.TimeBudget, c.Status == StatusBreached
}

// Fulfill marks the contract fulfilled and stops its monitor. Idempotent;
// callable from success, cancellation and failure paths alike. Unknown IDs
// are a silent no-op.
func (s *Service) Fulfill(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[id]
	if !ok {
		logger.Debug("contract: fulfill on unknown contract", "contract_id", id)
		return
	}
	s.stopTimerLocked(id)

	if c.Status == StatusFulfilled {
		return
	}
	c.Status = StatusFulfilled
	c.UpdatedAt = s.now()
	logger.Info("contract fulfilled", "contract_id", id, "workflow_id", c.WorkflowID)
}

// Get returns a deep copy of a contract.
func (s *Service) Get(id string) (*Contract, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[id]
	if !ok {
		return nil, false
	}
	return deepCopyContract(c), true
}

// ByWorkflow returns a deep copy of the contract governing a workflow.
func (s *Service) ByWorkflow(workflowID string) (*Contract, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byWorkflow[workflowID]
	if !ok {
		return nil, false
	}
	c, ok := s.contracts[id]
	if !ok {
		return nil, false
	}
	return deepCopyContract(c), true
}

// addViolationLocked records a violation on the contract, optionally adds it
// to a decision, logs it and broadcasts it. Callers hold s.mu.
func (s *Service) addViolationLocked(c *Contract, d *Decision, vType string, severity Severity, description string, vctx map[string]any) {
	v := &Violation{
		ID:          uuid.NewString(),
		Type:        vType,
		Severity:    severity,
		Description: description,
		Timestamp:   s.now(),
		Context:     vctx,
	}
	c.Violations = append(c.Violations, v)
	if d != nil {
		d.Violations = append(d.Violations, v)
	}

	logger.ContractViolation(c.ID, vType, string(severity), description)

	if s.broadcaster != nil {
		priority := bus.PriorityHigh
		if severity == SeverityCritical {
			priority = bus.PriorityUrgent
		}
		s.broadcaster.Broadcast(busParticipant, bus.TypeContractViolation, map[string]any{
			"contract_id": c.ID,
			"workflow_id": c.WorkflowID,
			"type":        vType,
			"severity":    string(severity),
			"description": description,
		}, priority)
	}
}

// listAllows reports whether a name is allowed by an exact-match allow list.
// An empty list or wildcard entry allows everything.
func listAllows(list []string, name string) bool {
	if len(list) == 0 {
		return true
	}
	for _, entry := range list {
		if entry == Wildcard || entry == name {
			return true
		}
	}
	return false
}

// listMatches reports whether a name appears in an exact-match deny list.
// A wildcard entry matches everything.
func listMatches(list []string, name string) bool {
	for _, entry := range list {
		if entry == Wildcard || entry == name {
			return true
		}
	}
	return false
}

// pathAllowed reports whether a path falls under one of the allowed
// prefixes. An empty list or wildcard entry allows everything.
func pathAllowed(prefixes []string, path string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, prefix := range prefixes {
		if prefix == Wildcard || strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// pathMatches reports whether a path falls under one of the forbidden
// prefixes. A wildcard entry matches everything.
func pathMatches(prefixes []string, path string) bool {
	for _, prefix := range prefixes {
		if prefix == Wildcard || strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// deepCopyContract creates a deep copy of a contract.
func deepCopyContract(c *Contract) *Contract {
	if c == nil {
		return nil
	}

	// Use JSON marshaling for deep copy (simple and reliable)
	data, err := json.Marshal(c)
	if err != nil {
		return nil
	}

	var out Contract
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}
