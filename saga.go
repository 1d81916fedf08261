package eventflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// SagaStatus is the lifecycle state of a saga instance.
//
// Transitions: Running -> {Completed | Compensating},
// Compensating -> {Compensated | Failed}. Completed, Compensated and Failed
// are terminal.
type SagaStatus string

const (
	SagaRunning      SagaStatus = "Running"
	SagaCompleted    SagaStatus = "Completed"
	SagaCompensating SagaStatus = "Compensating"
	SagaCompensated  SagaStatus = "Compensated"
	// SagaFailed means a compensating command itself failed. The orchestrator
	// stops issuing further compensations; the condition requires operator
	// intervention.
	SagaFailed SagaStatus = "Failed"
)

// Terminal reports whether no further transitions are possible.
func (s SagaStatus) Terminal() bool {
	return s == SagaCompleted || s == SagaCompensated || s == SagaFailed
}

// StepRecord is one committed step in a saga's history, in commit order.
// The completing event is kept so later steps and compensations can read it.
type StepRecord struct {
	Step        string
	Event       Event
	CommittedAt time.Time
}

// SagaInstance is the persisted state of one saga execution, keyed by
// correlation id. It is mutated only by the orchestrator.
type SagaInstance struct {
	SagaID        uuid.UUID
	CorrelationID string
	Status        SagaStatus
	// Trigger is the event that started the saga, stored so the saga can be
	// resumed from persisted state after a crash.
	Trigger Event
	// History holds the committed steps in commit order; compensation walks
	// it in reverse.
	History []StepRecord
	// Compensated names the steps whose compensating command has already
	// been issued, so recovery knows which compensations are still owed.
	Compensated []string
	UpdatedAt   time.Time
}

func (s *SagaInstance) committed(step string) *StepRecord {
	for i := range s.History {
		if s.History[i].Step == step {
			return &s.History[i]
		}
	}
	return nil
}

func (s *SagaInstance) compensatedStep(step string) bool {
	for _, name := range s.Compensated {
		if name == step {
			return true
		}
	}
	return false
}

// SagaStep is one step of a saga definition. Command builds the step's
// command from the instance state; Compensate builds the undo command and may
// be nil when the step needs no compensation. CompletedBy and FailedBy name
// the event types signalling the step's outcome.
type SagaStep struct {
	Name        string
	Command     func(ctx context.Context, inst *SagaInstance) Command
	Compensate  func(ctx context.Context, inst *SagaInstance) Command
	CompletedBy string
	FailedBy    string
}

// SagaDefinition describes a multi-step business process. TriggeredBy names
// the event type that starts a new instance; Correlate extracts the
// correlation id from any of the saga's events and defaults to the event's
// aggregate id.
type SagaDefinition struct {
	Name        string
	TriggeredBy string
	Correlate   func(ev Event) string
	Steps       []SagaStep
}

// SagaStore persists saga instances between transitions.
type SagaStore interface {
	// Save persists the instance state, replacing any prior state for the
	// same correlation id.
	Save(ctx context.Context, inst *SagaInstance) error

	// Load returns the instance for a correlation id, or nil when none
	// exists.
	Load(ctx context.Context, correlationID string) (*SagaInstance, error)

	// LoadActive returns all instances in a non-terminal status.
	LoadActive(ctx context.Context) ([]*SagaInstance, error)
}

// Orchestrator drives saga instances: it reacts to the definition's events,
// issues step commands through the command dispatcher, and compensates
// committed steps in reverse order on failure. Instance state is persisted
// after every transition before the next command is issued, so a crash
// mid-saga can resume from the recorded history.
//
// The orchestrator is an EventHandler; subscribe it to an event bus with its
// EventTypes.
type Orchestrator struct {
	def      SagaDefinition
	store    SagaStore
	commands CommandDispatcher
}

// NewOrchestrator validates the definition and creates an orchestrator.
func NewOrchestrator(def SagaDefinition, store SagaStore, commands CommandDispatcher) (*Orchestrator, error) {
	if def.TriggeredBy == "" {
		return nil, fmt.Errorf("saga %q: TriggeredBy is required", def.Name)
	}
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("saga %q: at least one step is required", def.Name)
	}
	seen := make(map[string]struct{}, len(def.Steps))
	for _, step := range def.Steps {
		if step.Name == "" || step.Command == nil || step.CompletedBy == "" {
			return nil, fmt.Errorf("saga %q: step needs a name, a command and a CompletedBy event", def.Name)
		}
		if _, dup := seen[step.Name]; dup {
			return nil, fmt.Errorf("saga %q: step %q: %w", def.Name, step.Name, ErrDuplicateHandler)
		}
		seen[step.Name] = struct{}{}
	}
	if def.Correlate == nil {
		def.Correlate = func(ev Event) string { return ev.AggregateID() }
	}
	if store == nil || commands == nil {
		return nil, errors.New("saga store and command dispatcher are required")
	}
	return &Orchestrator{def: def, store: store, commands: commands}, nil
}

// EventTypes returns the sorted set of event types the orchestrator reacts
// to, for bus subscription.
func (o *Orchestrator) EventTypes() []string {
	set := map[string]struct{}{o.def.TriggeredBy: {}}
	for _, step := range o.def.Steps {
		set[step.CompletedBy] = struct{}{}
		if step.FailedBy != "" {
			set[step.FailedBy] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Handle implements EventHandler.
func (o *Orchestrator) Handle(ctx context.Context, ev Event) error {
	if ev.EventType() == o.def.TriggeredBy {
		return o.start(ctx, ev)
	}

	inst, err := o.store.Load(ctx, o.def.Correlate(ev))
	if err != nil {
		return fmt.Errorf("saga %q: load instance: %w", o.def.Name, err)
	}
	if inst == nil || inst.Status != SagaRunning {
		// No instance for this correlation, or the instance no longer
		// accepts step outcomes.
		return nil
	}
	if len(inst.History) >= len(o.def.Steps) {
		return nil
	}

	current := o.def.Steps[len(inst.History)]
	switch ev.EventType() {
	case current.FailedBy:
		return o.compensate(ctx, inst)
	case current.CompletedBy:
		return o.advance(ctx, inst, current, ev)
	default:
		return nil
	}
}

func (o *Orchestrator) start(ctx context.Context, trigger Event) error {
	correlationID := o.def.Correlate(trigger)

	existing, err := o.store.Load(ctx, correlationID)
	if err != nil {
		return fmt.Errorf("saga %q: load instance: %w", o.def.Name, err)
	}
	if existing != nil {
		// Redelivered trigger; the saga is already underway.
		return nil
	}

	inst := &SagaInstance{
		SagaID:        uuid.New(),
		CorrelationID: correlationID,
		Status:        SagaRunning,
		Trigger:       trigger,
		UpdatedAt:     time.Now(),
	}
	if err := o.persist(ctx, inst); err != nil {
		return err
	}

	return o.dispatchStep(ctx, inst, o.def.Steps[0])
}

func (o *Orchestrator) advance(ctx context.Context, inst *SagaInstance, step SagaStep, ev Event) error {
	inst.History = append(inst.History, StepRecord{
		Step:        step.Name,
		Event:       ev,
		CommittedAt: time.Now(),
	})

	if len(inst.History) == len(o.def.Steps) {
		inst.Status = SagaCompleted
		return o.persist(ctx, inst)
	}

	if err := o.persist(ctx, inst); err != nil {
		return err
	}
	return o.dispatchStep(ctx, inst, o.def.Steps[len(inst.History)])
}

// dispatchStep issues a step command. A synchronous dispatch failure is
// treated like a step-failure event: committed steps are compensated.
func (o *Orchestrator) dispatchStep(ctx context.Context, inst *SagaInstance, step SagaStep) error {
	cmd := step.Command(ctx, inst)
	if _, err := o.commands.Dispatch(ctx, cmd); err != nil {
		stepErr := fmt.Errorf("saga %q: step %q: %w", o.def.Name, step.Name, err)
		if cerr := o.compensate(ctx, inst); cerr != nil {
			return errors.Join(stepErr, cerr)
		}
		return stepErr
	}
	return nil
}

// compensate undoes the committed steps in strict reverse order of
// commitment. Later steps may depend on state established by earlier ones,
// so undoing must mirror doing in reverse. A failed compensating command
// moves the instance to Failed and stops further compensation.
func (o *Orchestrator) compensate(ctx context.Context, inst *SagaInstance) error {
	if inst.Status != SagaCompensating {
		inst.Status = SagaCompensating
		if err := o.persist(ctx, inst); err != nil {
			return err
		}
	}

	for i := len(inst.History) - 1; i >= 0; i-- {
		name := inst.History[i].Step
		if inst.compensatedStep(name) {
			continue
		}

		step, ok := o.stepByName(name)
		if !ok || step.Compensate == nil {
			inst.Compensated = append(inst.Compensated, name)
			if err := o.persist(ctx, inst); err != nil {
				return err
			}
			continue
		}

		cmd := step.Compensate(ctx, inst)
		if _, err := o.commands.Dispatch(ctx, cmd); err != nil {
			inst.Status = SagaFailed
			if perr := o.persist(ctx, inst); perr != nil {
				return errors.Join(err, perr)
			}
			return fmt.Errorf("saga %q: compensation of step %q failed, manual intervention required: %w", o.def.Name, name, err)
		}

		inst.Compensated = append(inst.Compensated, name)
		if err := o.persist(ctx, inst); err != nil {
			return err
		}
	}

	inst.Status = SagaCompensated
	return o.persist(ctx, inst)
}

// Resume reloads all non-terminal instances after a restart and re-drives
// them from their recorded history: Running instances get their current step
// command re-issued (at-least-once), Compensating instances get the owed
// compensations.
func (o *Orchestrator) Resume(ctx context.Context) error {
	active, err := o.store.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("saga %q: load active instances: %w", o.def.Name, err)
	}

	var errs []error
	for _, inst := range active {
		switch inst.Status {
		case SagaRunning:
			if len(inst.History) >= len(o.def.Steps) {
				continue
			}
			if err := o.dispatchStep(ctx, inst, o.def.Steps[len(inst.History)]); err != nil {
				errs = append(errs, err)
			}
		case SagaCompensating:
			if err := o.compensate(ctx, inst); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) stepByName(name string) (SagaStep, bool) {
	for _, step := range o.def.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return SagaStep{}, false
}

func (o *Orchestrator) persist(ctx context.Context, inst *SagaInstance) error {
	inst.UpdatedAt = time.Now()
	if err := o.store.Save(ctx, inst); err != nil {
		return fmt.Errorf("saga %q: persist instance %s: %w", o.def.Name, inst.SagaID, err)
	}
	return nil
}
