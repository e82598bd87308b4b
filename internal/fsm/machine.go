// Package fsm collects the fields of a structured task operation one user
// turn at a time, before anything is allowed to mutate a task.
//
// State lives in one record per conversation. Every write is conditional on
// the version that was read, so two turns racing on the same conversation
// cannot silently overwrite each other: the loser gets ErrConflict. Confirming
// a flow is also a write (back to IDLE), so at most one turn is ever told a
// flow is ready to execute.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"todo-chat-agent/internal/domain"
	"todo-chat-agent/internal/repository"
)

var (
	ErrConversationNotFound = errors.New("fsm: conversation not found")
	ErrAccessDenied         = errors.New("fsm: conversation belongs to another user")
	ErrAlreadyInFlow        = errors.New("fsm: another intent is already in progress")
	ErrNotInFlow            = errors.New("fsm: no intent in progress")
	ErrUnsupportedMode      = errors.New("fsm: mode has no fields to collect")
	ErrConflict             = errors.New("fsm: state changed concurrently")
	ErrInvalidState         = errors.New("fsm: stored state is inconsistent")
)

const maxResetAttempts = 3

// Store is the persistence the machine needs: ownership lookup plus the
// versioned FSM record.
type Store interface {
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	GetFSMState(ctx context.Context, conversationID string) (domain.FSMState, bool, error)
	PutFSMState(ctx context.Context, state domain.FSMState, expectedVersion int64) error
}

// Machine is the conversation FSM.
type Machine struct {
	store Store
	now   func() time.Time
}

// AdvanceResult reports the outcome of one AdvanceStep call.
type AdvanceResult struct {
	// Success is false when the value was rejected; the step did not move.
	Success bool
	// ReadyToExecute is true once every required field is present and confirmed.
	// The flow has already been claimed: State is IDLE and Payload is the
	// only copy of the collected fields.
	ReadyToExecute bool
	// Cancelled is true when the user declined or abandoned the flow; state is IDLE.
	Cancelled bool
	// Message is the next prompt, the validation problem, or the cancellation notice.
	Message string
	// Payload holds the collected fields (without the confirmation).
	Payload map[string]string
	// State is the record after the call.
	State domain.FSMState
}

// New creates a Machine over store.
func New(store Store) (*Machine, error) {
	if store == nil {
		return nil, errors.New("fsm: store must not be nil")
	}
	return &Machine{store: store, now: time.Now}, nil
}

// IsInFlow reports whether the conversation is collecting fields.
func IsInFlow(state domain.FSMState) bool {
	return state.Mode != "" && state.Mode != domain.IntentIdle
}

// GetState returns the conversation's state, creating an IDLE record on first use.
func (m *Machine) GetState(ctx context.Context, conversationID, userID string) (domain.FSMState, error) {
	if err := m.checkOwner(ctx, conversationID, userID); err != nil {
		return domain.FSMState{}, err
	}
	return m.load(ctx, conversationID)
}

// SetIntent starts a flow for mode. The conversation must be IDLE.
func (m *Machine) SetIntent(ctx context.Context, conversationID, userID string, mode domain.IntentMode) (domain.FSMState, error) {
	fields := flows[mode]
	if len(fields) == 0 {
		return domain.FSMState{}, fmt.Errorf("%w: %s", ErrUnsupportedMode, mode)
	}
	state, err := m.GetState(ctx, conversationID, userID)
	if err != nil {
		return domain.FSMState{}, err
	}
	if IsInFlow(state) {
		return domain.FSMState{}, fmt.Errorf("%w: %s", ErrAlreadyInFlow, state.Mode)
	}

	next := state
	next.Mode = mode
	first := fields[0].step
	next.Step = &first
	next.Payload = map[string]string{}
	return m.save(ctx, next, state.Version)
}

// AdvanceStep validates value for fieldName, which must be the current step.
// A rejected value leaves the record untouched.
func (m *Machine) AdvanceStep(ctx context.Context, conversationID, userID string, fieldName domain.IntentStep, value string) (AdvanceResult, error) {
	state, err := m.GetState(ctx, conversationID, userID)
	if err != nil {
		return AdvanceResult{}, err
	}
	if !IsInFlow(state) {
		return AdvanceResult{}, ErrNotInFlow
	}
	if state.Step == nil {
		return AdvanceResult{}, fmt.Errorf("%w: %s has no step", ErrInvalidState, state.Mode)
	}
	reject := func(msg string) AdvanceResult {
		return AdvanceResult{Message: msg, Payload: maps.Clone(state.Payload), State: state}
	}

	if *state.Step != fieldName {
		return reject(Prompt(state)), nil
	}
	if IsCancel(value) {
		return m.cancel(ctx, state)
	}

	fields := flows[state.Mode]
	idx := fieldIndex(state.Mode, fieldName)
	if idx < 0 {
		return AdvanceResult{}, fmt.Errorf("%w: step %s is not part of %s", ErrInvalidState, fieldName, state.Mode)
	}

	if fieldName == domain.StepConfirm {
		switch {
		case isOneOf(affirmWords, value):
			return m.claim(ctx, state)
		case isOneOf(negateWords, value):
			return m.cancel(ctx, state)
		default:
			return reject("Please answer yes or no. " + Prompt(state)), nil
		}
	}

	normalized, skipped, problem := validate(fields[idx], value, m.now())
	if problem != "" {
		return reject(problem), nil
	}

	next := state
	next.Payload = maps.Clone(state.Payload)
	if next.Payload == nil {
		next.Payload = map[string]string{}
	}
	if skipped {
		delete(next.Payload, fields[idx].key)
	} else {
		next.Payload[fields[idx].key] = normalized
	}
	step := fields[idx+1].step
	next.Step = &step

	if step == domain.StepConfirm && state.Mode == domain.IntentUpdateTask && !hasAny(next.Payload, updateKeys) {
		return reject("Nothing would change. Give me a due date, or say \"cancel\" to stop."), nil
	}

	saved, err := m.save(ctx, next, state.Version)
	if err != nil {
		return AdvanceResult{}, err
	}
	return AdvanceResult{
		Success: true,
		Message: Prompt(saved),
		Payload: maps.Clone(saved.Payload),
		State:   saved,
	}, nil
}

// ResetState returns the conversation to IDLE with an empty payload. It does
// not lose to concurrent writers: a version conflict is re-read and retried.
func (m *Machine) ResetState(ctx context.Context, conversationID, userID string) error {
	if err := m.checkOwner(ctx, conversationID, userID); err != nil {
		return err
	}
	for attempt := 0; attempt < maxResetAttempts; attempt++ {
		state, err := m.load(ctx, conversationID)
		if err != nil {
			return err
		}
		if !IsInFlow(state) && len(state.Payload) == 0 {
			return nil
		}
		_, err = m.save(ctx, domain.NewIdleState(conversationID), state.Version)
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return ErrConflict
}

// claim moves a confirmed flow back to IDLE before anything executes. A
// concurrent confirmation of the same record loses with ErrConflict.
func (m *Machine) claim(ctx context.Context, state domain.FSMState) (AdvanceResult, error) {
	saved, err := m.save(ctx, domain.NewIdleState(state.ConversationID), state.Version)
	if err != nil {
		return AdvanceResult{}, err
	}
	return AdvanceResult{
		Success:        true,
		ReadyToExecute: true,
		Payload:        maps.Clone(state.Payload),
		State:          saved,
	}, nil
}

func (m *Machine) cancel(ctx context.Context, state domain.FSMState) (AdvanceResult, error) {
	saved, err := m.save(ctx, domain.NewIdleState(state.ConversationID), state.Version)
	if err != nil {
		return AdvanceResult{}, err
	}
	return AdvanceResult{
		Success:   true,
		Cancelled: true,
		Message:   "Okay, I've cancelled that. Nothing was changed.",
		Payload:   map[string]string{},
		State:     saved,
	}, nil
}

func (m *Machine) checkOwner(ctx context.Context, conversationID, userID string) error {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("fsm: load conversation: %w", err)
	}
	if conv.UserID != userID {
		return ErrAccessDenied
	}
	return nil
}

func (m *Machine) load(ctx context.Context, conversationID string) (domain.FSMState, error) {
	state, ok, err := m.store.GetFSMState(ctx, conversationID)
	if err != nil {
		return domain.FSMState{}, fmt.Errorf("fsm: load state: %w", err)
	}
	if ok {
		if state.Payload == nil {
			state.Payload = map[string]string{}
		}
		return state, nil
	}

	saved, err := m.save(ctx, domain.NewIdleState(conversationID), 0)
	if errors.Is(err, ErrConflict) {
		// Another turn created it first; theirs is as good as ours.
		state, ok, err = m.store.GetFSMState(ctx, conversationID)
		if err != nil {
			return domain.FSMState{}, fmt.Errorf("fsm: load state: %w", err)
		}
		if !ok {
			return domain.FSMState{}, ErrConflict
		}
		return state, nil
	}
	return saved, err
}

func (m *Machine) save(ctx context.Context, state domain.FSMState, expectedVersion int64) (domain.FSMState, error) {
	if err := m.store.PutFSMState(ctx, state, expectedVersion); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return domain.FSMState{}, ErrConflict
		}
		return domain.FSMState{}, fmt.Errorf("fsm: save state: %w", err)
	}
	state.Version = expectedVersion + 1
	return state, nil
}

func hasAny(payload map[string]string, keys []string) bool {
	for _, k := range keys {
		if _, ok := payload[k]; ok {
			return true
		}
	}
	return false
}
