package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
)

// transitions is the authoritative table. The ladder is linear except for
// the single compensating loop AUTOMATING -> PURCHASING; FAILED is reached
// only through Fail.
var transitions = map[string][]string{
	models.StatePending:           {models.StateAcquiringResource},
	models.StateAcquiringResource: {models.StatePurchasing},
	models.StatePurchasing:        {models.StateAutomating},
	models.StateAutomating:        {models.StateAwaitingCode, models.StatePurchasing},
	models.StateAwaitingCode:      {models.StateInjectingCode},
	models.StateInjectingCode:     {models.StateFinalizing},
	models.StateFinalizing:        {models.StateActive},
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StateMachine owns every provision mutation. It is the only component that
// persists lastError and the only one allowed to set FAILED.
type StateMachine struct {
	provisions ProvisionStore
	logs       ActionLogger
	notifier   Notifier
}

// NewStateMachine creates a new provision state machine.
func NewStateMachine(provisions ProvisionStore, logs ActionLogger, notifier Notifier) *StateMachine {
	return &StateMachine{provisions: provisions, logs: logs, notifier: notifier}
}

// Transition moves a provision to the next state, persisting first and
// mutating the in-memory record on success. Terminal states accept nothing.
func (m *StateMachine) Transition(ctx context.Context, p *models.Provision, to string) error {
	if models.IsTerminalState(p.State) {
		return fmt.Errorf("provision %s is terminal (%s), refusing transition to %s", p.ID, p.State, to)
	}
	if !CanTransition(p.State, to) {
		return fmt.Errorf("illegal transition %s -> %s for provision %s", p.State, to, p.ID)
	}

	if err := m.provisions.UpdateState(ctx, p.ID, to, nil); err != nil {
		return fmt.Errorf("persist transition %s -> %s: %w", p.State, to, err)
	}

	from := p.State
	p.State = to
	if to == models.StateActive {
		now := time.Now()
		p.ActivatedAt = &now
	}

	log.Printf("[StateMachine] Provision %s: %s -> %s", p.ID, from, to)
	if err := m.logs.LogAction(ctx, p.ID, "state_change", to, fmt.Sprintf("Transition %s -> %s", from, to)); err != nil {
		log.Printf("[StateMachine] Failed to log transition: %v", err)
	}

	m.emit(p, from, to, "")
	return nil
}

// Fail moves a provision to FAILED from any non-terminal state and persists
// the cause as lastError.
func (m *StateMachine) Fail(ctx context.Context, p *models.Provision, cause error) error {
	if models.IsTerminalState(p.State) {
		return fmt.Errorf("provision %s is terminal (%s), refusing to fail it", p.ID, p.State)
	}
	if cause == nil {
		cause = fmt.Errorf("unknown failure")
	}

	msg := cause.Error()
	if err := m.provisions.UpdateState(ctx, p.ID, models.StateFailed, &msg); err != nil {
		return fmt.Errorf("persist FAILED: %w", err)
	}

	from := p.State
	p.State = models.StateFailed
	p.LastError = &msg

	log.Printf("[StateMachine] Provision %s: %s -> FAILED: %s", p.ID, from, msg)
	if err := m.logs.LogAction(ctx, p.ID, "provision_failed", models.StateFailed, msg); err != nil {
		log.Printf("[StateMachine] Failed to log failure: %v", err)
	}

	m.emit(p, from, models.StateFailed, msg)
	return nil
}

// SetResolvedPhone records the purchased number. It is set exactly once per
// successful PURCHASING exit; only the compensating loop may clear it first.
func (m *StateMachine) SetResolvedPhone(ctx context.Context, p *models.Provision, phone string) error {
	if p.ResolvedPhone != nil {
		return fmt.Errorf("provision %s already has a resolved phone", p.ID)
	}
	if err := m.provisions.SetResolvedPhone(ctx, p.ID, &phone); err != nil {
		return fmt.Errorf("persist resolved phone: %w", err)
	}
	p.ResolvedPhone = &phone
	return nil
}

// ClearResolvedPhone resets the number during the compensating rebuy.
func (m *StateMachine) ClearResolvedPhone(ctx context.Context, p *models.Provision) error {
	if err := m.provisions.SetResolvedPhone(ctx, p.ID, nil); err != nil {
		return fmt.Errorf("clear resolved phone: %w", err)
	}
	p.ResolvedPhone = nil
	return nil
}

// emit broadcasts a state change. Fire-and-forget: notification failure
// never blocks or fails the transition.
func (m *StateMachine) emit(p *models.Provision, from, to, errMsg string) {
	event := models.StateChangeEvent{
		ProvisionID: p.ID,
		FromState:   from,
		ToState:     to,
		Error:       errMsg,
	}
	if p.ResolvedPhone != nil {
		event.Phone = *p.ResolvedPhone
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.notifier.Notify(ctx, "provision.state_changed", event); err != nil {
			log.Printf("[StateMachine] Failed to notify state change for %s: %v", p.ID, err)
		}
	}()
}
