package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
)

func newTestMachine() (*StateMachine, *fakeProvisionStore, *fakeLogger) {
	store := newFakeProvisionStore()
	logs := &fakeLogger{}
	return NewStateMachine(store, logs, &fakeNotifier{}), store, logs
}

func seedProvision(t *testing.T, store *fakeProvisionStore, state string) *models.Provision {
	t.Helper()
	p := &models.Provision{ID: "prov-1", UserID: "user-1", State: state}
	require.NoError(t, store.Create(context.Background(), p))
	return p
}

func TestTransitionWalksTheLadder(t *testing.T) {
	machine, store, _ := newTestMachine()
	p := seedProvision(t, store, models.StatePending)

	ladder := []string{
		models.StateAcquiringResource,
		models.StatePurchasing,
		models.StateAutomating,
		models.StateAwaitingCode,
		models.StateInjectingCode,
		models.StateFinalizing,
		models.StateActive,
	}

	for _, next := range ladder {
		require.NoError(t, machine.Transition(context.Background(), p, next))
		assert.Equal(t, next, p.State)
		assert.Equal(t, next, store.state(p.ID))
	}

	assert.NotNil(t, p.ActivatedAt)
}

func TestTransitionRejectsIllegalJump(t *testing.T) {
	machine, store, _ := newTestMachine()
	p := seedProvision(t, store, models.StatePending)

	err := machine.Transition(context.Background(), p, models.StateAutomating)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal transition")
	assert.Equal(t, models.StatePending, store.state(p.ID))
}

func TestTransitionRejectsTerminalState(t *testing.T) {
	machine, store, _ := newTestMachine()
	p := seedProvision(t, store, models.StateActive)

	err := machine.Transition(context.Background(), p, models.StatePurchasing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal")
}

func TestCompensatingLoopIsAllowed(t *testing.T) {
	machine, store, _ := newTestMachine()
	p := seedProvision(t, store, models.StateAutomating)

	require.NoError(t, machine.Transition(context.Background(), p, models.StatePurchasing))
	assert.Equal(t, models.StatePurchasing, store.state(p.ID))

	// And back forward again.
	require.NoError(t, machine.Transition(context.Background(), p, models.StateAutomating))
}

func TestFailPersistsLastError(t *testing.T) {
	machine, store, _ := newTestMachine()
	p := seedProvision(t, store, models.StateAwaitingCode)

	require.NoError(t, machine.Fail(context.Background(), p, errors.New("no code delivered")))

	assert.Equal(t, models.StateFailed, p.State)
	stored := store.stored(p.ID)
	assert.Equal(t, models.StateFailed, stored.State)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "no code delivered", *stored.LastError)
}

func TestFailRejectsTerminalState(t *testing.T) {
	machine, store, _ := newTestMachine()
	p := seedProvision(t, store, models.StateFailed)

	err := machine.Fail(context.Background(), p, errors.New("again"))
	require.Error(t, err)
}

func TestSetResolvedPhoneOnlyOnce(t *testing.T) {
	machine, store, _ := newTestMachine()
	p := seedProvision(t, store, models.StatePurchasing)

	require.NoError(t, machine.SetResolvedPhone(context.Background(), p, "+79991234567"))
	require.NotNil(t, p.ResolvedPhone)
	assert.Equal(t, "+79991234567", *p.ResolvedPhone)

	err := machine.SetResolvedPhone(context.Background(), p, "+79997654321")
	require.Error(t, err)

	// The compensating path clears first, then sets again.
	require.NoError(t, machine.ClearResolvedPhone(context.Background(), p))
	require.NoError(t, machine.SetResolvedPhone(context.Background(), p, "+79997654321"))
	assert.Equal(t, "+79997654321", *store.stored(p.ID).ResolvedPhone)
}

func TestCanTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(models.StatePending, models.StateAcquiringResource))
	assert.True(t, CanTransition(models.StateAutomating, models.StateAwaitingCode))
	assert.True(t, CanTransition(models.StateAutomating, models.StatePurchasing))
	assert.False(t, CanTransition(models.StatePending, models.StateActive))
	assert.False(t, CanTransition(models.StateActive, models.StatePurchasing))
	assert.False(t, CanTransition(models.StateFailed, models.StatePending))
}
