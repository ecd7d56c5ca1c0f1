package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
)

func TestLedgerFindReusable(t *testing.T) {
	store := newFakeReservationStore()
	ledger := NewNumberLedger(store, 20*time.Minute)

	// Nothing recorded yet.
	res, err := ledger.FindReusable(context.Background(), "prov-1")
	require.NoError(t, err)
	assert.Nil(t, res)

	provID := "prov-1"
	require.NoError(t, ledger.Record(context.Background(), &models.NumberReservation{
		ID: "res-1", Provider: "smsmarket", ExternalID: "ord-1",
		PhoneNumber: "+79990000001", ProvisionID: &provID,
	}))

	res, err = ledger.FindReusable(context.Background(), "prov-1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "res-1", res.ID)

	// Retired reservations are never reused.
	require.NoError(t, ledger.Retire(context.Background(), res))
	res, err = ledger.FindReusable(context.Background(), "prov-1")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestLedgerReclaimOrphans(t *testing.T) {
	store := newFakeReservationStore()
	ledger := NewNumberLedger(store, 10*time.Minute)

	provID := "prov-1"
	old := &models.NumberReservation{
		ID: "res-old", Provider: "smsmarket", ExternalID: "ord-1",
		PhoneNumber: "+79990000001", ProvisionID: &provID,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	fresh := &models.NumberReservation{
		ID: "res-fresh", Provider: "smsmarket", ExternalID: "ord-2",
		PhoneNumber: "+79990000002", ProvisionID: &provID,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Upsert(context.Background(), old))
	require.NoError(t, store.Upsert(context.Background(), fresh))

	reclaimed, err := ledger.ReclaimOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
	assert.True(t, store.isUsed("res-old"))
	assert.False(t, store.isUsed("res-fresh"))
}
