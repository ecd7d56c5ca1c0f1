package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
)

// fakeMarket is a configurable provider for cascade tests.
type fakeMarket struct {
	name       string
	available  bool
	probeErr   error
	buyErr     error
	buyNumber  *Number
	probeCalls int
	buyCalls   int
}

func (m *fakeMarket) Name() string                                  { return m.name }
func (m *fakeMarket) GetBalance(ctx context.Context) (float64, error) { return 0, nil }

func (m *fakeMarket) HasNumbers(ctx context.Context, country, service string) (bool, error) {
	m.probeCalls++
	return m.available, m.probeErr
}

func (m *fakeMarket) Buy(ctx context.Context, country, service string) (*Number, error) {
	m.buyCalls++
	if m.buyErr != nil {
		return nil, m.buyErr
	}
	return m.buyNumber, nil
}

func (m *fakeMarket) PollOnce(ctx context.Context, externalID string) (*Delivery, error) {
	return &Delivery{}, nil
}

type fakeLedger struct {
	existing *models.NumberReservation
	recorded []*models.NumberReservation
}

func (l *fakeLedger) FindReusable(ctx context.Context, provisionID string) (*models.NumberReservation, error) {
	return l.existing, nil
}

func (l *fakeLedger) Record(ctx context.Context, res *models.NumberReservation) error {
	l.recorded = append(l.recorded, res)
	return nil
}

func newTestCascade(t *testing.T, ledger Ledger, markets ...Client) *Cascade {
	t.Helper()
	order := make([]string, 0, len(markets))
	for _, m := range markets {
		order = append(order, m.Name())
	}
	registry, err := NewRegistry(order, markets...)
	require.NoError(t, err)
	return NewCascade(registry, ledger)
}

func TestCascadeFallsThroughRateLimitedProvider(t *testing.T) {
	a := &fakeMarket{name: "a", available: true,
		buyErr: NewError("a", "buy", KindRateLimited, "slow down")}
	b := &fakeMarket{name: "b", available: true,
		buyNumber: &Number{ExternalID: "ord-2", PhoneNumber: "+79990000002"}}
	ledger := &fakeLedger{}

	cascade := newTestCascade(t, ledger, a, b)
	res, err := cascade.Purchase(context.Background(), "prov-1", "wa", []Candidate{
		{Provider: "a", Country: "0"},
		{Provider: "b", Country: "0"},
	})

	require.NoError(t, err)
	assert.Equal(t, "b", res.Provider)
	assert.Equal(t, "+79990000002", res.PhoneNumber)
	assert.Equal(t, 1, a.buyCalls)
	assert.Equal(t, 1, b.buyCalls)
	require.Len(t, ledger.recorded, 1)
	assert.Equal(t, res, ledger.recorded[0])
}

func TestCascadeSkipsRateLimitedProviderWithinRun(t *testing.T) {
	a := &fakeMarket{name: "a", available: true,
		buyErr: NewError("a", "buy", KindRateLimited, "slow down")}
	b := &fakeMarket{name: "b", available: true,
		buyNumber: &Number{ExternalID: "ord-2", PhoneNumber: "+79990000002"}}

	cascade := newTestCascade(t, &fakeLedger{}, a, b)
	res, err := cascade.Purchase(context.Background(), "prov-1", "wa", []Candidate{
		{Provider: "a", Country: "0"},
		{Provider: "a", Country: "7"},
		{Provider: "b", Country: "0"},
	})

	require.NoError(t, err)
	assert.Equal(t, "b", res.Provider)
	// The second "a" candidate was skipped without another buy attempt.
	assert.Equal(t, 1, a.buyCalls)
}

func TestCascadeFatalCandidateDoesNotAbortRun(t *testing.T) {
	a := &fakeMarket{name: "a", available: true,
		buyErr: NewError("a", "buy", KindFatal, "no balance")}
	b := &fakeMarket{name: "b", available: true,
		buyNumber: &Number{ExternalID: "ord-2", PhoneNumber: "+79990000002"}}

	cascade := newTestCascade(t, &fakeLedger{}, a, b)
	res, err := cascade.Purchase(context.Background(), "prov-1", "wa", []Candidate{
		{Provider: "a", Country: "0"},
		{Provider: "b", Country: "0"},
	})

	require.NoError(t, err)
	assert.Equal(t, "b", res.Provider)
}

func TestCascadeSkipsUnavailableWithoutBuying(t *testing.T) {
	a := &fakeMarket{name: "a", available: false}
	b := &fakeMarket{name: "b", available: true,
		buyNumber: &Number{ExternalID: "ord-2", PhoneNumber: "+79990000002"}}

	cascade := newTestCascade(t, &fakeLedger{}, a, b)
	res, err := cascade.Purchase(context.Background(), "prov-1", "wa", []Candidate{
		{Provider: "a", Country: "0"},
		{Provider: "b", Country: "0"},
	})

	require.NoError(t, err)
	assert.Equal(t, "b", res.Provider)
	assert.Equal(t, 1, a.probeCalls)
	assert.Equal(t, 0, a.buyCalls)
}

func TestCascadeExhaustedAggregatesFailures(t *testing.T) {
	a := &fakeMarket{name: "a", available: false}
	b := &fakeMarket{name: "b", available: true,
		buyErr: NewError("b", "buy", KindTransient, "no numbers left")}
	ledger := &fakeLedger{}

	cascade := newTestCascade(t, ledger, a, b)
	_, err := cascade.Purchase(context.Background(), "prov-1", "wa", []Candidate{
		{Provider: "a", Country: "0"},
		{Provider: "b", Country: "0"},
	})

	require.Error(t, err)
	var cascadeErr *CascadeError
	require.ErrorAs(t, err, &cascadeErr)
	assert.Len(t, cascadeErr.Failures, 2)
	assert.Empty(t, ledger.recorded)
}

func TestCascadeReusesExistingReservation(t *testing.T) {
	provID := "prov-1"
	existing := &models.NumberReservation{
		ID: "res-1", Provider: "a", ExternalID: "ord-1",
		PhoneNumber: "+79990000001", ProvisionID: &provID,
	}
	a := &fakeMarket{name: "a", available: true,
		buyNumber: &Number{ExternalID: "ord-9", PhoneNumber: "+79990000009"}}
	ledger := &fakeLedger{existing: existing}

	cascade := newTestCascade(t, ledger, a)
	res, err := cascade.Purchase(context.Background(), provID, "wa", []Candidate{
		{Provider: "a", Country: "0"},
	})

	require.NoError(t, err)
	assert.Equal(t, existing, res)
	assert.Equal(t, 0, a.buyCalls)
	assert.Empty(t, ledger.recorded)
}

func TestCascadeAbortsOnCanceledContext(t *testing.T) {
	a := &fakeMarket{name: "a", available: true,
		buyNumber: &Number{ExternalID: "ord-1", PhoneNumber: "+79990000001"}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cascade := newTestCascade(t, &fakeLedger{}, a)
	_, err := cascade.Purchase(ctx, "prov-1", "wa", []Candidate{{Provider: "a", Country: "0"}})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, a.buyCalls)
}
