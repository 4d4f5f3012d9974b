package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallbounce/analyzer/internal/wallbounce"
)

type fakeProvider struct {
	desc wallbounce.ProviderDescriptor
}

func (f fakeProvider) Invoke(_ context.Context, _ wallbounce.Query) (wallbounce.ProviderResponse, error) {
	return wallbounce.ProviderResponse{ProviderID: f.desc.ID}, nil
}
func (f fakeProvider) Describe() wallbounce.ProviderDescriptor { return f.desc }
func (f fakeProvider) HealthCheck(_ context.Context) (wallbounce.HealthResult, error) {
	return wallbounce.HealthResult{OK: true}, nil
}

func mustRegister(t *testing.T, r *Registry, id, vendor string, tier int, caps ...wallbounce.Capability) {
	t.Helper()
	err := r.Register(fakeProvider{desc: wallbounce.ProviderDescriptor{
		ID: id, Name: id, Vendor: vendor, Tier: tier, Capabilities: caps,
		InvocationKind: wallbounce.InvocationInProcessSDK,
	}})
	require.NoError(t, err)
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "p1", "acme", 1)

	err := r.Register(fakeProvider{desc: wallbounce.ProviderDescriptor{ID: "p1", Vendor: "acme", Tier: 1}})
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ErrDuplicate, rerr.Code)
}

func TestSelectBasicRequiresTierTwoOrBelow(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "p1", "acme", 1)
	mustRegister(t, r, "p2", "globex", 2)
	mustRegister(t, r, "p3", "initech", 5)

	sel, err := r.Select(wallbounce.TaskBasic, 2, nil)
	require.NoError(t, err)
	assert.Len(t, sel.Providers, 2)
	assert.False(t, sel.RotationRelaxed)
}

func TestSelectCriticalPutsAggregatorLast(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "p1", "acme", 1)
	mustRegister(t, r, "p2", "globex", 2)
	mustRegister(t, r, "agg", "initech", 4, wallbounce.CapabilityAggregation)

	sel, err := r.Select(wallbounce.TaskCritical, 3, nil)
	require.NoError(t, err)
	require.Len(t, sel.Providers, 3)
	assert.Equal(t, "agg", sel.Providers[len(sel.Providers)-1].Describe().ID)
}

func TestSelectRotationRelaxesWhenInsufficient(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "p1", "acme", 1)
	mustRegister(t, r, "p2", "acme", 2)

	sel, err := r.Select(wallbounce.TaskBasic, 2, []string{"acme"})
	require.NoError(t, err)
	assert.True(t, sel.RotationRelaxed)
	assert.Len(t, sel.Providers, 2)
}

func TestSelectFailsWhenNotEnoughEligible(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "p1", "acme", 1)

	_, err := r.Select(wallbounce.TaskBasic, 2, nil)
	require.Error(t, err)
}
