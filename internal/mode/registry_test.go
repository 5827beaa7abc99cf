package mode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ResolveBuiltins(t *testing.T) {
	r := NewRegistry(nil)

	tests := []struct {
		id       ID
		variants []Role
		parallel bool
		bias     float64
	}{
		{SingleContinuous, []Role{RolePrimary}, false, 0},
		{DualContinuous, []Role{RolePrimary, RoleRefiner}, false, 0.05},
		{DualTournament, []Role{RolePrimary, RoleRefiner}, true, 0.05},
	}

	for _, tt := range tests {
		t.Run(string(tt.id), func(t *testing.T) {
			m, err := r.Resolve(tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.id, m.ID)
			assert.Equal(t, tt.variants, m.Variants)
			assert.Equal(t, tt.parallel, m.Parallel)
			assert.Equal(t, tt.bias, m.RefinerBias)
			for _, role := range tt.variants {
				assert.NotEmpty(t, m.GuidanceFor(role), "guidance missing for %s", role)
			}
		})
	}
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Resolve("triple-elimination")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownMode)
	assert.Contains(t, err.Error(), "triple-elimination")
}

func TestRegistry_ResolveOrDefault(t *testing.T) {
	r := NewRegistry(nil)

	m := r.ResolveOrDefault("nonsense")
	assert.Equal(t, SingleContinuous, m.ID)

	m = r.ResolveOrDefault(DualTournament)
	assert.Equal(t, DualTournament, m.ID)
}

func TestRegistry_CycleNext(t *testing.T) {
	r := NewRegistry(nil)

	assert.Equal(t, DualContinuous, r.CycleNext(SingleContinuous))
	assert.Equal(t, DualTournament, r.CycleNext(DualContinuous))
	assert.Equal(t, SingleContinuous, r.CycleNext(DualTournament))

	// Unknown ids cycle to the default
	assert.Equal(t, SingleContinuous, r.CycleNext("bogus"))
}

func TestRegistry_CustomRefinerBias(t *testing.T) {
	r := NewRegistry(&Config{RefinerBias: 0.1})

	m, err := r.Resolve(DualContinuous)
	require.NoError(t, err)
	assert.Equal(t, 0.1, m.RefinerBias)

	// Single mode never carries a bias
	m, err = r.Resolve(SingleContinuous)
	require.NoError(t, err)
	assert.Zero(t, m.RefinerBias)
}

func TestRegistry_GuidanceOverrides(t *testing.T) {
	r := NewRegistry(&Config{
		RefinerBias: 0.05,
		Guidance: map[string]string{
			"dual-tournament:refiner": "custom refiner instruction",
			"dual-continuous":         "prefer small diffs",
		},
	})

	// Exact mode:role key replaces the built-in text
	m, err := r.Resolve(DualTournament)
	require.NoError(t, err)
	assert.Equal(t, "custom refiner instruction", m.GuidanceFor(RoleRefiner))

	// Bare mode key is appended to every role
	m, err = r.Resolve(DualContinuous)
	require.NoError(t, err)
	assert.Contains(t, m.GuidanceFor(RolePrimary), "Operator guidance: prefer small diffs")
	assert.Contains(t, m.GuidanceFor(RoleRefiner), "Operator guidance: prefer small diffs")

	// Untouched modes keep defaults
	m, err = r.Resolve(SingleContinuous)
	require.NoError(t, err)
	assert.NotContains(t, m.GuidanceFor(RolePrimary), "Operator guidance")
}

func TestMode_HasRole(t *testing.T) {
	r := NewRegistry(nil)

	single, _ := r.Resolve(SingleContinuous)
	assert.True(t, single.HasRole(RolePrimary))
	assert.False(t, single.HasRole(RoleRefiner))

	dual, _ := r.Resolve(DualContinuous)
	assert.True(t, dual.HasRole(RoleRefiner))
}

func TestRegistry_All(t *testing.T) {
	r := NewRegistry(nil)

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, SingleContinuous, all[0].ID)
	assert.Equal(t, DualContinuous, all[1].ID)
	assert.Equal(t, DualTournament, all[2].ID)
}
