// Package mode defines the run modes an upgrade session can execute under
// and the registry that resolves mode ids to immutable descriptors.
package mode

// Role identifies a variant role within a mode.
type Role string

const (
	// RolePrimary is the lead variant present in every mode.
	RolePrimary Role = "primary"
	// RoleRefiner is the second variant in dual modes. Sequential modes run
	// it after primary against the same workspace; tournament mode runs it
	// concurrently against its own clone.
	RoleRefiner Role = "refiner"
)

// ID identifies a run mode.
type ID string

const (
	// SingleContinuous runs one primary variant per round.
	SingleContinuous ID = "single-continuous"
	// DualContinuous runs primary then refiner sequentially against the
	// same workspace, so the refiner observes primary's applied changes.
	DualContinuous ID = "dual-continuous"
	// DualTournament runs primary and refiner concurrently against
	// byte-identical isolated workspaces and lets the evaluator arbitrate.
	DualTournament ID = "dual-tournament"
)

// Default is the fallback mode whenever no explicit request, stored
// preference, or episodic recommendation applies.
const Default = SingleContinuous

// Mode is an immutable descriptor of a run topology. Instances are built
// once by the registry and never mutated afterwards.
type Mode struct {
	// ID is the mode identifier.
	ID ID

	// Variants lists the roles in execution order. For sequential modes the
	// order is the strict run order; for parallel modes it is the launch
	// order only.
	Variants []Role

	// Guidance holds the per-role instruction passed to the executor.
	Guidance map[Role]string

	// Parallel reports whether variants run concurrently in isolated
	// workspaces (true) or sequentially sharing one workspace (false).
	Parallel bool

	// RefinerBias is a small additive nudge applied to the refiner's
	// quality score during evaluation. Zero for single-variant modes.
	RefinerBias float64
}

// GuidanceFor returns the instruction for a role, or empty if the role is
// not part of this mode.
func (m Mode) GuidanceFor(role Role) string {
	return m.Guidance[role]
}

// HasRole reports whether role is one of the mode's variants.
func (m Mode) HasRole(role Role) bool {
	for _, r := range m.Variants {
		if r == role {
			return true
		}
	}
	return false
}
