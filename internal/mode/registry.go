package mode

import (
	"errors"
	"fmt"
)

// ErrUnknownMode is returned by Resolve for unrecognized mode ids. Callers
// that can proceed should fall back to Default rather than substituting any
// other mode.
var ErrUnknownMode = errors.New("unknown mode")

// cycleOrder is the fixed toggle progression.
var cycleOrder = []ID{SingleContinuous, DualContinuous, DualTournament}

const (
	primaryGuidance = "Apply the single most valuable upgrade to the codebase: " +
		"modernize APIs, fix latent defects, or improve structure. Keep the " +
		"change self-contained and leave the tree building."
	refinerSequentialGuidance = "Review the changes already applied in this " +
		"workspace and refine them: tighten style, remove dead ends, and fix " +
		"anything the previous pass broke. Do not revert its intent."
	refinerTournamentGuidance = "Apply the single most valuable upgrade to the " +
		"codebase, favoring minimal surgical diffs over broad rewrites. Keep " +
		"the change self-contained and leave the tree building."
)

// Config adjusts the built-in mode table.
type Config struct {
	// RefinerBias is the evaluator tie-break weight for dual modes.
	RefinerBias float64

	// Guidance overrides built-in executor instructions. A "<mode>:<role>"
	// key replaces that role's instruction; a bare "<mode>" key is appended
	// to every role's instruction as operator guidance.
	Guidance map[string]string
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() *Config {
	return &Config{RefinerBias: 0.05}
}

// Registry resolves mode ids to their immutable descriptors. The table is
// built once and read-only afterwards, so lookups need no locking.
type Registry struct {
	modes map[ID]Mode
}

// NewRegistry builds the three built-in modes, applying cfg overrides.
func NewRegistry(cfg *Config) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	r := &Registry{modes: make(map[ID]Mode, len(cycleOrder))}

	r.add(cfg, Mode{
		ID:       SingleContinuous,
		Variants: []Role{RolePrimary},
		Guidance: map[Role]string{
			RolePrimary: primaryGuidance,
		},
		Parallel:    false,
		RefinerBias: 0,
	})
	r.add(cfg, Mode{
		ID:       DualContinuous,
		Variants: []Role{RolePrimary, RoleRefiner},
		Guidance: map[Role]string{
			RolePrimary: primaryGuidance,
			RoleRefiner: refinerSequentialGuidance,
		},
		Parallel:    false,
		RefinerBias: cfg.RefinerBias,
	})
	r.add(cfg, Mode{
		ID:       DualTournament,
		Variants: []Role{RolePrimary, RoleRefiner},
		Guidance: map[Role]string{
			RolePrimary: primaryGuidance,
			RoleRefiner: refinerTournamentGuidance,
		},
		Parallel:    true,
		RefinerBias: cfg.RefinerBias,
	})

	return r
}

// add applies guidance overrides and stores the mode.
func (r *Registry) add(cfg *Config, m Mode) {
	for role, text := range m.Guidance {
		if replacement, ok := cfg.Guidance[string(m.ID)+":"+string(role)]; ok {
			text = replacement
		}
		if extra, ok := cfg.Guidance[string(m.ID)]; ok && extra != "" {
			text = text + "\n\nOperator guidance: " + extra
		}
		m.Guidance[role] = text
	}
	r.modes[m.ID] = m
}

// Resolve returns the mode for id, or ErrUnknownMode.
func (r *Registry) Resolve(id ID) (Mode, error) {
	m, ok := r.modes[id]
	if !ok {
		return Mode{}, fmt.Errorf("%w: %q", ErrUnknownMode, id)
	}
	return m, nil
}

// ResolveOrDefault returns the mode for id, falling back to Default for
// unrecognized ids. The fallback is always single-continuous, never an
// arbitrary substitute.
func (r *Registry) ResolveOrDefault(id ID) Mode {
	if m, err := r.Resolve(id); err == nil {
		return m
	}
	return r.modes[Default]
}

// CycleNext returns the mode after id in the fixed toggle order
// single-continuous -> dual-continuous -> dual-tournament -> wrap.
// Unrecognized ids cycle to Default.
func (r *Registry) CycleNext(id ID) ID {
	for i, m := range cycleOrder {
		if m == id {
			return cycleOrder[(i+1)%len(cycleOrder)]
		}
	}
	return Default
}

// All returns the modes in cycle order, for display.
func (r *Registry) All() []Mode {
	out := make([]Mode, 0, len(cycleOrder))
	for _, id := range cycleOrder {
		out = append(out, r.modes[id])
	}
	return out
}
