// Package target generates final portfolio weights from the model and the
// universe. Two paths exist: a heuristic redistribution pass and a convex
// quadratic projection solved by pluggable backends. Both honor per-instrument
// caps, group constraints and the cash band.
package target

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/aristath/dpm/internal/domain"
	"github.com/aristath/dpm/internal/engine/universe"
)

// Inputs bundles everything target generation needs.
type Inputs struct {
	Universe *universe.Universe
	Model    domain.ModelPortfolio
	Before   *domain.SimulatedState
	Shelf    domain.Shelf
	Options  domain.EngineOptions
}

// defaultCompareTolerance is the weight divergence beyond which the
// dual-method comparison warns.
var defaultCompareTolerance = decimal.RequireFromString("0.01")

// Generate produces the target allocation using the configured method. When
// compare_target_methods is set both paths run and a structured comparison is
// attached; the configured method's output is authoritative.
func Generate(in Inputs) (*domain.TargetAllocation, *domain.TargetComparison, []string) {
	var warnings []string

	if !in.Options.CompareTargetMethods {
		return generateOne(in, in.Options.TargetMethod), nil, nil
	}

	heuristic := generateOne(in, domain.TargetHeuristic)
	solver := generateOne(in, domain.TargetSolver)

	tol := defaultCompareTolerance
	if in.Options.CompareTargetMethodsTolerance != nil {
		tol = *in.Options.CompareTargetMethodsTolerance
	}

	cmp := &domain.TargetComparison{
		HeuristicStatus: heuristic.Status,
		SolverStatus:    solver.Status,
		Tolerance:       tol,
		WeightDeltas:    map[string]decimal.Decimal{},
	}

	ids := map[string]bool{}
	for _, tw := range heuristic.Targets {
		ids[tw.InstrumentID] = true
	}
	for _, tw := range solver.Targets {
		ids[tw.InstrumentID] = true
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	for _, id := range sorted {
		delta := heuristic.Weight(id).Sub(solver.Weight(id)).Abs()
		cmp.WeightDeltas[id] = delta
		if delta.GreaterThan(cmp.MaxWeightDelta) {
			cmp.MaxWeightDelta = delta
		}
	}

	if heuristic.Status != solver.Status {
		cmp.StatusDiverged = true
		warnings = append(warnings, domain.WarnTargetMethodStatusDiverge)
	}
	if cmp.MaxWeightDelta.GreaterThan(tol) {
		cmp.WeightsDiverged = true
		warnings = append(warnings, domain.WarnTargetMethodWeightDiverge)
	}

	if in.Options.TargetMethod == domain.TargetSolver {
		return solver, cmp, warnings
	}
	return heuristic, cmp, warnings
}

func generateOne(in Inputs, method domain.TargetMethod) *domain.TargetAllocation {
	switch method {
	case domain.TargetSolver:
		return Solve(in)
	default:
		return Heuristic(in)
	}
}

// currentWeight looks up an instrument's before-state weight.
func currentWeight(before *domain.SimulatedState, instrumentID string) decimal.Decimal {
	if before == nil {
		return decimal.Zero
	}
	for _, p := range before.Positions {
		if p.InstrumentID == instrumentID {
			return p.Weight
		}
	}
	return decimal.Zero
}

// groupMembers returns the instrument ids whose shelf attributes match the
// "attribute:value" group key, ascending.
func groupMembers(key string, candidates []string, shelf domain.Shelf) []string {
	attr, value, ok := splitGroupKey(key)
	if !ok {
		return nil
	}
	var out []string
	for _, id := range candidates {
		if entry, found := shelf.Entry(id); found {
			if entry.Attributes[attr] == value {
				out = append(out, id)
			}
		}
	}
	return out
}

func splitGroupKey(key string) (attr, value string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

// sortedGroupKeys returns group constraint keys in ascending order; group
// constraints are always applied in this deterministic order.
func sortedGroupKeys(constraints map[string]domain.GroupConstraint) []string {
	keys := make([]string, 0, len(constraints))
	for k := range constraints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
