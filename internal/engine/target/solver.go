package target

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/aristath/dpm/internal/domain"
)

// solverWeightPlaces is the decimal precision solver weights are rounded to
// when crossing back from the numeric backends, so identical input yields
// byte-identical output.
const solverWeightPlaces = 12

// capTol is the slack within which a solved weight is treated as sitting on
// its cap for reason tagging.
var capTol = decimal.RequireFromString("0.000000001")

// Solve generates targets by projecting the model weights onto the feasible
// set. Analytic infeasibility checks run first so obviously contradictory
// constraint sets carry a hint instead of a bare solver status; then the
// backend chain runs in fixed order and the first usable answer wins.
func Solve(in Inputs) *domain.TargetAllocation {
	out := &domain.TargetAllocation{
		Method: domain.TargetSolver,
		Status: domain.StatusReady,
	}
	opts := in.Options

	if len(in.Model) > 0 {
		sum := decimal.Zero
		for _, w := range in.Model {
			sum = sum.Add(w)
		}
		if sum.IsZero() {
			out.Status = domain.StatusBlocked
			out.Messages = append(out.Messages, domain.ReasonAllZeroWeights)
		}
	}

	// Variables: buy-eligible and locked instruments, in universe order.
	// Everything else is excluded at weight zero.
	var (
		ids       []string
		target    []float64
		lower     []float64
		upper     []float64
		lockedSet = map[string]bool{}
		indexOf   = map[string]int{}
		excluded  []domain.UniverseEntry
		capWeight decimal.Decimal
		hasCap    bool
		capacity  = decimal.Zero
	)
	if opts.SinglePositionMaxWeight != nil {
		capWeight = *opts.SinglePositionMaxWeight
		hasCap = true
	}

	for _, e := range in.Universe.Entries {
		id := e.InstrumentID
		switch {
		case e.LockReason != "":
			w := currentWeight(in.Before, id)
			indexOf[id] = len(ids)
			ids = append(ids, id)
			wf, _ := w.Float64()
			target = append(target, wf)
			lower = append(lower, wf)
			upper = append(upper, wf)
			lockedSet[id] = true
			capacity = capacity.Add(w)
		case e.BuyEligible:
			indexOf[id] = len(ids)
			ids = append(ids, id)
			mw, _ := e.ModelWeight.Float64()
			target = append(target, mw)
			lower = append(lower, 0)
			if hasCap {
				cw, _ := capWeight.Float64()
				upper = append(upper, cw)
				capacity = capacity.Add(capWeight)
			} else {
				upper = append(upper, 1)
				capacity = capacity.Add(one)
			}
		default:
			excluded = append(excluded, e)
		}
	}

	// Cash band: the invested budget is one minus the cash bounds. The cash
	// buffer tightens the upper invested bound.
	cashMin := decimal.Zero
	cashMax := one
	if opts.CashBandMinWeight != nil {
		cashMin = *opts.CashBandMinWeight
	}
	if opts.MinCashBufferPct != nil && opts.MinCashBufferPct.GreaterThan(cashMin) {
		cashMin = *opts.MinCashBufferPct
	}
	if opts.CashBandMaxWeight != nil {
		cashMax = *opts.CashBandMaxWeight
	}

	infeasible := false
	if cashMin.GreaterThan(cashMax) {
		out.Hints = append(out.Hints, domain.HintCashBandContradiction)
		infeasible = true
	}
	// capacity + cashMax is the most weight the book can carry.
	if capacity.Add(cashMax).LessThan(one) {
		out.Hints = append(out.Hints, domain.HintSinglePositionCapacity)
		infeasible = true
	}

	var groups []GroupCap
	for _, key := range sortedGroupKeys(opts.GroupConstraints) {
		maxW := opts.GroupConstraints[key].MaxWeight
		g := GroupCap{Key: key}
		mw, _ := maxW.Float64()
		g.Max = mw
		lockedInGroup := decimal.Zero
		for _, id := range groupMembers(key, ids, in.Shelf) {
			g.Indices = append(g.Indices, indexOf[id])
			if lockedSet[id] {
				lockedInGroup = lockedInGroup.Add(decimal.NewFromFloat(lower[indexOf[id]]))
			}
		}
		if lockedInGroup.GreaterThan(maxW) {
			out.Hints = append(out.Hints, domain.HintLockedGroupWeightPrefix+key)
			infeasible = true
		}
		groups = append(groups, g)
	}

	if infeasible {
		out.Status = domain.StatusBlocked
		out.Messages = append(out.Messages, domain.ReasonInfeasiblePrefix+"PRIMAL")
		out.Targets = zeroTargets(in, ids, lockedSet, excluded)
		out.CashWeight = one
		return out
	}

	budgetLo, _ := one.Sub(cashMax).Float64()
	budgetHi, _ := one.Sub(cashMin).Float64()
	problem := &Problem{
		Target:   target,
		Lower:    lower,
		Upper:    upper,
		Groups:   groups,
		BudgetLo: budgetLo,
		BudgetHi: budgetHi,
	}

	var solution *Solution
	lastStatus := ""
	for _, backend := range Backends() {
		sol, err := backend.Solve(problem)
		if err != nil {
			out.Messages = append(out.Messages, domain.ReasonSolverError+":"+backend.Name())
			continue
		}
		lastStatus = sol.Status
		if sol.Status == "SOLVED" {
			solution = sol
			break
		}
	}

	if solution == nil {
		out.Status = domain.StatusBlocked
		if lastStatus != "" {
			out.Messages = append(out.Messages, domain.ReasonInfeasiblePrefix+lastStatus)
		} else {
			out.Messages = append(out.Messages, domain.ReasonSolverError)
		}
		out.Targets = zeroTargets(in, ids, lockedSet, excluded)
		out.CashWeight = one
		return out
	}

	finalTotal := decimal.Zero
	for i, id := range ids {
		w := decimal.NewFromFloat(solution.Weights[i]).Round(solverWeightPlaces)
		if w.IsNegative() {
			w = decimal.Zero
		}
		finalTotal = finalTotal.Add(w)

		tw := domain.TargetWeight{
			InstrumentID: id,
			ModelWeight:  in.Model[id],
			FinalWeight:  w,
		}
		if lockedSet[id] {
			if entry, ok := in.Universe.Entry(id); ok {
				tw.Reasons = append(tw.Reasons, domain.TagLockedPosition, entry.LockReason)
			}
		} else if hasCap && in.Model[id].GreaterThan(capWeight) && w.Sub(capWeight).Abs().LessThanOrEqual(capTol) {
			tw.Reasons = append(tw.Reasons, domain.TagCappedByMaxWeight)
		}
		out.Targets = append(out.Targets, tw)
	}
	for _, e := range excluded {
		tw := domain.TargetWeight{
			InstrumentID: e.InstrumentID,
			ModelWeight:  in.Model[e.InstrumentID],
			FinalWeight:  decimal.Zero,
		}
		if !e.HeldQuantity.IsZero() {
			tw.Reasons = append(tw.Reasons, domain.TagImplicitSellToZero)
		}
		out.Targets = append(out.Targets, tw)
	}
	sortTargets(out.Targets)

	out.CashWeight = one.Sub(finalTotal)
	return out
}

// zeroTargets builds the target list for a blocked run: locked positions keep
// their weight, everything else is zeroed.
func zeroTargets(in Inputs, ids []string, lockedSet map[string]bool, excluded []domain.UniverseEntry) []domain.TargetWeight {
	var out []domain.TargetWeight
	for _, id := range ids {
		tw := domain.TargetWeight{
			InstrumentID: id,
			ModelWeight:  in.Model[id],
			FinalWeight:  decimal.Zero,
		}
		if lockedSet[id] {
			tw.FinalWeight = currentWeight(in.Before, id)
			if entry, ok := in.Universe.Entry(id); ok {
				tw.Reasons = append(tw.Reasons, domain.TagLockedPosition, entry.LockReason)
			}
		}
		out = append(out, tw)
	}
	for _, e := range excluded {
		out = append(out, domain.TargetWeight{
			InstrumentID: e.InstrumentID,
			ModelWeight:  in.Model[e.InstrumentID],
			FinalWeight:  decimal.Zero,
		})
	}
	sortTargets(out)
	return out
}

func sortTargets(ts []domain.TargetWeight) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].InstrumentID < ts[j].InstrumentID })
}
