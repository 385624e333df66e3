package target

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/aristath/dpm/internal/domain"
)

var one = decimal.NewFromInt(1)

// Heuristic generates targets by deterministic redistribution. Steps run in a
// fixed order: seed from the model, absorb displaced weight, apply the single
// position cap, apply group constraints in ascending key order, then scale for
// the cash buffer. Every adjustment leaves a reason tag on the touched
// instruments.
func Heuristic(in Inputs) *domain.TargetAllocation {
	out := &domain.TargetAllocation{
		Method: domain.TargetHeuristic,
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

	weights := map[string]decimal.Decimal{}
	reasons := map[string][]string{}
	locked := map[string]bool{}
	buyable := map[string]bool{}
	var order []string

	for _, e := range in.Universe.Entries {
		id := e.InstrumentID
		order = append(order, id)
		switch {
		case e.LockReason != "":
			// Locked positions hold their current weight; the optimizer
			// cannot move them.
			weights[id] = currentWeight(in.Before, id)
			locked[id] = true
			reasons[id] = append(reasons[id], domain.TagLockedPosition, e.LockReason)
		case e.BuyEligible:
			weights[id] = e.ModelWeight
			buyable[id] = true
		default:
			// Sell-only or otherwise non-buyable: sell down to zero.
			weights[id] = decimal.Zero
			if !e.HeldQuantity.IsZero() {
				reasons[id] = append(reasons[id], domain.TagImplicitSellToZero)
			}
		}
	}

	// Step 1: absorb displaced model weight into buy-eligible instruments.
	if in.Universe.DisplacedWeight.IsPositive() {
		dests := buyableIDs(order, buyable, nil)
		if len(dests) == 0 {
			out.Status = domain.StatusBlocked
			out.Messages = append(out.Messages, domain.ReasonNoRedistributionDest)
		} else {
			distribute(in.Universe.DisplacedWeight, dests, weights, reasons)
		}
	}

	// Step 2: single position cap. Excess above the cap moves to the other
	// buy-eligible instruments in one pass; a recipient may end up above the
	// cap when it is the only destination, and keeps that weight.
	if opts.SinglePositionMaxWeight != nil {
		maxW := *opts.SinglePositionMaxWeight
		capped := map[string]bool{}
		excess := decimal.Zero
		for _, id := range order {
			if !buyable[id] {
				continue
			}
			if weights[id].GreaterThan(maxW) {
				excess = excess.Add(weights[id].Sub(maxW))
				weights[id] = maxW
				capped[id] = true
				reasons[id] = append(reasons[id], domain.TagCappedByMaxWeight)
			}
		}
		if excess.IsPositive() {
			dests := buyableIDs(order, buyable, capped)
			if len(dests) == 0 {
				out.Status = domain.StatusBlocked
				out.Messages = append(out.Messages, domain.ReasonNoRedistributionDest)
			} else {
				distribute(excess, dests, weights, reasons)
			}
		}
	}

	// Step 3: group constraints, ascending key order. Tradable members are
	// scaled by max/current and the released weight moves outside the group.
	for _, key := range sortedGroupKeys(opts.GroupConstraints) {
		maxW := opts.GroupConstraints[key].MaxWeight
		members := groupMembers(key, order, in.Shelf)
		memberSet := map[string]bool{}
		groupTotal := decimal.Zero
		for _, id := range members {
			memberSet[id] = true
			groupTotal = groupTotal.Add(weights[id])
		}
		if !groupTotal.GreaterThan(maxW) {
			continue
		}

		lockedTotal := decimal.Zero
		adjustableTotal := decimal.Zero
		for _, id := range members {
			if locked[id] {
				lockedTotal = lockedTotal.Add(weights[id])
			} else {
				adjustableTotal = adjustableTotal.Add(weights[id])
			}
		}

		if lockedTotal.GreaterThan(maxW) {
			// Locked weight alone exceeds the cap; nothing the generator
			// scales can satisfy it.
			out.Status = domain.StatusBlocked
			out.Messages = append(out.Messages, domain.HintLockedGroupWeightPrefix+key)
		}

		targetAdjustable := maxW.Sub(lockedTotal)
		if targetAdjustable.IsNegative() {
			targetAdjustable = decimal.Zero
		}
		released := adjustableTotal.Sub(targetAdjustable)
		if !released.IsPositive() {
			continue
		}

		var scale decimal.Decimal
		if adjustableTotal.IsPositive() {
			scale = targetAdjustable.Div(adjustableTotal)
		}
		for _, id := range members {
			if locked[id] {
				continue
			}
			weights[id] = weights[id].Mul(scale)
			reasons[id] = append(reasons[id], domain.TagCappedByGroupLimit)
		}

		var dests []string
		for _, id := range order {
			if buyable[id] && !memberSet[id] {
				dests = append(dests, id)
			}
		}
		if len(dests) == 0 {
			out.Status = domain.StatusBlocked
			out.Messages = append(out.Messages, domain.ReasonNoRedistributionDest)
			continue
		}
		distribute(released, dests, weights, reasons)
	}

	// Step 4: cash buffer. Scale tradable weights so invested weight leaves
	// room for the buffer; locked weight cannot be scaled.
	if opts.MinCashBufferPct != nil && opts.MinCashBufferPct.IsPositive() {
		maxInvested := one.Sub(*opts.MinCashBufferPct)
		total := decimal.Zero
		lockedTotal := decimal.Zero
		for _, id := range order {
			total = total.Add(weights[id])
			if locked[id] {
				lockedTotal = lockedTotal.Add(weights[id])
			}
		}
		if total.GreaterThan(maxInvested) {
			adjustableTotal := total.Sub(lockedTotal)
			targetAdjustable := maxInvested.Sub(lockedTotal)
			if targetAdjustable.IsNegative() {
				targetAdjustable = decimal.Zero
			}
			if adjustableTotal.IsPositive() {
				scale := targetAdjustable.Div(adjustableTotal)
				for _, id := range order {
					if !locked[id] {
						weights[id] = weights[id].Mul(scale)
					}
				}
			}
		}
	}

	finalTotal := decimal.Zero
	for _, id := range order {
		w := weights[id]
		finalTotal = finalTotal.Add(w)
		tw := domain.TargetWeight{
			InstrumentID: id,
			ModelWeight:  in.Model[id],
			FinalWeight:  w,
			Reasons:      dedup(reasons[id]),
		}
		// Held buy-eligible instruments outside the model sell down to zero.
		if entry, ok := in.Universe.Entry(id); ok {
			if w.IsZero() && !entry.HeldQuantity.IsZero() && !locked[id] && !contains(tw.Reasons, domain.TagImplicitSellToZero) {
				tw.Reasons = append(tw.Reasons, domain.TagImplicitSellToZero)
			}
		}
		out.Targets = append(out.Targets, tw)
	}
	out.CashWeight = one.Sub(finalTotal)
	return out
}

// buyableIDs returns buy-eligible instruments not in the excluded set, in
// universe (ascending) order.
func buyableIDs(order []string, buyable, excluded map[string]bool) []string {
	var out []string
	for _, id := range order {
		if buyable[id] && !excluded[id] {
			out = append(out, id)
		}
	}
	return out
}

// distribute spreads pool across dests proportionally to their current
// weights, or equally when all destination weights are zero. Remainder from
// division noise lands on the last (highest-id) destination so totals are
// exact.
func distribute(pool decimal.Decimal, dests []string, weights map[string]decimal.Decimal, reasons map[string][]string) {
	sort.Strings(dests)
	total := decimal.Zero
	for _, id := range dests {
		total = total.Add(weights[id])
	}

	assigned := decimal.Zero
	for i, id := range dests {
		var share decimal.Decimal
		if i == len(dests)-1 {
			share = pool.Sub(assigned)
		} else if total.IsPositive() {
			share = pool.Mul(weights[id]).Div(total)
		} else {
			share = pool.Div(decimal.NewFromInt(int64(len(dests))))
		}
		assigned = assigned.Add(share)
		weights[id] = weights[id].Add(share)
		reasons[id] = append(reasons[id], domain.TagRedistributedRecipient)
	}
}

func dedup(xs []string) []string {
	if len(xs) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, x := range xs {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	return out
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
