// Package universe intersects the model portfolio with the product shelf and
// held positions, classifying every instrument's tradability and lock reason
// for one run.
package universe

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/aristath/dpm/internal/domain"
)

// Universe is the per-run tradability classification.
type Universe struct {
	Entries []domain.UniverseEntry
	// DisplacedWeight is model weight that cannot be bought (SELL_ONLY or
	// excluded instruments) and must be redistributed by the target
	// generator.
	DisplacedWeight decimal.Decimal
}

// Entry returns the universe entry for an instrument.
func (u *Universe) Entry(instrumentID string) (domain.UniverseEntry, bool) {
	for _, e := range u.Entries {
		if e.InstrumentID == instrumentID {
			return e, true
		}
	}
	return domain.UniverseEntry{}, false
}

// BuyEligible returns instrument ids open for buying, ascending.
func (u *Universe) BuyEligible() []string {
	var ids []string
	for _, e := range u.Entries {
		if e.BuyEligible {
			ids = append(ids, e.InstrumentID)
		}
	}
	return ids
}

// Locked returns instrument ids that are locked in place, ascending.
func (u *Universe) Locked() []string {
	var ids []string
	for _, e := range u.Entries {
		if e.LockReason != "" {
			ids = append(ids, e.InstrumentID)
		}
	}
	return ids
}

// Build classifies the union of model targets and held positions against the
// shelf. The lock predicate is quantity != 0 so that short positions stay in
// the universe and trip NO_SHORTING downstream instead of being silently
// dropped.
func Build(portfolio *domain.PortfolioSnapshot, model domain.ModelPortfolio, shelf domain.Shelf, opts domain.EngineOptions) *Universe {
	held := make(map[string]decimal.Decimal)
	for _, pos := range portfolio.Positions {
		held[pos.InstrumentID] = held[pos.InstrumentID].Add(pos.Quantity)
	}

	ids := make(map[string]bool)
	for id := range model {
		ids[id] = true
	}
	for id := range held {
		ids[id] = true
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	u := &Universe{}
	for _, id := range sorted {
		// "CASH" is a reserved model key: it states the desired cash weight
		// and is never a tradable instrument.
		if id == "CASH" {
			continue
		}
		modelWeight := model[id]
		qty := held[id]
		inModel := false
		if _, ok := model[id]; ok {
			inModel = true
		}
		isHeld := !qty.IsZero()

		entry := domain.UniverseEntry{
			InstrumentID: id,
			ModelWeight:  modelWeight,
			HeldQuantity: qty,
		}

		shelfEntry, onShelf := shelf.Entry(id)
		if onShelf {
			entry.ShelfStatus = shelfEntry.Status
		}

		switch {
		case !onShelf:
			if isHeld {
				entry.LockReason = domain.LockMissingShelf
			} else if inModel {
				// Model instrument without shelf entry cannot be bought;
				// its weight joins the redistribution pool.
				u.DisplacedWeight = u.DisplacedWeight.Add(modelWeight)
			}
		case shelfEntry.Status == domain.ShelfApproved:
			entry.BuyEligible = true
			entry.SellEligible = true
		case shelfEntry.Status == domain.ShelfRestricted:
			if opts.AllowRestricted {
				entry.BuyEligible = true
				entry.SellEligible = true
			} else if isHeld {
				entry.LockReason = domain.LockRestricted
			} else if inModel {
				u.DisplacedWeight = u.DisplacedWeight.Add(modelWeight)
			}
		case shelfEntry.Status == domain.ShelfSellOnly:
			entry.SellEligible = true
			if inModel {
				u.DisplacedWeight = u.DisplacedWeight.Add(modelWeight)
			}
		case shelfEntry.Status == domain.ShelfSuspended:
			if isHeld {
				entry.LockReason = domain.LockSuspended
			} else if inModel {
				u.DisplacedWeight = u.DisplacedWeight.Add(modelWeight)
			}
		case shelfEntry.Status == domain.ShelfBanned:
			if isHeld {
				entry.LockReason = domain.LockBanned
			} else if inModel {
				u.DisplacedWeight = u.DisplacedWeight.Add(modelWeight)
			}
		}

		u.Entries = append(u.Entries, entry)
	}
	return u
}
