package advisory

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/aristath/dpm/internal/domain"
)

// driftTopContributors caps the top_contributors list.
const driftTopContributors = 5

var half = decimal.RequireFromString("0.5")

// AnalyzeDrift compares before and after states against a reference model.
// The bucket universe is the union of model keys and observed allocation keys;
// total drift is 0.5·Σ|w_portfolio − w_model| over the asset-class dimension,
// bounded to [0,1].
func AnalyzeDrift(ref *domain.ReferenceModel, before, after *domain.SimulatedState) *domain.DriftAnalysis {
	if ref == nil {
		return nil
	}
	out := &domain.DriftAnalysis{}

	classBuckets := driftBuckets("asset_class", ref.AssetClassWeights,
		allocationWeights(before.AllocationByAssetClass),
		allocationWeights(after.AllocationByAssetClass))
	out.Buckets = append(out.Buckets, classBuckets...)

	if len(ref.InstrumentWeights) > 0 {
		out.Buckets = append(out.Buckets, driftBuckets("instrument", ref.InstrumentWeights,
			allocationWeights(before.AllocationByInstrument),
			allocationWeights(after.AllocationByInstrument))...)
	}

	for _, b := range classBuckets {
		out.TotalDriftBefore = out.TotalDriftBefore.Add(b.AbsDriftBefore)
		out.TotalDriftAfter = out.TotalDriftAfter.Add(b.AbsDriftAfter)
	}
	out.TotalDriftBefore = out.TotalDriftBefore.Mul(half)
	out.TotalDriftAfter = out.TotalDriftAfter.Mul(half)
	out.Improvement = out.TotalDriftBefore.Sub(out.TotalDriftAfter)

	ranked := append([]domain.DriftBucket(nil), classBuckets...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if !ranked[i].AbsDriftBefore.Equal(ranked[j].AbsDriftBefore) {
			return ranked[i].AbsDriftBefore.GreaterThan(ranked[j].AbsDriftBefore)
		}
		return ranked[i].Bucket < ranked[j].Bucket
	})
	for i, b := range ranked {
		if i == driftTopContributors {
			break
		}
		out.TopContributors = append(out.TopContributors, b.Bucket)
	}
	return out
}

func driftBuckets(dimension string, model, before, after map[string]decimal.Decimal) []domain.DriftBucket {
	keys := map[string]bool{}
	for k := range model {
		keys[k] = true
	}
	for k := range before {
		keys[k] = true
	}
	for k := range after {
		keys[k] = true
	}
	var sorted []string
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	out := make([]domain.DriftBucket, 0, len(sorted))
	for _, k := range sorted {
		b := domain.DriftBucket{
			Bucket:       k,
			Dimension:    dimension,
			ModelWeight:  model[k],
			WeightBefore: before[k],
			WeightAfter:  after[k],
		}
		b.DriftBefore = b.WeightBefore.Sub(b.ModelWeight)
		b.DriftAfter = b.WeightAfter.Sub(b.ModelWeight)
		b.AbsDriftBefore = b.DriftBefore.Abs()
		b.AbsDriftAfter = b.DriftAfter.Abs()
		b.Improvement = b.AbsDriftBefore.Sub(b.AbsDriftAfter)
		out = append(out, b)
	}
	return out
}

func allocationWeights(buckets []domain.AllocationBucket) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(buckets))
	for _, b := range buckets {
		out[b.Key] = b.Weight
	}
	return out
}
