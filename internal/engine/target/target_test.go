package target

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/dpm/internal/domain"
	"github.com/aristath/dpm/internal/engine/universe"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func approvedShelf(entries map[string]map[string]string) domain.Shelf {
	var shelf domain.Shelf
	for id, attrs := range entries {
		shelf = append(shelf, domain.ShelfEntry{
			InstrumentID: id,
			Status:       domain.ShelfApproved,
			Currency:     "USD",
			Attributes:   attrs,
		})
	}
	return shelf
}

func buildInputs(t *testing.T, model domain.ModelPortfolio, shelf domain.Shelf, opts domain.EngineOptions) Inputs {
	t.Helper()
	portfolio := &domain.PortfolioSnapshot{BaseCurrency: "USD"}
	u := universe.Build(portfolio, model, shelf, opts)
	return Inputs{
		Universe: u,
		Model:    model,
		Shelf:    shelf,
		Options:  opts,
	}
}

func TestHeuristicPassesModelThroughUnconstrained(t *testing.T) {
	shelf := approvedShelf(map[string]map[string]string{"AAA": nil, "BBB": nil})
	model := domain.ModelPortfolio{"AAA": dec("0.6"), "BBB": dec("0.4")}
	in := buildInputs(t, model, shelf, domain.EngineOptions{})

	out := Heuristic(in)
	require.Equal(t, domain.StatusReady, out.Status)
	assert.True(t, out.Weight("AAA").Equal(dec("0.6")))
	assert.True(t, out.Weight("BBB").Equal(dec("0.4")))
	assert.True(t, out.CashWeight.IsZero())
}

func TestHeuristicCapAndGroupScaling(t *testing.T) {
	shelf := approvedShelf(map[string]map[string]string{
		"TECH_A": {"sector": "TECH"},
		"TECH_B": {"sector": "TECH"},
		"BOND_C": {"sector": "FIXED_INCOME"},
	})
	// BOND_C enters the universe as a zero-weight model entry.
	model := domain.ModelPortfolio{"TECH_A": dec("0.5"), "TECH_B": dec("0.5"), "BOND_C": decimal.Zero}
	opts := domain.EngineOptions{
		SinglePositionMaxWeight: decPtr("0.3"),
		GroupConstraints: map[string]domain.GroupConstraint{
			"sector:TECH": {MaxWeight: dec("0.20")},
		},
	}
	in := buildInputs(t, model, shelf, opts)

	out := Heuristic(in)
	require.Equal(t, domain.StatusReady, out.Status)
	assert.True(t, out.Weight("TECH_A").Equal(dec("0.1")), "got %s", out.Weight("TECH_A"))
	assert.True(t, out.Weight("TECH_B").Equal(dec("0.1")), "got %s", out.Weight("TECH_B"))
	assert.True(t, out.Weight("BOND_C").Equal(dec("0.8")), "got %s", out.Weight("BOND_C"))

	var techA domain.TargetWeight
	for _, tw := range out.Targets {
		if tw.InstrumentID == "TECH_A" {
			techA = tw
		}
	}
	assert.Contains(t, techA.Reasons, domain.TagCappedByMaxWeight)
	assert.Contains(t, techA.Reasons, domain.TagCappedByGroupLimit)
}

func TestHeuristicDisplacedWeightAbsorbed(t *testing.T) {
	shelf := domain.Shelf{
		{InstrumentID: "AAA", Status: domain.ShelfApproved, Currency: "USD"},
		{InstrumentID: "SSS", Status: domain.ShelfSellOnly, Currency: "USD"},
	}
	model := domain.ModelPortfolio{"AAA": dec("0.7"), "SSS": dec("0.3")}
	in := buildInputs(t, model, shelf, domain.EngineOptions{})

	out := Heuristic(in)
	require.Equal(t, domain.StatusReady, out.Status)
	assert.True(t, out.Weight("AAA").Equal(dec("1")), "sell-only weight must flow to the buyable leg, got %s", out.Weight("AAA"))
	assert.True(t, out.Weight("SSS").IsZero())
}

func TestHeuristicBlocksWithoutRedistributionDestination(t *testing.T) {
	shelf := domain.Shelf{
		{InstrumentID: "SSS", Status: domain.ShelfSellOnly, Currency: "USD"},
	}
	model := domain.ModelPortfolio{"SSS": dec("1")}
	in := buildInputs(t, model, shelf, domain.EngineOptions{})

	out := Heuristic(in)
	assert.Equal(t, domain.StatusBlocked, out.Status)
	assert.Contains(t, out.Messages, domain.ReasonNoRedistributionDest)
}

func TestHeuristicAllZeroModelBlocked(t *testing.T) {
	shelf := approvedShelf(map[string]map[string]string{"AAA": nil})
	model := domain.ModelPortfolio{"AAA": decimal.Zero}
	in := buildInputs(t, model, shelf, domain.EngineOptions{})

	out := Heuristic(in)
	assert.Equal(t, domain.StatusBlocked, out.Status)
	assert.Contains(t, out.Messages, domain.ReasonAllZeroWeights)
}

func TestHeuristicCashBufferScaling(t *testing.T) {
	shelf := approvedShelf(map[string]map[string]string{"AAA": nil, "BBB": nil})
	model := domain.ModelPortfolio{"AAA": dec("0.6"), "BBB": dec("0.4")}
	opts := domain.EngineOptions{MinCashBufferPct: decPtr("0.10")}
	in := buildInputs(t, model, shelf, opts)

	out := Heuristic(in)
	require.Equal(t, domain.StatusReady, out.Status)
	assert.True(t, out.Weight("AAA").Equal(dec("0.54")), "got %s", out.Weight("AAA"))
	assert.True(t, out.Weight("BBB").Equal(dec("0.36")), "got %s", out.Weight("BBB"))
	assert.True(t, out.CashWeight.Equal(dec("0.1")), "got %s", out.CashWeight)
}

func TestHeuristicLockedPositionKeepsCurrentWeight(t *testing.T) {
	shelf := domain.Shelf{
		{InstrumentID: "AAA", Status: domain.ShelfApproved, Currency: "USD"},
		{InstrumentID: "XXX", Status: domain.ShelfSuspended, Currency: "USD"},
	}
	model := domain.ModelPortfolio{"AAA": dec("1")}
	portfolio := &domain.PortfolioSnapshot{
		BaseCurrency: "USD",
		Positions:    []domain.Position{{InstrumentID: "XXX", Quantity: dec("10")}},
	}
	opts := domain.EngineOptions{}
	u := universe.Build(portfolio, model, shelf, opts)
	before := &domain.SimulatedState{
		TotalValue: dec("1000"),
		Positions: []domain.EnrichedPosition{
			{InstrumentID: "XXX", Weight: dec("0.25")},
		},
	}
	out := Heuristic(Inputs{Universe: u, Model: model, Before: before, Shelf: shelf, Options: opts})

	require.Equal(t, domain.StatusReady, out.Status)
	assert.True(t, out.Weight("XXX").Equal(dec("0.25")))
	var xxx domain.TargetWeight
	for _, tw := range out.Targets {
		if tw.InstrumentID == "XXX" {
			xxx = tw
		}
	}
	assert.Contains(t, xxx.Reasons, domain.TagLockedPosition)
	assert.Contains(t, xxx.Reasons, domain.LockSuspended)
}

func TestSolveSimpleProjectionMatchesModel(t *testing.T) {
	shelf := approvedShelf(map[string]map[string]string{"AAA": nil, "BBB": nil})
	model := domain.ModelPortfolio{"AAA": dec("0.6"), "BBB": dec("0.4")}
	opts := domain.EngineOptions{TargetMethod: domain.TargetSolver}
	in := buildInputs(t, model, shelf, opts)

	out := Solve(in)
	require.Equal(t, domain.StatusReady, out.Status)
	tol := dec("0.0001")
	assert.True(t, out.Weight("AAA").Sub(dec("0.6")).Abs().LessThan(tol), "got %s", out.Weight("AAA"))
	assert.True(t, out.Weight("BBB").Sub(dec("0.4")).Abs().LessThan(tol), "got %s", out.Weight("BBB"))
}

func TestSolveCashBandContradictionHint(t *testing.T) {
	shelf := approvedShelf(map[string]map[string]string{"AAA": nil})
	model := domain.ModelPortfolio{"AAA": dec("1")}
	opts := domain.EngineOptions{
		TargetMethod:      domain.TargetSolver,
		CashBandMinWeight: decPtr("0.4"),
		CashBandMaxWeight: decPtr("0.1"),
	}
	in := buildInputs(t, model, shelf, opts)

	out := Solve(in)
	assert.Equal(t, domain.StatusBlocked, out.Status)
	assert.Contains(t, out.Hints, domain.HintCashBandContradiction)
	assert.Contains(t, out.Messages, domain.ReasonInfeasiblePrefix+"PRIMAL")
}

func TestSolveSinglePositionCapacityHint(t *testing.T) {
	shelf := approvedShelf(map[string]map[string]string{"AAA": nil, "BBB": nil})
	model := domain.ModelPortfolio{"AAA": dec("0.5"), "BBB": dec("0.5")}
	opts := domain.EngineOptions{
		TargetMethod:            domain.TargetSolver,
		SinglePositionMaxWeight: decPtr("0.2"),
		CashBandMaxWeight:       decPtr("0.1"),
	}
	in := buildInputs(t, model, shelf, opts)

	out := Solve(in)
	assert.Equal(t, domain.StatusBlocked, out.Status)
	assert.Contains(t, out.Hints, domain.HintSinglePositionCapacity)
}

func TestSolveHonorsSinglePositionCap(t *testing.T) {
	shelf := approvedShelf(map[string]map[string]string{"AAA": nil, "BBB": nil, "CCC": nil})
	model := domain.ModelPortfolio{"AAA": dec("0.8"), "BBB": dec("0.1"), "CCC": dec("0.1")}
	opts := domain.EngineOptions{
		TargetMethod:            domain.TargetSolver,
		SinglePositionMaxWeight: decPtr("0.4"),
	}
	in := buildInputs(t, model, shelf, opts)

	out := Solve(in)
	require.Equal(t, domain.StatusReady, out.Status)
	capLimit := dec("0.4").Add(dec("0.0001"))
	for _, tw := range out.Targets {
		assert.True(t, tw.FinalWeight.LessThanOrEqual(capLimit), "%s over cap: %s", tw.InstrumentID, tw.FinalWeight)
	}
}

func TestGenerateComparisonFlagsDivergence(t *testing.T) {
	// SELL_ONLY displacement: the heuristic pushes everything into AAA while
	// the projection keeps AAA near its model weight, so weights diverge.
	shelf := domain.Shelf{
		{InstrumentID: "AAA", Status: domain.ShelfApproved, Currency: "USD"},
		{InstrumentID: "SSS", Status: domain.ShelfSellOnly, Currency: "USD"},
	}
	model := domain.ModelPortfolio{"AAA": dec("0.5"), "SSS": dec("0.5")}
	opts := domain.EngineOptions{
		TargetMethod:         domain.TargetHeuristic,
		CompareTargetMethods: true,
	}
	in := buildInputs(t, model, shelf, opts)

	out, cmp, warnings := Generate(in)
	require.NotNil(t, out)
	require.NotNil(t, cmp)
	assert.Equal(t, domain.TargetHeuristic, out.Method, "configured method stays authoritative")
	assert.True(t, cmp.MaxWeightDelta.GreaterThan(decimal.Zero))
	if cmp.WeightsDiverged {
		assert.Contains(t, warnings, domain.WarnTargetMethodWeightDiverge)
	}
}

func TestGenerateWithoutComparison(t *testing.T) {
	shelf := approvedShelf(map[string]map[string]string{"AAA": nil})
	model := domain.ModelPortfolio{"AAA": dec("1")}
	in := buildInputs(t, model, shelf, domain.EngineOptions{})

	out, cmp, warnings := Generate(in)
	require.NotNil(t, out)
	assert.Nil(t, cmp)
	assert.Empty(t, warnings)
}

func TestBackendChainOrder(t *testing.T) {
	backends := Backends()
	require.Len(t, backends, 2)
	assert.Equal(t, "OSQP", backends[0].Name())
	assert.Equal(t, "SCS", backends[1].Name())
}

func TestDykstraProjectsOntoBudgetSlab(t *testing.T) {
	p := &Problem{
		Target:   []float64{0.7, 0.7},
		Lower:    []float64{0, 0},
		Upper:    []float64{1, 1},
		BudgetLo: 0,
		BudgetHi: 1,
	}
	for _, b := range Backends() {
		sol, err := b.Solve(p)
		require.NoError(t, err, b.Name())
		require.Equal(t, "SOLVED", sol.Status, b.Name())
		sum := sol.Weights[0] + sol.Weights[1]
		assert.InDelta(t, 1.0, sum, 1e-5, b.Name())
		assert.InDelta(t, sol.Weights[0], sol.Weights[1], 1e-6, "projection is symmetric")
	}
}
