package advisory

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/dpm/internal/domain"
)

func suitabilityOpts(th *domain.SuitabilityThresholds) domain.EngineOptions {
	return domain.EngineOptions{Suitability: th}
}

func stateWithPositions(positions map[string]string) *domain.SimulatedState {
	s := &domain.SimulatedState{TotalValue: dec("1"), BaseCurrency: "USD"}
	for id, w := range positions {
		s.Positions = append(s.Positions, domain.EnrichedPosition{
			InstrumentID: id,
			ValueBase:    dec(w),
			Weight:       dec(w),
		})
	}
	return s
}

func issueByKey(t *testing.T, report *domain.SuitabilityReport, key string) domain.SuitabilityIssue {
	t.Helper()
	for _, iss := range report.Issues {
		if iss.IssueKey == key {
			return iss
		}
	}
	t.Fatalf("issue %s not found", key)
	return domain.SuitabilityIssue{}
}

func TestScanDisabledWithoutThresholds(t *testing.T) {
	assert.Nil(t, Scan(ScanInputs{Options: domain.EngineOptions{}}))
}

func TestScanClassifiesNewPersistentResolved(t *testing.T) {
	opts := suitabilityOpts(&domain.SuitabilityThresholds{
		SinglePositionMaxWeight: decPtr("0.30"),
	})
	in := ScanInputs{
		// AAA breaches in both states, BBB only before, CCC only after.
		Before:  stateWithPositions(map[string]string{"AAA": "0.4", "BBB": "0.5", "CCC": "0.1"}),
		After:   stateWithPositions(map[string]string{"AAA": "0.4", "BBB": "0.1", "CCC": "0.5"}),
		Options: opts,
	}
	report := Scan(in)
	require.NotNil(t, report)

	assert.Equal(t, domain.IssuePersistent, issueByKey(t, report, "single_position:AAA").Status)
	assert.Equal(t, domain.IssueResolved, issueByKey(t, report, "single_position:BBB").Status)
	assert.Equal(t, domain.IssueNew, issueByKey(t, report, "single_position:CCC").Status)
	assert.Equal(t, "COMPLIANCE_REVIEW", report.RecommendedGate)
}

func TestScanIssuerConcentration(t *testing.T) {
	opts := suitabilityOpts(&domain.SuitabilityThresholds{
		IssuerMaxWeight: decPtr("0.25"),
	})
	shelf := domain.Shelf{
		{InstrumentID: "AAA", Status: domain.ShelfApproved, IssuerID: "ISSUER_X"},
		{InstrumentID: "BBB", Status: domain.ShelfApproved, IssuerID: "ISSUER_X"},
	}
	in := ScanInputs{
		Before:  stateWithPositions(nil),
		After:   stateWithPositions(map[string]string{"AAA": "0.2", "BBB": "0.2"}),
		Shelf:   shelf,
		Options: opts,
	}
	report := Scan(in)
	require.NotNil(t, report)
	iss := issueByKey(t, report, "issuer:ISSUER_X")
	assert.Equal(t, domain.IssueNew, iss.Status)
	assert.Equal(t, domain.SevHigh, iss.Severity)
}

func TestScanGovernanceFlagsDisallowedBuy(t *testing.T) {
	opts := suitabilityOpts(&domain.SuitabilityThresholds{})
	shelf := domain.Shelf{{InstrumentID: "BANNED_X", Status: domain.ShelfBanned}}
	in := ScanInputs{
		Before: stateWithPositions(nil),
		After:  stateWithPositions(nil),
		Shelf:  shelf,
		Intents: []domain.Intent{{
			IntentID:     "sec-buy-BANNED_X",
			Type:         domain.IntentSecurityTrade,
			InstrumentID: "BANNED_X",
			Side:         domain.SideBuy,
		}},
		Options: opts,
	}
	report := Scan(in)
	require.NotNil(t, report)
	iss := issueByKey(t, report, "governance:BANNED_X")
	assert.Equal(t, domain.IssueNew, iss.Status)
	assert.Equal(t, domain.SevHigh, iss.Severity)
	assert.Equal(t, "COMPLIANCE_REVIEW", report.RecommendedGate)
}

func TestScanLiquidityTierIsMediumSeverity(t *testing.T) {
	opts := suitabilityOpts(&domain.SuitabilityThresholds{
		LiquidityTierMaxWeight: map[string]decimal.Decimal{"ILLIQUID": dec("0.10")},
	})
	shelf := domain.Shelf{{InstrumentID: "AAA", Status: domain.ShelfApproved, LiquidityTier: "ILLIQUID"}}
	in := ScanInputs{
		Before:  stateWithPositions(nil),
		After:   stateWithPositions(map[string]string{"AAA": "0.2"}),
		Shelf:   shelf,
		Options: opts,
	}
	report := Scan(in)
	require.NotNil(t, report)
	iss := issueByKey(t, report, "liquidity_tier:ILLIQUID")
	assert.Equal(t, domain.SevMedium, iss.Severity)
	assert.Equal(t, "RISK_REVIEW", report.RecommendedGate)
}

func TestScanSortOrder(t *testing.T) {
	opts := suitabilityOpts(&domain.SuitabilityThresholds{
		SinglePositionMaxWeight: decPtr("0.30"),
		LiquidityTierMaxWeight:  map[string]decimal.Decimal{"ILLIQUID": dec("0.05")},
	})
	shelf := domain.Shelf{{InstrumentID: "ZZZ", Status: domain.ShelfApproved, LiquidityTier: "ILLIQUID"}}
	in := ScanInputs{
		Before:  stateWithPositions(map[string]string{"AAA": "0.5"}),
		After:   stateWithPositions(map[string]string{"ZZZ": "0.4"}),
		Shelf:   shelf,
		Options: opts,
	}
	report := Scan(in)
	require.NotNil(t, report)
	require.Len(t, report.Issues, 3)

	// NEW before RESOLVED; within NEW, HIGH before MEDIUM.
	assert.Equal(t, domain.IssueNew, report.Issues[0].Status)
	assert.Equal(t, domain.SevHigh, report.Issues[0].Severity)
	assert.Equal(t, "single_position:ZZZ", report.Issues[0].IssueKey)
	assert.Equal(t, domain.IssueNew, report.Issues[1].Status)
	assert.Equal(t, domain.SevMedium, report.Issues[1].Severity)
	assert.Equal(t, domain.IssueResolved, report.Issues[2].Status)
}
