package domain

// Run status vocabulary. Domain outcomes are encoded here, never as HTTP
// failures.
type RunStatus string

// Run statuses.
const (
	StatusReady         RunStatus = "READY"
	StatusPendingReview RunStatus = "PENDING_REVIEW"
	StatusBlocked       RunStatus = "BLOCKED"
)

// Rule identifiers.
const (
	RuleCashBand          = "CASH_BAND"
	RuleSinglePositionMax = "SINGLE_POSITION_MAX"
	RuleDataQuality       = "DATA_QUALITY"
	RuleMinTradeSize      = "MIN_TRADE_SIZE"
	RuleNoShorting        = "NO_SHORTING"
	RuleInsufficientCash  = "INSUFFICIENT_CASH"
	RuleReconciliation    = "RECONCILIATION"
)

// Rule severities.
const (
	SeverityHard = "HARD"
	SeveritySoft = "SOFT"
	SeverityInfo = "INFO"
)

// Reason codes are UPPER_SNAKE_CASE and append-only.
const (
	// Valuation / data quality
	ReasonPositionValueMismatch = "POSITION_VALUE_MISMATCH"
	BucketPriceMissing          = "price_missing"
	BucketFXMissing             = "fx_missing"

	// Universe lock reasons
	LockMissingShelf  = "LOCKED_DUE_TO_MISSING_SHELF"
	LockRestricted    = "LOCKED_DUE_TO_RESTRICTED"
	LockSuspended     = "LOCKED_DUE_TO_SUSPENDED"
	LockBanned        = "LOCKED_DUE_TO_BANNED"
	TagLockedPosition = "LOCKED_POSITION"

	// Target generation
	TagCappedByMaxWeight          = "CAPPED_BY_MAX_WEIGHT"
	TagCappedByGroupLimit         = "CAPPED_BY_GROUP_LIMIT"
	TagRedistributedRecipient     = "REDISTRIBUTED_RECIPIENT"
	TagImplicitSellToZero         = "IMPLICIT_SELL_TO_ZERO"
	ReasonNoRedistributionDest    = "NO_ELIGIBLE_REDISTRIBUTION_DESTINATION"
	ReasonSolverError             = "SOLVER_ERROR"
	WarnTargetMethodStatusDiverge = "TARGET_METHOD_STATUS_DIVERGENCE"
	WarnTargetMethodWeightDiverge = "TARGET_METHOD_WEIGHT_DIVERGENCE"

	// Infeasibility hints
	HintCashBandContradiction    = "INFEASIBILITY_HINT_CASH_BAND_CONTRADICTION"
	HintSinglePositionCapacity   = "INFEASIBILITY_HINT_SINGLE_POSITION_CAPACITY"
	HintLockedGroupWeightPrefix  = "INFEASIBILITY_HINT_LOCKED_GROUP_WEIGHT_"
	ReasonInfeasiblePrefix       = "INFEASIBLE_"
	ReasonCanonicalizationError  = "CANONICALIZATION_ERROR"
	ReasonAllZeroWeights         = "TARGET_WEIGHT_BUDGET_VIOLATION"
	ReasonValueMismatch          = "VALUE_MISMATCH"
	ReasonSellExceedsHoldings    = "SELL_EXCEEDS_HOLDINGS"
	ReasonOverdraftPrefix        = "OVERDRAFT_ON_T_PLUS_"
	WarnSettlementOverdraftUsed  = "SETTLEMENT_OVERDRAFT_UTILIZED"
	WarnPartialTurnover          = "PARTIAL_REBALANCE_TURNOVER_LIMIT"
	WarnTaxBudgetLimitReached    = "TAX_BUDGET_LIMIT_REACHED"
	ReasonBelowMinNotional       = "BELOW_MIN_NOTIONAL"
	ReasonTurnoverLimit          = "TURNOVER_LIMIT"
	ReasonProposalMissingFX      = "PROPOSAL_MISSING_FX_FOR_FUNDING"
	ReasonProposalNegativeCash   = "PROPOSAL_NEGATIVE_CASH"
	ReasonOperationCancelled     = "OPERATION_CANCELLED"
	ReasonIdempotencyKeyConflict = "IDEMPOTENCY_KEY_CONFLICT"
)

// Workflow gate vocabulary.
type Gate string

// Gates.
const (
	GateBlocked           Gate = "BLOCKED"
	GateComplianceReview  Gate = "COMPLIANCE_REVIEW_REQUIRED"
	GateRiskReview        Gate = "RISK_REVIEW_REQUIRED"
	GateClientConsent     Gate = "CLIENT_CONSENT_REQUIRED"
	GateExecutionReady    Gate = "EXECUTION_READY"
	NextStepFixInput           = "FIX_INPUT"
	NextStepComplianceReview   = "COMPLIANCE_REVIEW"
	NextStepRiskReview         = "RISK_REVIEW"
	NextStepClientConsent      = "OBTAIN_CLIENT_CONSENT"
	NextStepExecute            = "EXECUTE"
)

// WorkflowAction is a reviewer decision on a run.
type WorkflowAction string

// Workflow actions.
const (
	ActionApprove        WorkflowAction = "APPROVE"
	ActionReject         WorkflowAction = "REJECT"
	ActionRequestChanges WorkflowAction = "REQUEST_CHANGES"
)

// Valid reports whether the action is recognized.
func (a WorkflowAction) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionRequestChanges:
		return true
	}
	return false
}

// WorkflowStatus is the derived review state of a run.
type WorkflowStatus string

// Workflow statuses.
const (
	WorkflowNotRequired   WorkflowStatus = "NOT_REQUIRED"
	WorkflowPendingReview WorkflowStatus = "PENDING_REVIEW"
	WorkflowApproved      WorkflowStatus = "APPROVED"
	WorkflowRejected      WorkflowStatus = "REJECTED"
)

// Suitability issue lifecycle and severity ordering.
const (
	IssueNew        = "NEW"
	IssuePersistent = "PERSISTENT"
	IssueResolved   = "RESOLVED"

	SevHigh   = "HIGH"
	SevMedium = "MEDIUM"
	SevLow    = "LOW"
)

// SeverityRank orders HIGH before MEDIUM before LOW. Unknown ranks last.
func SeverityRank(sev string) int {
	switch sev {
	case SevHigh:
		return 0
	case SevMedium:
		return 1
	case SevLow:
		return 2
	}
	return 3
}

// IssueStatusRank orders NEW before PERSISTENT before RESOLVED.
func IssueStatusRank(status string) int {
	switch status {
	case IssueNew:
		return 0
	case IssuePersistent:
		return 1
	case IssueResolved:
		return 2
	}
	return 3
}
