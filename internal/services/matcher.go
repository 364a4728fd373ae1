package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledger-service/internal/models"
)

// fuzzyConfidenceCap keeps fuzzy scores strictly below an exact match
var fuzzyConfidenceCap = decimal.RequireFromString("0.95")

// MatchPolicy holds the tunable reconciliation matching parameters
type MatchPolicy struct {
	// AmountTolerancePct is the fuzzy amount tolerance in percent of the system amount
	AmountTolerancePct decimal.Decimal
	// DateWindowDays is the maximum distance in days between statement and payment date
	DateWindowDays int
	// NegligibleThreshold is the largest discrepancy auto-resolved as accept_difference
	NegligibleThreshold decimal.Decimal
	// ExactAmountTolerance is the amount slack allowed for reference matches
	ExactAmountTolerance decimal.Decimal
}

// DefaultMatchPolicy returns 1% / 3 days / 0.05 / 0.01
func DefaultMatchPolicy() MatchPolicy {
	return MatchPolicy{
		AmountTolerancePct:   decimal.NewFromInt(1),
		DateWindowDays:       3,
		NegligibleThreshold:  decimal.RequireFromString("0.05"),
		ExactAmountTolerance: decimal.RequireFromString("0.01"),
	}
}

// Validate rejects negative tolerances
func (p MatchPolicy) Validate() error {
	if p.AmountTolerancePct.IsNegative() || p.NegligibleThreshold.IsNegative() || p.ExactAmountTolerance.IsNegative() {
		return fmt.Errorf("match tolerances must not be negative")
	}
	if p.DateWindowDays < 0 {
		return fmt.Errorf("date window must not be negative")
	}
	return nil
}

// MatchResult is the best candidate found for one statement line
type MatchResult struct {
	// Index points into the pool, -1 when nothing matched
	Index      int
	Type       models.MatchType
	Confidence decimal.Decimal
	// Ambiguous is set when another candidate scored the same
	Ambiguous bool
}

// Matched reports whether a candidate was selected
func (r MatchResult) Matched() bool {
	return r.Index >= 0
}

// MatchLine finds the best system entry for a statement line. The pool must
// only hold unassigned entries and be ordered oldest-created first; ties go
// to the earliest entry so repeated runs produce the same assignment.
func (p MatchPolicy) MatchLine(line models.StatementLine, pool []models.PaymentLedgerEntry) MatchResult {
	if idx := p.exactCandidate(line, pool); idx >= 0 {
		return MatchResult{Index: idx, Type: models.MatchExact, Confidence: decimal.NewFromInt(1)}
	}

	best := MatchResult{Index: -1, Type: models.MatchUnmatched, Confidence: decimal.Zero}
	for i := range pool {
		score, ok := p.fuzzyScore(line, pool[i])
		if !ok {
			continue
		}
		switch {
		case !best.Matched() || score.GreaterThan(best.Confidence):
			best = MatchResult{Index: i, Type: models.MatchFuzzy, Confidence: score}
		case score.Equal(best.Confidence):
			best.Ambiguous = true
		}
	}

	if best.Ambiguous {
		best.Confidence = best.Confidence.Div(decimal.NewFromInt(2)).Round(4)
	}
	return best
}

// Classify derives the item status, discrepancy and automatic resolution of a
// matched pair.
func (p MatchPolicy) Classify(statementAmount, systemAmount decimal.Decimal, result MatchResult) (models.ItemStatus, decimal.Decimal, models.ResolutionAction) {
	discrepancy := statementAmount.Sub(systemAmount)
	switch {
	case result.Ambiguous:
		return models.ItemPending, discrepancy, ""
	case discrepancy.IsZero():
		return models.ItemMatched, discrepancy, ""
	case discrepancy.Abs().LessThanOrEqual(p.NegligibleThreshold):
		return models.ItemResolved, discrepancy, models.ResolutionAcceptDifference
	default:
		return models.ItemDiscrepancy, discrepancy, ""
	}
}

func (p MatchPolicy) exactCandidate(line models.StatementLine, pool []models.PaymentLedgerEntry) int {
	ref := strings.TrimSpace(line.Reference)
	if ref == "" {
		return -1
	}
	for i := range pool {
		entry := &pool[i]
		if !currencyCompatible(line, entry) {
			continue
		}
		if !strings.EqualFold(ref, entry.TxnRef()) && !strings.EqualFold(ref, entry.ReferenceNumber) {
			continue
		}
		if line.Amount.Sub(entry.SignedAmount()).Abs().LessThanOrEqual(p.ExactAmountTolerance) {
			return i
		}
	}
	return -1
}

// fuzzyScore scores a candidate in [0, 0.95]; closer amount and date score higher
func (p MatchPolicy) fuzzyScore(line models.StatementLine, entry models.PaymentLedgerEntry) (decimal.Decimal, bool) {
	if !currencyCompatible(line, &entry) {
		return decimal.Zero, false
	}

	system := entry.SignedAmount()
	if line.Amount.Sign() != system.Sign() {
		return decimal.Zero, false
	}

	diff := line.Amount.Sub(system).Abs()
	tolerance := system.Abs().Mul(p.AmountTolerancePct).Div(decimal.NewFromInt(100))
	if diff.GreaterThan(tolerance) {
		return decimal.Zero, false
	}

	days := daysApart(line.Date, entry.PaymentDate)
	if days > p.DateWindowDays {
		return decimal.Zero, false
	}

	one := decimal.NewFromInt(1)
	amountScore := one
	if tolerance.IsPositive() {
		amountScore = one.Sub(diff.Div(tolerance))
	}
	dateScore := one.Sub(decimal.NewFromInt(int64(days)).Div(decimal.NewFromInt(int64(p.DateWindowDays + 1))))

	score := amountScore.Add(dateScore).Div(decimal.NewFromInt(2)).Mul(fuzzyConfidenceCap)
	return score.Round(4), true
}

func currencyCompatible(line models.StatementLine, entry *models.PaymentLedgerEntry) bool {
	return line.Currency == "" || strings.EqualFold(line.Currency, entry.Currency)
}

// daysApart counts calendar days between two instants in UTC
func daysApart(a, b time.Time) int {
	da := time.Date(a.UTC().Year(), a.UTC().Month(), a.UTC().Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.UTC().Year(), b.UTC().Month(), b.UTC().Day(), 0, 0, 0, 0, time.UTC)
	d := int(da.Sub(db).Hours() / 24)
	if d < 0 {
		return -d
	}
	return d
}
