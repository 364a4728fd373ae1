package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-service/internal/models"
)

// reconFixture holds three paid quotes and a four line statement:
// an exact match, a fuzzy match within a cent, and two lines with no
// counterpart, leaving one payment system-only.
type reconFixture struct {
	env     *testEnv
	quotes  [3]uuid.UUID
	entries [3]uuid.UUID
}

func newReconFixture(t *testing.T) *reconFixture {
	t.Helper()
	env := newTestEnv(t)
	f := &reconFixture{env: env}

	f.quotes[0] = env.quote(t, "100.00", "USD")
	f.quotes[1] = env.quote(t, "50.00", "USD")
	f.quotes[2] = env.quote(t, "20.00", "USD")
	f.entries[0] = env.pay(t, f.quotes[0], "100.00", "pi_1", testDay)
	f.entries[1] = env.pay(t, f.quotes[1], "50.00", "pi_2", testDay)
	f.entries[2] = env.pay(t, f.quotes[2], "20.00", "pi_3", daysAfter(1))
	return f
}

func (f *reconFixture) statement() []models.StatementLineInput {
	return []models.StatementLineInput{
		{Date: testDay, Amount: dec("100.00"), Currency: "USD", Reference: "pi_1", Description: "card settlement"},
		{Date: daysAfter(1), Amount: dec("49.99"), Currency: "USD"},
		{Date: daysAfter(2), Amount: dec("75.00"), Reference: "unknown"},
		{Date: daysAfter(10), Amount: dec("20.00"), Currency: "USD"},
	}
}

func (f *reconFixture) start(t *testing.T) *models.ReconciliationSession {
	t.Helper()
	session, err := f.env.recon.StartSession(context.Background(), StartSessionInput{
		PaymentMethod: "card",
		GatewayCode:   models.GatewayStripe,
		PeriodStart:   daysAfter(-1),
		PeriodEnd:     daysAfter(15),
		Lines:         f.statement(),
		CreatedBy:     "finance-1",
	})
	require.NoError(t, err)
	return session
}

func (f *reconFixture) run(t *testing.T) (*models.ReconciliationSession, []models.ReconciliationItem) {
	t.Helper()
	ctx := context.Background()
	session := f.start(t)
	session, err := f.env.recon.Run(ctx, session.ID)
	require.NoError(t, err)
	items, err := f.env.recon.ListItems(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, items, 5)
	return session, items
}

func TestReconciliation_StartSessionSnapshotsLedger(t *testing.T) {
	f := newReconFixture(t)
	session := f.start(t)

	assert.Equal(t, models.SessionInProgress, session.Status)
	assert.Equal(t, 4, session.TotalLines)
	assert.Equal(t, 3, session.SystemCount)
	assertDecimal(t, "244.99", session.StatementTotal)
	assertDecimal(t, "170.00", session.SystemTotal)
	assert.Nil(t, session.MatchingCompletedAt)
	assert.False(t, session.AsOf.IsZero())
}

func TestReconciliation_RunClassifiesEveryLineAndEntry(t *testing.T) {
	f := newReconFixture(t)
	session, items := f.run(t)

	require.NotNil(t, session.MatchingCompletedAt)
	assert.Equal(t, 4, session.LastProcessedLine)
	assert.Equal(t, 3, session.UnmatchedCount)

	exact := items[0]
	assert.Equal(t, models.MatchExact, exact.MatchType)
	assert.Equal(t, models.ItemMatched, exact.Status)
	require.NotNil(t, exact.PaymentLedgerID)
	assert.Equal(t, f.entries[0], *exact.PaymentLedgerID)
	assertDecimal(t, "1", exact.MatchConfidence)
	assert.Equal(t, "pi_1", exact.SystemReference)

	fuzzy := items[1]
	assert.Equal(t, models.MatchFuzzy, fuzzy.MatchType)
	assert.Equal(t, models.ItemResolved, fuzzy.Status)
	assert.Equal(t, models.ResolutionAcceptDifference, fuzzy.ResolutionAction)
	assert.Equal(t, "system", fuzzy.ResolvedBy)
	require.NotNil(t, fuzzy.PaymentLedgerID)
	assert.Equal(t, f.entries[1], *fuzzy.PaymentLedgerID)
	assertDecimal(t, "-0.01", fuzzy.DiscrepancyAmount)
	assertDecimal(t, "0.8218", fuzzy.MatchConfidence)

	for _, statementOnly := range items[2:4] {
		assert.Equal(t, models.MatchUnmatched, statementOnly.MatchType)
		assert.Equal(t, models.ItemDiscrepancy, statementOnly.Status)
		assert.Nil(t, statementOnly.PaymentLedgerID)
		require.NotNil(t, statementOnly.StatementAmount)
		assert.True(t, statementOnly.DiscrepancyAmount.Equal(*statementOnly.StatementAmount))
	}

	systemOnly := items[4]
	assert.Equal(t, 5, systemOnly.Sequence)
	assert.Equal(t, models.MatchUnmatched, systemOnly.MatchType)
	assert.Equal(t, models.ItemDiscrepancy, systemOnly.Status)
	assert.Nil(t, systemOnly.StatementLineID)
	require.NotNil(t, systemOnly.PaymentLedgerID)
	assert.Equal(t, f.entries[2], *systemOnly.PaymentLedgerID)
	assertDecimal(t, "-20.00", systemOnly.DiscrepancyAmount)

	summary, err := f.env.recon.Summary(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ExactMatches)
	assert.Equal(t, 1, summary.FuzzyMatches)
	assert.Equal(t, 0, summary.ManualMatches)
	assert.Equal(t, 3, summary.Unmatched)
	assert.Equal(t, 3, summary.Unresolved)
	assertDecimal(t, "74.99", summary.TotalDiscrepancy)
}

func TestReconciliation_CompleteBlocksOnUnresolvedItems(t *testing.T) {
	f := newReconFixture(t)
	ctx := context.Background()
	session, items := f.run(t)

	_, err := f.env.recon.Complete(ctx, session.ID, false, "finance-1")
	require.Error(t, err)
	var unresolved *models.UnresolvedDiscrepanciesError
	require.True(t, errors.As(err, &unresolved))
	assert.Equal(t, 3, unresolved.Count)
	assert.ErrorIs(t, err, models.ErrUnresolvedDiscrepancies)

	// line 4 is the late settlement of pi_3
	matched, err := f.env.recon.ManualMatch(ctx, items[3].ID, f.entries[2], "settled late", "finance-1")
	require.NoError(t, err)
	assert.Equal(t, models.MatchManual, matched.MatchType)
	assert.Equal(t, models.ItemMatched, matched.Status)
	assert.Equal(t, "settled late", matched.Notes)

	_, err = f.env.recon.ResolveItem(ctx, items[2].ID, ResolveInput{Action: models.ResolutionWriteOff, Notes: "bank fee reversal", Actor: "finance-1"})
	require.NoError(t, err)

	after, err := f.env.recon.ListItems(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemIgnored, after[4].Status)

	completed, err := f.env.recon.Complete(ctx, session.ID, false, "finance-2")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, completed.Status)
	assert.False(t, completed.Override)
	assert.Equal(t, 1, completed.UnmatchedCount)
	assert.Equal(t, "finance-2", completed.CompletedBy)
	require.NotNil(t, completed.CompletedAt)

	_, err = f.env.recon.Run(ctx, session.ID)
	assert.ErrorIs(t, err, models.ErrSessionClosed)
	_, err = f.env.recon.ResolveItem(ctx, items[4].ID, ResolveInput{Action: models.ResolutionWriteOff, Actor: "finance-1"})
	assert.ErrorIs(t, err, models.ErrSessionClosed)
	_, err = f.env.recon.Complete(ctx, session.ID, true, "finance-1")
	assert.ErrorIs(t, err, models.ErrSessionClosed)
}

func TestReconciliation_CompleteWithOverride(t *testing.T) {
	f := newReconFixture(t)
	ctx := context.Background()
	session, _ := f.run(t)

	completed, err := f.env.recon.Complete(ctx, session.ID, true, "controller")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, completed.Status)
	assert.True(t, completed.Override)
	assert.Equal(t, 3, completed.UnmatchedCount)

	stored, err := f.env.recon.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, stored.Status)
}

func TestReconciliation_CompleteBeforeMatching(t *testing.T) {
	f := newReconFixture(t)
	session := f.start(t)

	_, err := f.env.recon.Complete(context.Background(), session.ID, true, "finance-1")
	assert.ErrorIs(t, err, models.ErrMatchingIncomplete)
}

func TestReconciliation_ManualMatchRules(t *testing.T) {
	f := newReconFixture(t)
	ctx := context.Background()
	_, items := f.run(t)

	_, err := f.env.recon.ManualMatch(ctx, items[2].ID, f.entries[0], "", "finance-1")
	assert.ErrorIs(t, err, models.ErrLedgerEntryAlreadyMatched)

	_, err = f.env.recon.ManualMatch(ctx, items[4].ID, f.entries[2], "", "finance-1")
	assert.ErrorIs(t, err, models.ErrInvalidResolution)

	_, err = f.env.recon.ManualMatch(ctx, items[0].ID, f.entries[0], "", "finance-1")
	assert.ErrorIs(t, err, models.ErrInvalidResolution)

	_, err = f.env.recon.ManualMatch(ctx, items[2].ID, uuid.New(), "", "finance-1")
	assert.ErrorIs(t, err, models.ErrEntryNotFound)

	// 75 against 20 stays a discrepancy
	mismatched, err := f.env.recon.ManualMatch(ctx, items[2].ID, f.entries[2], "", "finance-1")
	require.NoError(t, err)
	assert.Equal(t, models.ItemDiscrepancy, mismatched.Status)
	assertDecimal(t, "55.00", mismatched.DiscrepancyAmount)
}

func TestReconciliation_AdjustmentsGoThroughLedger(t *testing.T) {
	f := newReconFixture(t)
	ctx := context.Background()
	_, items := f.run(t)

	// system-only pi_3: the money never arrived
	resolved, err := f.env.recon.ResolveItem(ctx, items[4].ID, ResolveInput{
		Action: models.ResolutionCreateAdjustment,
		Notes:  "charge reversed by issuer",
		Actor:  "finance-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ItemResolved, resolved.Status)
	assert.Equal(t, models.ResolutionCreateAdjustment, resolved.ResolutionAction)
	require.NotNil(t, resolved.AdjustmentEntryID)

	adjustment, err := f.env.ledger.Get(ctx, *resolved.AdjustmentEntryID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentTypeAdjustment, adjustment.Type)
	assertDecimal(t, "-20.00", adjustment.Amount)
	assert.Equal(t, f.quotes[2], adjustment.QuoteID)
	assert.Equal(t, "finance-1", adjustment.CreatedBy)

	third := f.env.paymentStatus(t, f.quotes[2])
	assertDecimal(t, "0", third.AmountPaid)
	assert.Equal(t, models.QuoteUnpaid, third.PaymentStatus)

	_, err = f.env.recon.ResolveItem(ctx, items[4].ID, ResolveInput{Action: models.ResolutionCreateAdjustment, Actor: "finance-1"})
	assert.ErrorIs(t, err, models.ErrInvalidResolution)

	// statement-only lines need a quote to book against
	_, err = f.env.recon.ResolveItem(ctx, items[2].ID, ResolveInput{Action: models.ResolutionCreateAdjustment, Actor: "finance-1"})
	assert.ErrorIs(t, err, models.ErrInvalidResolution)

	_, err = f.env.recon.ResolveItem(ctx, items[2].ID, ResolveInput{
		Action:  models.ResolutionCreateAdjustment,
		Actor:   "finance-1",
		QuoteID: &f.quotes[0],
	})
	require.NoError(t, err)

	first := f.env.paymentStatus(t, f.quotes[0])
	assertDecimal(t, "175.00", first.AmountPaid)
	assert.Equal(t, models.QuoteOverpaid, first.PaymentStatus)

	entries, err := f.env.ledger.ListByQuote(ctx, f.quotes[0])
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "recon-adjustment:"+items[2].ID.String(), entries[1].TxnRef())
	assert.Equal(t, "USD", entries[1].Currency)
}

func TestReconciliation_LaterSessionsSkipBookedAdjustments(t *testing.T) {
	f := newReconFixture(t)
	ctx := context.Background()
	_, items := f.run(t)

	// the line dated inside the period is booked as a stripe card adjustment
	resolved, err := f.env.recon.ResolveItem(ctx, items[2].ID, ResolveInput{
		Action:  models.ResolutionCreateAdjustment,
		Actor:   "finance-1",
		QuoteID: &f.quotes[0],
	})
	require.NoError(t, err)
	require.NotNil(t, resolved.AdjustmentEntryID)

	adjustment, err := f.env.ledger.Get(ctx, *resolved.AdjustmentEntryID)
	require.NoError(t, err)
	assert.Equal(t, models.GatewayStripe, adjustment.GatewayCode)
	assert.True(t, adjustment.PaymentDate.Equal(daysAfter(2)))

	again := f.start(t)
	assert.Equal(t, 3, again.SystemCount)
	assertDecimal(t, "170.00", again.SystemTotal)

	again, err = f.env.recon.Run(ctx, again.ID)
	require.NoError(t, err)
	rerun, err := f.env.recon.ListItems(ctx, again.ID)
	require.NoError(t, err)
	require.Len(t, rerun, 5)
	assert.Equal(t, models.MatchUnmatched, rerun[2].MatchType)
	assert.Nil(t, rerun[2].PaymentLedgerID)
}

func TestReconciliation_ResolveValidation(t *testing.T) {
	f := newReconFixture(t)
	ctx := context.Background()
	_, items := f.run(t)

	_, err := f.env.recon.ResolveItem(ctx, items[3].ID, ResolveInput{Action: "delete", Actor: "finance-1"})
	assert.ErrorIs(t, err, models.ErrInvalidResolution)

	_, err = f.env.recon.ResolveItem(ctx, uuid.New(), ResolveInput{Action: models.ResolutionWriteOff})
	assert.ErrorIs(t, err, models.ErrItemNotFound)

	investigating, err := f.env.recon.ResolveItem(ctx, items[3].ID, ResolveInput{
		Action: models.ResolutionInvestigate,
		Notes:  "asked the bank",
		Actor:  "finance-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ItemDiscrepancy, investigating.Status)
	assert.Equal(t, models.ResolutionInvestigate, investigating.ResolutionAction)
	assert.Nil(t, investigating.ResolvedAt)

	ignored, err := f.env.recon.IgnoreItem(ctx, items[3].ID, "duplicate line", "finance-1")
	require.NoError(t, err)
	assert.Equal(t, models.ItemIgnored, ignored.Status)

	_, err = f.env.recon.IgnoreItem(ctx, items[3].ID, "again", "finance-1")
	assert.ErrorIs(t, err, models.ErrInvalidResolution)
}

func TestReconciliation_RunResumesFromCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	quoteA := env.quote(t, "100.00", "USD")
	quoteB := env.quote(t, "100.00", "USD")
	entryA := env.pay(t, quoteA, "100.00", "pi_a", testDay)
	entryB := env.pay(t, quoteB, "100.00", "pi_b", testDay)

	session, err := env.recon.StartSession(ctx, StartSessionInput{
		GatewayCode: models.GatewayStripe,
		PeriodStart: daysAfter(-1),
		PeriodEnd:   daysAfter(1),
		Lines: []models.StatementLineInput{
			{Date: testDay, Amount: dec("100.00"), Reference: "pi_a"},
			{Date: testDay, Amount: dec("100.00"), Reference: "pi_a"},
		},
	})
	require.NoError(t, err)

	// an earlier run recorded line 1 and stopped
	lines, err := env.repo.ListStatementLinesAfter(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	amount := lines[0].Amount
	system := dec("100.00")
	require.NoError(t, env.repo.CreateItem(ctx, &models.ReconciliationItem{
		SessionID:       session.ID,
		Sequence:        1,
		StatementLineID: &lines[0].ID,
		StatementAmount: &amount,
		PaymentLedgerID: &entryA,
		SystemAmount:    &system,
		MatchType:       models.MatchExact,
		MatchConfidence: dec("1"),
		Status:          models.ItemMatched,
	}))
	stored, err := env.repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	stored.LastProcessedLine = 1
	require.NoError(t, env.repo.UpdateSession(ctx, stored))

	finished, err := env.recon.Run(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, finished.MatchingCompletedAt)

	items, err := env.recon.ListItems(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].Sequence)
	assert.Equal(t, entryA, *items[0].PaymentLedgerID)

	// the duplicated reference cannot claim pi_a twice
	assert.Equal(t, 2, items[1].Sequence)
	assert.Equal(t, models.MatchFuzzy, items[1].MatchType)
	require.NotNil(t, items[1].PaymentLedgerID)
	assert.Equal(t, entryB, *items[1].PaymentLedgerID)

	// matching already finished, so another run changes nothing
	again, err := env.recon.Run(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, finished.MatchingCompletedAt.Unix(), again.MatchingCompletedAt.Unix())
	items, err = env.recon.ListItems(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestReconciliation_SameInputsSameOutcome(t *testing.T) {
	f := newReconFixture(t)

	_, first := f.run(t)
	_, second := f.run(t)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Sequence, second[i].Sequence)
		assert.Equal(t, first[i].MatchType, second[i].MatchType)
		assert.Equal(t, first[i].Status, second[i].Status)
		assert.Equal(t, first[i].PaymentLedgerID, second[i].PaymentLedgerID)
		assert.True(t, first[i].MatchConfidence.Equal(second[i].MatchConfidence), "item %d", i)
		assert.True(t, first[i].DiscrepancyAmount.Equal(second[i].DiscrepancyAmount), "item %d", i)
	}
}

func TestReconciliation_LaterPaymentsStayOutOfSnapshot(t *testing.T) {
	f := newReconFixture(t)
	ctx := context.Background()
	session := f.start(t)

	// arrives after the session fixed its snapshot and would match line 3
	late := f.env.quote(t, "75.00", "USD")
	f.env.pay(t, late, "75.00", "pi_late", daysAfter(2))

	_, err := f.env.recon.Run(ctx, session.ID)
	require.NoError(t, err)

	items, err := f.env.recon.ListItems(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, items, 5)
	assert.Equal(t, models.MatchUnmatched, items[2].MatchType)
	assert.Nil(t, items[2].PaymentLedgerID)
}

func TestReconciliation_ResumeUnfinished(t *testing.T) {
	f := newReconFixture(t)
	ctx := context.Background()
	first := f.start(t)
	second := f.start(t)

	done, err := f.env.recon.ResumeUnfinished(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, done)

	for _, id := range []uuid.UUID{first.ID, second.ID} {
		session, err := f.env.recon.Get(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, session.MatchingCompletedAt)
		assert.Equal(t, 4, session.LastProcessedLine)
	}

	done, err = f.env.recon.ResumeUnfinished(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, done)
}

func TestReconciliation_StartSessionValidation(t *testing.T) {
	f := newReconFixture(t)
	ctx := context.Background()

	_, err := f.env.recon.StartSession(ctx, StartSessionInput{PeriodStart: daysAfter(1), PeriodEnd: testDay})
	assert.ErrorIs(t, err, models.ErrInvalidStatement)

	_, err = f.env.recon.StartSession(ctx, StartSessionInput{
		PeriodStart: testDay,
		PeriodEnd:   daysAfter(1),
		Lines:       []models.StatementLineInput{{Amount: dec("10")}},
	})
	assert.ErrorIs(t, err, models.ErrInvalidStatement)

	missing := uuid.New()
	_, err = f.env.recon.StartSession(ctx, StartSessionInput{PeriodStart: testDay, PeriodEnd: daysAfter(1), PreviousSessionID: &missing})
	assert.ErrorIs(t, err, models.ErrSessionNotFound)

	open := f.start(t)
	_, err = f.env.recon.StartSession(ctx, StartSessionInput{PeriodStart: testDay, PeriodEnd: daysAfter(1), PreviousSessionID: &open.ID})
	assert.ErrorIs(t, err, models.ErrInvalidStatement)

	_, err = f.env.recon.Run(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}
