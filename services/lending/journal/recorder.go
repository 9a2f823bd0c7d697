package journal

import (
	"context"
	"errors"
	"log/slog"

	"lendingcore/services/lending/engine"
)

// Recording decorates an engine so every balance-changing call lands in the
// journal. Reads pass through untouched.
type Recording struct {
	engine.Engine
	journal *Journal
	logger  *slog.Logger
}

var _ engine.Engine = (*Recording)(nil)

// Wrap returns eng unchanged when j is nil.
func Wrap(eng engine.Engine, j *Journal, logger *slog.Logger) engine.Engine {
	if j == nil {
		return eng
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recording{Engine: eng, journal: j, logger: logger}
}

func (r *Recording) Deposit(ctx context.Context, owner, asset, amount string) (engine.Receipt, error) {
	receipt, err := r.Engine.Deposit(ctx, owner, asset, amount)
	r.record(ctx, "deposit", owner, asset, amount, receipt, err)
	return receipt, err
}

func (r *Recording) Borrow(ctx context.Context, owner, asset, amount string) (engine.Receipt, error) {
	receipt, err := r.Engine.Borrow(ctx, owner, asset, amount)
	r.record(ctx, "borrow", owner, asset, amount, receipt, err)
	return receipt, err
}

func (r *Recording) Repay(ctx context.Context, owner, asset, amount string) (engine.Receipt, error) {
	receipt, err := r.Engine.Repay(ctx, owner, asset, amount)
	r.record(ctx, "repay", owner, asset, amount, receipt, err)
	return receipt, err
}

func (r *Recording) Withdraw(ctx context.Context, owner, asset, amount string) (engine.Receipt, error) {
	receipt, err := r.Engine.Withdraw(ctx, owner, asset, amount)
	r.record(ctx, "withdraw", owner, asset, amount, receipt, err)
	return receipt, err
}

// History exposes the journal to the HTTP layer.
func (r *Recording) History(ctx context.Context, owner string, limit int) ([]Entry, error) {
	return r.journal.History(ctx, owner, limit)
}

func (r *Recording) record(ctx context.Context, op, owner, asset, amount string, receipt engine.Receipt, opErr error) {
	entry := Entry{
		Operation: op,
		Owner:     owner,
		Asset:     asset,
		Amount:    amount,
		Outcome:   outcomeOf(opErr),
	}
	if opErr == nil {
		entry.Asset = receipt.Asset
		entry.Amount = receipt.Amount
		entry.Shares = receipt.Shares
		entry.CreatedAt = receipt.Timestamp
	} else {
		entry.Error = opErr.Error()
	}
	// The operation has already settled; a journal outage must not fail it.
	if _, err := r.journal.Record(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Error("journal write failed",
			slog.String("operation", op),
			slog.String("outcome", entry.Outcome),
			slog.Any("error", err))
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeCommitted
	case errors.Is(err, engine.ErrInternal), errors.Is(err, engine.ErrUnavailable), errors.Is(err, engine.ErrTransferFailed):
		return OutcomeFailed
	default:
		return OutcomeRejected
	}
}
