package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/danieloza/backoffice/internal/domain"
	"github.com/danieloza/backoffice/internal/usecase"
)

const (
	demoEmail    = "demo@local.test"
	demoPassword = "demo12345"
	demoCredits  = 100
)

// seedDemo creates a demo account with a starting credit balance for local
// smoke testing. Re-runs are no-ops: the account conflict short-circuits and
// the grant carries a fixed idempotency key. Failures are logged, never
// fatal, so a broken seed cannot keep the server down.
func seedDemo(ctx context.Context, tx domain.TxRunner, auth usecase.AuthService, ledger usecase.LedgerService) {
	issued, err := auth.Register(ctx, demoEmail, demoPassword)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			slog.Info("demo user already seeded", slog.String("email", demoEmail))
			return
		}
		slog.Error("demo seed failed", slog.Any("error", err))
		return
	}
	err = tx.WithTx(ctx, func(ctx domain.Context) error {
		_, err := ledger.Adjust(ctx, issued.User.ID, demoCredits, "demo_seed", "demo:initial_grant")
		return err
	})
	if err != nil {
		slog.Error("demo grant failed", slog.Any("error", err))
		return
	}
	slog.Info("demo user seeded",
		slog.String("email", demoEmail),
		slog.Int64("user_id", issued.User.ID),
		slog.Int("credits", demoCredits))
}
