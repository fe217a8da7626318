package postgres

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

// UnitOfWork wraps invoice mutations in one transaction and delivers change
// notifications only after a successful commit. Notification failure is
// logged and swallowed; it never rolls back committed state.
type UnitOfWork struct {
	db       *sql.DB
	notifier ports.Notifier
	logger   *slog.Logger
}

func NewUnitOfWork(db *sql.DB, notifier ports.Notifier, logger *slog.Logger) *UnitOfWork {
	if logger == nil {
		logger = slog.Default()
	}
	return &UnitOfWork{db: db, notifier: notifier, logger: logger}
}

type queuedNotification struct {
	channel string
	payload any
}

type txScope struct {
	store         invoiceStore
	notifications []queuedNotification
}

func (s *txScope) Store() ports.InvoiceStore { return s.store }

func (s *txScope) QueueNotification(channel string, payload any) {
	s.notifications = append(s.notifications, queuedNotification{channel: channel, payload: payload})
}

func (u *UnitOfWork) Within(ctx context.Context, fn func(ctx context.Context, tx ports.TxScope) error) error {
	sqlTx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "begin tx", err)
	}

	scope := &txScope{store: invoiceStore{q: sqlTx, locking: true}}

	if err := fn(ctx, scope); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			u.logger.Error("uow.rollback_failed", "error", rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return domain.WrapError(domain.ErrPersistence, "commit tx", err)
	}

	for _, note := range scope.notifications {
		if err := u.notifier.Publish(ctx, note.channel, note.payload); err != nil {
			u.logger.Warn("uow.notify_failed", "channel", note.channel, "error", err)
		}
	}
	return nil
}
