package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

type recordingNotifier struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (n *recordingNotifier) Publish(_ context.Context, channel string, _ any) error {
	n.mu.Lock()
	n.published = append(n.published, channel)
	n.mu.Unlock()
	return n.err
}

func TestWithinCommitsThenPublishes(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	notifier := &recordingNotifier{}
	uow := NewUnitOfWork(db, notifier, nil)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE invoices SET status`).
		WithArgs("inv-1", "failed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = uow.Within(context.Background(), func(ctx context.Context, tx ports.TxScope) error {
		if err := tx.Store().UpdateStatus(ctx, "inv-1", domain.StatusFailed); err != nil {
			return err
		}
		tx.QueueNotification("invoices.inv-1.updated", map[string]any{"status": "failed"})
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(notifier.published) != 1 || notifier.published[0] != "invoices.inv-1.updated" {
		t.Fatalf("expected notification after commit, got %v", notifier.published)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithinRollsBackAndDropsNotifications(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	notifier := &recordingNotifier{}
	uow := NewUnitOfWork(db, notifier, nil)

	mock.ExpectBegin()
	mock.ExpectRollback()

	scopeErr := errors.New("scope failed")
	err = uow.Within(context.Background(), func(_ context.Context, tx ports.TxScope) error {
		tx.QueueNotification("invoices.inv-1.updated", nil)
		return scopeErr
	})
	if !errors.Is(err, scopeErr) {
		t.Fatalf("expected scope error, got %v", err)
	}

	if len(notifier.published) != 0 {
		t.Fatalf("no notification may be delivered on rollback, got %v", notifier.published)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithinSwallowsNotificationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	notifier := &recordingNotifier{err: errors.New("nats down")}
	uow := NewUnitOfWork(db, notifier, nil)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err = uow.Within(context.Background(), func(_ context.Context, tx ports.TxScope) error {
		tx.QueueNotification("invoices.inv-1.updated", nil)
		return nil
	})
	if err != nil {
		t.Fatalf("notification failure must not fail the unit of work, got %v", err)
	}
}
