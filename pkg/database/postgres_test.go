package database

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"zapbot/pkg/logging"
)

func TestConnectRequiresURL(t *testing.T) {
	if _, err := Connect(context.Background(), DefaultConfig(), logging.NewDiscardLogger()); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestMigrateAppliesSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ledger_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := Migrate(context.Background(), db, logging.NewDiscardLogger()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMigrateReturnsExecError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))

	if err := Migrate(context.Background(), db, logging.NewDiscardLogger()); err == nil {
		t.Fatal("expected migrate error")
	}
}
