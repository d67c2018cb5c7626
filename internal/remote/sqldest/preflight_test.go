package sqldest

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/dbsmedya/importguard/internal/logger"
)

// ============================================================================
// Test Helpers
// ============================================================================

func newMockPreflight(t *testing.T) (*PreflightChecker, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	checker, err := NewPreflightChecker(db, "_row_id", logger.NewNop())
	if err != nil {
		t.Fatalf("NewPreflightChecker failed: %v", err)
	}
	return checker, mock
}

func expectPassingChecks(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT ENGINE").WithArgs("contacts").
		WillReturnRows(sqlmock.NewRows([]string{"ENGINE"}).AddRow("InnoDB"))
	mock.ExpectQuery("SELECT EXTRA").WithArgs("contacts", "_row_id").
		WillReturnRows(sqlmock.NewRows([]string{"EXTRA"}).AddRow("auto_increment"))
	mock.ExpectQuery("SELECT EVENT_OBJECT_TABLE").WithArgs("contacts").
		WillReturnRows(sqlmock.NewRows([]string{"EVENT_OBJECT_TABLE", "TRIGGER_NAME", "EVENT_MANIPULATION"}))
	mock.ExpectQuery("SELECT kcu.TABLE_NAME").WithArgs("contacts").
		WillReturnRows(sqlmock.NewRows([]string{"TABLE_NAME", "COLUMN_NAME"}))
}

func asPreflightError(t *testing.T, err error) *PreflightError {
	t.Helper()
	var pe *PreflightError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected PreflightError, got %T: %v", err, err)
	}
	return pe
}

// ============================================================================
// NewPreflightChecker Tests
// ============================================================================

func TestNewPreflightChecker_NilDB(t *testing.T) {
	_, err := NewPreflightChecker(nil, "_row_id", nil)
	if err == nil {
		t.Error("Expected error for nil database")
	}
}

func TestNewPreflightChecker_EmptyRowIDColumn(t *testing.T) {
	db, _, _ := sqlmock.New()
	defer func() { _ = db.Close() }()

	_, err := NewPreflightChecker(db, "", nil)
	if err == nil {
		t.Error("Expected error for empty row id column")
	}
}

// ============================================================================
// RunAllChecks Tests
// ============================================================================

func TestRunAllChecks_Pass(t *testing.T) {
	checker, mock := newMockPreflight(t)
	expectPassingChecks(mock)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\)").WithArgs("contacts", "Email").
		WillReturnRows(sqlmock.NewRows([]string{"COUNT(*)"}).AddRow(1))

	if err := checker.RunAllChecks(context.Background(), "contacts", "Email", false); err != nil {
		t.Fatalf("Expected checks to pass, got: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestRunAllChecks_NoMatchingColumnSkipsIndexCheck(t *testing.T) {
	checker, mock := newMockPreflight(t)
	expectPassingChecks(mock)

	if err := checker.RunAllChecks(context.Background(), "contacts", "", false); err != nil {
		t.Fatalf("Expected checks to pass, got: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

// ============================================================================
// Individual Check Tests
// ============================================================================

func TestValidateStorageEngine_MissingTable(t *testing.T) {
	checker, mock := newMockPreflight(t)
	mock.ExpectQuery("SELECT ENGINE").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"ENGINE"}))

	pe := asPreflightError(t, checker.ValidateStorageEngine(context.Background(), "missing"))
	if pe.Check != "TABLE_EXISTENCE_CHECK" {
		t.Errorf("Expected TABLE_EXISTENCE_CHECK, got %s", pe.Check)
	}
}

func TestValidateStorageEngine_MyISAM(t *testing.T) {
	checker, mock := newMockPreflight(t)
	mock.ExpectQuery("SELECT ENGINE").WithArgs("contacts").
		WillReturnRows(sqlmock.NewRows([]string{"ENGINE"}).AddRow("MyISAM"))

	pe := asPreflightError(t, checker.ValidateStorageEngine(context.Background(), "contacts"))
	if pe.Check != "STORAGE_ENGINE_CHECK" {
		t.Errorf("Expected STORAGE_ENGINE_CHECK, got %s", pe.Check)
	}
	if len(pe.Tables) != 1 || pe.Tables[0] != "contacts(MyISAM)" {
		t.Errorf("Unexpected tables: %v", pe.Tables)
	}
}

func TestValidateRowIDColumn(t *testing.T) {
	tests := []struct {
		name    string
		rows    *sqlmock.Rows
		wantErr bool
	}{
		{"auto increment", sqlmock.NewRows([]string{"EXTRA"}).AddRow("auto_increment"), false},
		{"plain column", sqlmock.NewRows([]string{"EXTRA"}).AddRow(""), true},
		{"missing column", sqlmock.NewRows([]string{"EXTRA"}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker, mock := newMockPreflight(t)
			mock.ExpectQuery("SELECT EXTRA").WithArgs("contacts", "_row_id").WillReturnRows(tt.rows)

			err := checker.ValidateRowIDColumn(context.Background(), "contacts")
			if tt.wantErr {
				pe := asPreflightError(t, err)
				if pe.Check != "ROW_ID_COLUMN_CHECK" {
					t.Errorf("Expected ROW_ID_COLUMN_CHECK, got %s", pe.Check)
				}
			} else if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestValidateTriggers_Detected(t *testing.T) {
	checker, mock := newMockPreflight(t)
	mock.ExpectQuery("SELECT EVENT_OBJECT_TABLE").WithArgs("contacts").
		WillReturnRows(sqlmock.NewRows([]string{"EVENT_OBJECT_TABLE", "TRIGGER_NAME", "EVENT_MANIPULATION"}).
			AddRow("contacts", "audit_insert", "INSERT"))

	pe := asPreflightError(t, checker.ValidateTriggers(context.Background(), "contacts", false))
	if pe.Check != "TRIGGER_CHECK" {
		t.Errorf("Expected TRIGGER_CHECK, got %s", pe.Check)
	}
	if len(pe.Tables) != 1 || pe.Tables[0] != "contacts(INSERT audit_insert)" {
		t.Errorf("Unexpected tables: %v", pe.Tables)
	}
}

func TestValidateTriggers_Forced(t *testing.T) {
	checker, mock := newMockPreflight(t)
	mock.ExpectQuery("SELECT EVENT_OBJECT_TABLE").WithArgs("contacts").
		WillReturnRows(sqlmock.NewRows([]string{"EVENT_OBJECT_TABLE", "TRIGGER_NAME", "EVENT_MANIPULATION"}).
			AddRow("contacts", "audit_delete", "DELETE"))

	if err := checker.ValidateTriggers(context.Background(), "contacts", true); err != nil {
		t.Errorf("Expected forced trigger check to pass, got: %v", err)
	}
}

func TestWarnCascadeRules_IsNotAnError(t *testing.T) {
	checker, mock := newMockPreflight(t)
	mock.ExpectQuery("SELECT kcu.TABLE_NAME").WithArgs("contacts").
		WillReturnRows(sqlmock.NewRows([]string{"TABLE_NAME", "COLUMN_NAME"}).AddRow("notes", "contact_id"))

	if err := checker.WarnCascadeRules(context.Background(), "contacts"); err != nil {
		t.Errorf("Expected warning only, got: %v", err)
	}
}

func TestWarnUnindexedColumn_QueryError(t *testing.T) {
	checker, mock := newMockPreflight(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\)").WithArgs("contacts", "Email").
		WillReturnError(errors.New("connection lost"))

	if err := checker.WarnUnindexedColumn(context.Background(), "contacts", "Email"); err == nil {
		t.Error("Expected error when index lookup fails")
	}
}

func TestPreflightError_Error(t *testing.T) {
	err := &PreflightError{Check: "X", Message: "broken", Tables: []string{"a"}}
	if err.Error() != "X: broken (tables: [a])" {
		t.Errorf("Unexpected message: %s", err.Error())
	}
	err = &PreflightError{Check: "X", Message: "broken"}
	if err.Error() != "X: broken" {
		t.Errorf("Unexpected message: %s", err.Error())
	}
}
