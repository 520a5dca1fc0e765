package errors

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// reKeyField extracts the field from a unique violation detail: "Key (field)=(value) already exists.".
var reKeyField = regexp.MustCompile(`Key \(([^)]+)\)=`)

// constraintFields names the input field behind each postcron CHECK constraint.
var constraintFields = map[string]string{
	"scheduled_posts_platform_check":    "platform",
	"scheduled_posts_type_check":        "type",
	"scheduled_posts_status_check":      "status",
	"scheduled_posts_retry_bounds":      "max_retries",
	"credit_ledger_amount_check":        "amount",
	"social_credentials_platform_check": "platform",
}

// MapDBError maps database errors to AppError instances:
//   - no rows → NotFound
//   - unique violations → Conflict
//   - foreign key violations → ForeignKey
//   - check and NOT NULL violations → Validation
//   - context deadline/cancel → Timeout/Canceled
//
// Unrecognized errors are returned unchanged.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &AppError{Code: ErrCodeTimeout, Message: "Request timed out. Please try again.", Cause: err}
	case errors.Is(err, context.Canceled):
		return &AppError{Code: ErrCodeCanceled, Message: "Request was canceled.", Cause: err}
	case errors.Is(err, pgx.ErrNoRows), errors.Is(err, sql.ErrNoRows):
		return &AppError{Code: ErrCodeNotFound, Message: "Resource not found", Cause: err}
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		field := pgErr.ColumnName
		if field == "" {
			if m := reKeyField.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
				field = m[1]
			}
		}
		return &AppError{Code: ErrCodeConflict, Message: "This value already exists.", Field: field, Cause: pgErr}
	case pgerrcode.ForeignKeyViolation:
		return &AppError{
			Code:    ErrCodeForeignKey,
			Message: "Cannot complete operation because the referenced " + tableNoun(pgErr.TableName) + " does not exist.",
			Cause:   pgErr,
		}
	case pgerrcode.CheckViolation:
		return mapCheckViolation(pgErr)
	case pgerrcode.NotNullViolation:
		return &AppError{Code: ErrCodeValidation, Message: "This field is required.", Field: pgErr.ColumnName, Cause: pgErr}
	default:
		return &AppError{Code: ErrCodeInternal, Message: "A database error occurred. Please try again.", Cause: pgErr}
	}
}

func mapCheckViolation(pgErr *pgconn.PgError) error {
	// Raised by the scheduled_posts_guard_schedule trigger.
	if strings.Contains(pgErr.Message, "scheduled_for is immutable") {
		return &AppError{
			Code:    ErrCodeConflict,
			Message: "A scheduled post cannot be rescheduled.",
			Field:   "scheduled_for",
			Cause:   pgErr,
		}
	}

	field := pgErr.ColumnName
	if field == "" {
		field = constraintFields[pgErr.ConstraintName]
	}
	msg := "Invalid data. Please check your input."
	if field != "" {
		msg = "This field has an invalid value."
	}
	return &AppError{Code: ErrCodeValidation, Message: msg, Field: field, Cause: pgErr}
}

func tableNoun(table string) string {
	switch strings.ToLower(strings.TrimSpace(table)) {
	case "scheduled_posts", "credit_ledger":
		return "post"
	case "social_credentials":
		return "credential"
	case "":
		return "record"
	default:
		return strings.ReplaceAll(table, "_", " ")
	}
}
