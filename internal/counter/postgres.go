package counter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/surveyloop/quota-engine/internal/models"
)

// PostgresStore implements Store on the cell_counters/cell_admissions
// tables. The counter row is locked FOR UPDATE inside a transaction,
// so concurrent admissions into one cell serialize on that single row
// while other cells proceed untouched.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects via database/sql and verifies connectivity.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// TryAdmit performs the conditional increment. The row lock taken by
// SELECT ... FOR UPDATE is the serializing point; the read, the cap
// check and the write commit or roll back as one unit.
func (s *PostgresStore) TryAdmit(ctx context.Context, req AdmitRequest) (result AdmitResult, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AdmitResult{}, &StoreError{Op: "begin", Err: err}
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// Counter rows are created lazily on first reference.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cell_counters (cell_id, current_count, cap_reached)
		VALUES ($1, 0, FALSE)
		ON CONFLICT (cell_id) DO NOTHING
	`, req.CellID)
	if err != nil {
		return AdmitResult{}, &StoreError{Op: "init_counter", Err: err}
	}

	var count int64
	var latched bool
	err = tx.QueryRowContext(ctx, `
		SELECT current_count, cap_reached
		FROM cell_counters
		WHERE cell_id = $1
		FOR UPDATE
	`, req.CellID).Scan(&count, &latched)
	if err != nil {
		return AdmitResult{}, &StoreError{Op: "lock_counter", Err: err}
	}

	var replayed bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM cell_admissions
			WHERE cell_id = $1 AND respondent_id = $2
		)
	`, req.CellID, req.RespondentID).Scan(&replayed)
	if err != nil {
		return AdmitResult{}, &StoreError{Op: "check_replay", Err: err}
	}

	if replayed {
		if err = tx.Commit(); err != nil {
			return AdmitResult{}, &StoreError{Op: "commit", Err: err}
		}
		return AdmitResult{
			Admitted:   true,
			Count:      count,
			CapReached: latched,
			Replayed:   true,
			Warned:     req.QuotaType == models.QuotaSoft && latched,
		}, nil
	}

	post := count + 1
	reached := req.StopCondition.Reached(post, req.Cap)

	if req.QuotaType == models.QuotaHard && reached {
		tripped := !latched
		if tripped {
			if _, err = tx.ExecContext(ctx, `
				UPDATE cell_counters SET cap_reached = TRUE WHERE cell_id = $1
			`, req.CellID); err != nil {
				return AdmitResult{}, &StoreError{Op: "latch", Err: err}
			}
		}
		if err = tx.Commit(); err != nil {
			return AdmitResult{}, &StoreError{Op: "commit", Err: err}
		}
		return AdmitResult{
			Admitted:   false,
			Count:      count,
			CapReached: true,
			Tripped:    tripped,
		}, nil
	}

	nowLatched := latched || reached
	_, err = tx.ExecContext(ctx, `
		UPDATE cell_counters
		SET current_count = $2, cap_reached = $3, last_admitted_at = NOW()
		WHERE cell_id = $1
	`, req.CellID, post, nowLatched)
	if err != nil {
		return AdmitResult{}, &StoreError{Op: "increment", Err: err}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cell_admissions (cell_id, respondent_id, admitted_at)
		VALUES ($1, $2, NOW())
	`, req.CellID, req.RespondentID)
	if err != nil {
		return AdmitResult{}, &StoreError{Op: "record_admission", Err: err}
	}

	if err = tx.Commit(); err != nil {
		return AdmitResult{}, &StoreError{Op: "commit", Err: err}
	}

	return AdmitResult{
		Admitted:   true,
		Count:      post,
		CapReached: nowLatched,
		Tripped:    reached && !latched,
		Warned:     req.QuotaType == models.QuotaSoft && latched,
	}, nil
}

// GetCounter reads the cell's counter row.
func (s *PostgresStore) GetCounter(ctx context.Context, cellID string) (*models.CellCounter, error) {
	var counter models.CellCounter
	var last sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT cell_id, current_count, cap_reached, last_admitted_at
		FROM cell_counters
		WHERE cell_id = $1
	`, cellID).Scan(&counter.CellID, &counter.CurrentCount, &counter.CapReached, &last)

	if errors.Is(err, sql.ErrNoRows) {
		return &models.CellCounter{CellID: cellID}, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "get_counter", Err: err}
	}

	if last.Valid {
		t := last.Time.UTC()
		counter.LastAdmittedAt = &t
	}
	return &counter, nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
