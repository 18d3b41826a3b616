package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/surveyloop/quota-engine/internal/models"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int32
	MaxIdleConns int32
	MaxLifetime  time.Duration
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = cfg.MaxOpenConns
	} else {
		poolConfig.MaxConns = 25 // default
	}

	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = cfg.MaxIdleConns
	} else {
		poolConfig.MinConns = 5 // default
	}

	if cfg.MaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxLifetime
	} else {
		poolConfig.MaxConnLifetime = 30 * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const policyColumns = `id, survey_id, question_id, name, description, quota_type, stop_condition, when_met, action_payload, metadata, is_enabled, created_at, deleted_at`

// ListActivePolicies returns the enabled, non-deleted policies for a
// survey in creation order, cells attached and conditions parsed. With
// a question id only policies bound to that question are returned;
// without one, every enabled policy for the survey.
func (r *PostgresRepository) ListActivePolicies(ctx context.Context, surveyID, questionID string) ([]*models.QuotaPolicy, error) {
	query := `
		SELECT ` + policyColumns + `
		FROM quota_policies
		WHERE survey_id = $1 AND is_enabled = TRUE AND deleted_at IS NULL
	`
	args := []interface{}{surveyID}

	if questionID != "" {
		query += " AND question_id = $2"
		args = append(args, questionID)
	}

	query += " ORDER BY created_at, id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var policies []*models.QuotaPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policies: %w", err)
	}

	if err := r.attachCells(ctx, policies); err != nil {
		return nil, err
	}

	return policies, nil
}

// GetPolicy retrieves a policy with its cells, or nil if not found.
func (r *PostgresRepository) GetPolicy(ctx context.Context, id string) (*models.QuotaPolicy, error) {
	query := `
		SELECT ` + policyColumns + `
		FROM quota_policies
		WHERE id = $1 AND deleted_at IS NULL
	`

	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get policy: %w", err)
		}
		return nil, nil // Not found
	}

	p, err := scanPolicy(rows)
	if err != nil {
		return nil, err
	}
	rows.Close()

	if err := r.attachCells(ctx, []*models.QuotaPolicy{p}); err != nil {
		return nil, err
	}

	return p, nil
}

// UpsertPolicy writes a policy and its cells, used when seeding
// authored policy documents at startup.
func (r *PostgresRepository) UpsertPolicy(ctx context.Context, policy *models.QuotaPolicy) error {
	actionJSON, err := json.Marshal(policy.ActionPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal action payload: %w", err)
	}
	metadataJSON, err := json.Marshal(policy.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO quota_policies (id, survey_id, question_id, name, description, quota_type, stop_condition, when_met, action_payload, metadata, is_enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE
		SET survey_id = EXCLUDED.survey_id,
		    question_id = EXCLUDED.question_id,
		    name = EXCLUDED.name,
		    description = EXCLUDED.description,
		    quota_type = EXCLUDED.quota_type,
		    stop_condition = EXCLUDED.stop_condition,
		    when_met = EXCLUDED.when_met,
		    action_payload = EXCLUDED.action_payload,
		    metadata = EXCLUDED.metadata,
		    is_enabled = EXCLUDED.is_enabled
	`,
		policy.ID,
		policy.SurveyID,
		nullString(policy.QuestionID),
		policy.Name,
		nullString(policy.Description),
		string(policy.QuotaType),
		string(policy.StopCondition),
		string(policy.WhenMet),
		actionJSON,
		metadataJSON,
		policy.IsEnabled,
		policy.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert policy: %w", err)
	}

	for _, cell := range policy.Cells {
		condition := []byte(cell.Condition)
		if len(condition) == 0 {
			condition = []byte("null")
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO quota_cells (id, policy_id, label, cap, condition, target_option_id, is_enabled, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE
			SET label = EXCLUDED.label,
			    cap = EXCLUDED.cap,
			    condition = EXCLUDED.condition,
			    target_option_id = EXCLUDED.target_option_id,
			    is_enabled = EXCLUDED.is_enabled
		`,
			cell.ID,
			policy.ID,
			cell.Label,
			cell.Cap,
			condition,
			nullString(cell.TargetOptionID),
			cell.IsEnabled,
			cell.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert cell %s: %w", cell.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit policy upsert: %w", err)
	}

	return nil
}

// ListCellsForSurvey returns every enabled cell of the survey's
// non-deleted policies, for counter dashboards and the live feed.
func (r *PostgresRepository) ListCellsForSurvey(ctx context.Context, surveyID string) ([]*models.QuotaCell, error) {
	query := `
		SELECT c.id, c.policy_id, c.label, c.cap, c.condition, c.target_option_id, c.is_enabled, c.created_at
		FROM quota_cells c
		JOIN quota_policies p ON p.id = c.policy_id
		WHERE p.survey_id = $1 AND p.deleted_at IS NULL AND c.is_enabled = TRUE
		ORDER BY c.created_at, c.id
	`

	rows, err := r.pool.Query(ctx, query, surveyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cells: %w", err)
	}
	defer rows.Close()

	var cells []*models.QuotaCell
	for rows.Next() {
		cell, err := scanCell(rows)
		if err != nil {
			return nil, err
		}
		cells = append(cells, cell)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cells: %w", err)
	}

	return cells, nil
}

// ListCloseSurveyCells returns the cells of enabled hard close_survey
// policies on surveys that are still open. The reconcile worker checks
// their counters to re-apply missed closures.
func (r *PostgresRepository) ListCloseSurveyCells(ctx context.Context) ([]models.CloseSurveyCell, error) {
	query := `
		SELECT p.survey_id, p.id, c.id
		FROM quota_cells c
		JOIN quota_policies p ON p.id = c.policy_id
		JOIN surveys s ON s.id = p.survey_id
		WHERE s.status = 'open'
		  AND p.is_enabled = TRUE AND p.deleted_at IS NULL
		  AND p.quota_type = 'hard' AND p.when_met = 'close_survey'
		  AND c.is_enabled = TRUE
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list close_survey cells: %w", err)
	}
	defer rows.Close()

	var cells []models.CloseSurveyCell
	for rows.Next() {
		var c models.CloseSurveyCell
		if err := rows.Scan(&c.SurveyID, &c.PolicyID, &c.CellID); err != nil {
			return nil, fmt.Errorf("failed to scan close_survey cell: %w", err)
		}
		cells = append(cells, c)
	}

	return cells, rows.Err()
}

// EnsureSurvey creates a survey row in the open state if absent.
func (r *PostgresRepository) EnsureSurvey(ctx context.Context, surveyID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO surveys (id, status, created_at)
		VALUES ($1, 'open', NOW())
		ON CONFLICT (id) DO NOTHING
	`, surveyID)
	if err != nil {
		return fmt.Errorf("failed to ensure survey: %w", err)
	}
	return nil
}

// CloseSurvey flips a survey to closed so it stops accepting new
// respondents. Idempotent.
func (r *PostgresRepository) CloseSurvey(ctx context.Context, surveyID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE surveys SET status = 'closed', closed_at = NOW()
		WHERE id = $1 AND status <> 'closed'
	`, surveyID)
	if err != nil {
		return fmt.Errorf("failed to close survey: %w", err)
	}
	return nil
}

// GetClientByApiKey retrieves an API client by its key
func (r *PostgresRepository) GetClientByApiKey(ctx context.Context, apiKey string) (*models.ApiClient, error) {
	query := `
		SELECT id, name, api_key, is_active, created_at, last_used_at, permissions, metadata
		FROM api_clients
		WHERE api_key = $1
	`

	var client models.ApiClient
	var lastUsedAt sql.NullTime
	var permissionsJSON, metadataJSON []byte

	err := r.pool.QueryRow(ctx, query, apiKey).Scan(
		&client.ID,
		&client.Name,
		&client.ApiKey,
		&client.IsActive,
		&client.CreatedAt,
		&lastUsedAt,
		&permissionsJSON,
		&metadataJSON,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get api client: %w", err)
	}

	if lastUsedAt.Valid {
		client.LastUsedAt = &lastUsedAt.Time
	}

	if permissionsJSON != nil {
		if err := json.Unmarshal(permissionsJSON, &client.Permissions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
		}
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &client.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &client, nil
}

// UpdateClientLastUsed updates the last_used_at timestamp for a client
func (r *PostgresRepository) UpdateClientLastUsed(ctx context.Context, apiKey string) error {
	query := `UPDATE api_clients SET last_used_at = NOW() WHERE api_key = $1`

	_, err := r.pool.Exec(ctx, query, apiKey)
	if err != nil {
		return fmt.Errorf("failed to update client last_used_at: %w", err)
	}

	return nil
}

// attachCells loads the cells for the given policies in one query and
// parses each cell's condition document once.
func (r *PostgresRepository) attachCells(ctx context.Context, policies []*models.QuotaPolicy) error {
	if len(policies) == 0 {
		return nil
	}

	byID := make(map[string]*models.QuotaPolicy, len(policies))
	ids := make([]string, 0, len(policies))
	for _, p := range policies {
		byID[p.ID] = p
		ids = append(ids, p.ID)
	}

	query := `
		SELECT id, policy_id, label, cap, condition, target_option_id, is_enabled, created_at
		FROM quota_cells
		WHERE policy_id = ANY($1)
		ORDER BY created_at, id
	`

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return fmt.Errorf("failed to load cells: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		cell, err := scanCell(rows)
		if err != nil {
			return err
		}
		if p, ok := byID[cell.PolicyID]; ok {
			p.Cells = append(p.Cells, cell)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating cells: %w", err)
	}

	return nil
}

func scanPolicy(rows pgx.Rows) (*models.QuotaPolicy, error) {
	var p models.QuotaPolicy
	var questionID, description sql.NullString
	var quotaType, stopCondition, whenMet string
	var actionJSON, metadataJSON []byte
	var deletedAt sql.NullTime

	err := rows.Scan(
		&p.ID,
		&p.SurveyID,
		&questionID,
		&p.Name,
		&description,
		&quotaType,
		&stopCondition,
		&whenMet,
		&actionJSON,
		&metadataJSON,
		&p.IsEnabled,
		&p.CreatedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan policy: %w", err)
	}

	p.QuestionID = questionID.String
	p.Description = description.String
	p.QuotaType = models.QuotaType(quotaType)
	p.StopCondition = models.StopCondition(stopCondition)
	p.WhenMet = models.WhenMetAction(whenMet)

	if deletedAt.Valid {
		p.DeletedAt = &deletedAt.Time
	}

	if actionJSON != nil {
		if err := json.Unmarshal(actionJSON, &p.ActionPayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action payload: %w", err)
		}
	}
	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &p, nil
}

func scanCell(rows pgx.Rows) (*models.QuotaCell, error) {
	var c models.QuotaCell
	var conditionJSON []byte
	var targetOptionID sql.NullString

	err := rows.Scan(
		&c.ID,
		&c.PolicyID,
		&c.Label,
		&c.Cap,
		&conditionJSON,
		&targetOptionID,
		&c.IsEnabled,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan cell: %w", err)
	}

	c.TargetOptionID = targetOptionID.String
	c.Condition = conditionJSON
	c.ParseCondition()

	return &c, nil
}

// Helper functions for nullable values

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
