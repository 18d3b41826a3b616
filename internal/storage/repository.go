package storage

import (
	"context"

	"github.com/surveyloop/quota-engine/internal/models"
)

// Repository defines the interface for policy and survey persistence.
// Policies are produced by the authoring UI and read-only to the
// engine apart from seeding; cell counters live in the counter store,
// not behind this interface.
type Repository interface {
	// Policies
	ListActivePolicies(ctx context.Context, surveyID, questionID string) ([]*models.QuotaPolicy, error)
	GetPolicy(ctx context.Context, id string) (*models.QuotaPolicy, error)
	UpsertPolicy(ctx context.Context, policy *models.QuotaPolicy) error

	// Cells
	ListCellsForSurvey(ctx context.Context, surveyID string) ([]*models.QuotaCell, error)
	ListCloseSurveyCells(ctx context.Context) ([]models.CloseSurveyCell, error)

	// Surveys
	EnsureSurvey(ctx context.Context, surveyID string) error
	CloseSurvey(ctx context.Context, surveyID string) error

	// API Clients
	GetClientByApiKey(ctx context.Context, apiKey string) (*models.ApiClient, error)
	UpdateClientLastUsed(ctx context.Context, apiKey string) error

	// Health
	Ping(ctx context.Context) error
	Close() error
}
