// Package policies loads authored quota policy documents from YAML
// files and seeds them into the repository at startup. Policy
// authoring itself happens in an external UI; this loader exists so a
// deployment can ship its quota configuration alongside the service.
package policies

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/surveyloop/quota-engine/internal/models"
	"github.com/surveyloop/quota-engine/internal/storage"
)

// Loader manages loading and caching of policy documents
type Loader struct {
	mu       sync.RWMutex
	policies map[string]*models.QuotaPolicy
}

// NewLoader creates a new policy loader
func NewLoader() *Loader {
	return &Loader{
		policies: make(map[string]*models.QuotaPolicy),
	}
}

// policyFile mirrors the YAML document structure
type policyFile struct {
	ID            string            `yaml:"id"`
	SurveyID      string            `yaml:"survey_id"`
	QuestionID    string            `yaml:"question_id"`
	Name          string            `yaml:"name"`
	Description   string            `yaml:"description"`
	QuotaType     string            `yaml:"quota_type"`
	StopCondition string            `yaml:"stop_condition"`
	WhenMet       string            `yaml:"when_met"`
	ActionPayload map[string]string `yaml:"action_payload"`
	Metadata      map[string]string `yaml:"metadata"`
	Enabled       *bool             `yaml:"enabled"`
	Cells         []cellFile        `yaml:"cells"`
}

type cellFile struct {
	ID             string      `yaml:"id"`
	Label          string      `yaml:"label"`
	Cap            int64       `yaml:"cap"`
	Condition      interface{} `yaml:"condition"`
	TargetOptionID string      `yaml:"target_option_id"`
	Enabled        *bool       `yaml:"enabled"`
}

// LoadFromDir loads all YAML policy documents from a directory
func (l *Loader) LoadFromDir(dir string) error {
	slog.Info("loading quota policies from directory", "dir", dir)

	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			continue
		}
		files = append(files, matches...)
	}

	loaded := 0
	for _, file := range files {
		if err := l.LoadFromFile(file); err != nil {
			slog.Warn("failed to load policy document", "file", file, "error", err)
			continue
		}
		loaded++
	}

	slog.Info("quota policies loaded", "count", loaded, "total_files", len(files))
	return nil
}

// LoadFromFile loads a single policy document from a YAML file
func (l *Loader) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var doc policyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	policy, err := doc.toPolicy()
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.policies[policy.ID] = policy
	l.mu.Unlock()

	return nil
}

func (f *policyFile) toPolicy() (*models.QuotaPolicy, error) {
	if f.SurveyID == "" {
		return nil, fmt.Errorf("survey_id is required")
	}
	if f.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}

	quotaType := models.QuotaType(f.QuotaType)
	if quotaType != models.QuotaHard && quotaType != models.QuotaSoft {
		return nil, fmt.Errorf("invalid quota_type: %q", f.QuotaType)
	}

	stop := models.StopCondition(f.StopCondition)
	if f.StopCondition == "" {
		stop = models.StopGreater
	} else if !stop.Valid() {
		return nil, fmt.Errorf("invalid stop_condition: %q", f.StopCondition)
	}

	whenMet := models.WhenMetAction(f.WhenMet)
	switch whenMet {
	case models.WhenMetCloseSurvey, models.WhenMetShowMessage, models.WhenMetRedirect:
	default:
		return nil, fmt.Errorf("invalid when_met: %q", f.WhenMet)
	}

	id := f.ID
	if id == "" {
		id = uuid.New().String()
	}

	policy := &models.QuotaPolicy{
		ID:            id,
		SurveyID:      f.SurveyID,
		QuestionID:    f.QuestionID,
		Name:          f.Name,
		Description:   f.Description,
		QuotaType:     quotaType,
		StopCondition: stop,
		WhenMet:       whenMet,
		ActionPayload: f.ActionPayload,
		Metadata:      f.Metadata,
		IsEnabled:     f.Enabled == nil || *f.Enabled,
		CreatedAt:     time.Now().UTC(),
	}

	for i, cf := range f.Cells {
		cell, err := cf.toCell(id)
		if err != nil {
			return nil, fmt.Errorf("cell %d: %w", i, err)
		}
		policy.Cells = append(policy.Cells, cell)
	}

	return policy, nil
}

func (f *cellFile) toCell(policyID string) (*models.QuotaCell, error) {
	if f.Cap < 0 {
		return nil, fmt.Errorf("cap must be non-negative, got %d", f.Cap)
	}

	id := f.ID
	if id == "" {
		id = uuid.New().String()
	}

	cell := &models.QuotaCell{
		ID:             id,
		PolicyID:       policyID,
		Label:          f.Label,
		Cap:            f.Cap,
		TargetOptionID: f.TargetOptionID,
		IsEnabled:      f.Enabled == nil || *f.Enabled,
		CreatedAt:      time.Now().UTC(),
	}

	// The condition may be written inline as a YAML mapping or as a
	// JSON string; both normalize to the JSON document the engine
	// parses.
	switch cond := f.Condition.(type) {
	case nil:
	case string:
		cell.Condition = json.RawMessage(cond)
	case map[string]interface{}:
		raw, err := json.Marshal(cond)
		if err != nil {
			return nil, fmt.Errorf("failed to encode condition: %w", err)
		}
		cell.Condition = raw
	default:
		return nil, fmt.Errorf("condition must be a mapping or a JSON string")
	}

	cell.ParseCondition()
	if cell.ConditionErr != nil {
		return nil, fmt.Errorf("invalid condition: %w", cell.ConditionErr)
	}

	return cell, nil
}

// List returns all loaded policies
func (l *Loader) List() []*models.QuotaPolicy {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*models.QuotaPolicy, 0, len(l.policies))
	for _, p := range l.policies {
		out = append(out, p)
	}
	return out
}

// Get retrieves a loaded policy by id
func (l *Loader) Get(id string) *models.QuotaPolicy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.policies[id]
}

// Seed upserts every loaded policy (and its survey row) into the
// repository. Called once at startup; failures on individual policies
// are logged and skipped so one bad document cannot hold up the rest.
func (l *Loader) Seed(ctx context.Context, repo storage.Repository) error {
	for _, policy := range l.List() {
		if err := repo.EnsureSurvey(ctx, policy.SurveyID); err != nil {
			return fmt.Errorf("failed to ensure survey %s: %w", policy.SurveyID, err)
		}
		if err := repo.UpsertPolicy(ctx, policy); err != nil {
			slog.Error("failed to seed policy", "policy_id", policy.ID, "error", err)
			continue
		}
		slog.Info("seeded quota policy",
			"policy_id", policy.ID,
			"survey_id", policy.SurveyID,
			"cells", len(policy.Cells),
		)
	}
	return nil
}
