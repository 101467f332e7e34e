package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	perrors "github.com/p-blackswan/incept/internal/errors"
)

// NewImprovement holds the fields recorded for an applied change.
type NewImprovement struct {
	ProjectID    string
	RequestID    string
	SuggestionID string
	Title        string
	FeatureFlag  string
	CommitSHA    string
	Files        []string
}

const improvementColumns = `id, project_id, request_id, suggestion_id, title, feature_flag,
	commit_sha, files, enabled, revert_sha, created_at, disabled_at`

// RecordImprovement inserts an improvement and, when it came from a
// suggestion, marks that suggestion implemented in the same transaction.
func (s *Store) RecordImprovement(ctx context.Context, in NewImprovement) (*Improvement, error) {
	if in.CommitSHA == "" {
		return nil, fmt.Errorf("%w: improvement needs a commit", perrors.ErrInvalidInput)
	}
	files := in.Files
	if files == nil {
		files = []string{}
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("failed to encode files: %w", err)
	}

	now := s.nowMs()
	imp := &Improvement{
		ID:           uuid.New().String(),
		ProjectID:    in.ProjectID,
		RequestID:    in.RequestID,
		SuggestionID: in.SuggestionID,
		Title:        in.Title,
		FeatureFlag:  in.FeatureFlag,
		CommitSHA:    in.CommitSHA,
		Files:        files,
		Enabled:      true,
		CreatedAt:    now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO improvements (`+improvementColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, NULL, ?, NULL)`,
			imp.ID, imp.ProjectID, imp.RequestID, nullString(imp.SuggestionID), imp.Title,
			imp.FeatureFlag, imp.CommitSHA, string(filesJSON), imp.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: request %s already has an improvement", perrors.ErrConflict, imp.RequestID)
			}
			return fmt.Errorf("failed to insert improvement: %w", err)
		}
		if imp.SuggestionID == "" {
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE suggestions SET status = 'implemented', request_id = ?, updated_at = ?
			WHERE id = ? AND status IN ('accepted', 'implementing')`,
			imp.RequestID, now, imp.SuggestionID)
		if err != nil {
			return fmt.Errorf("failed to mark suggestion implemented: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("improvement_id", imp.ID).Str("commit", imp.CommitSHA).Msg("improvement recorded")
	return imp, nil
}

// GetImprovement returns an improvement by id.
func (s *Store) GetImprovement(ctx context.Context, id string) (*Improvement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+improvementColumns+` FROM improvements WHERE id = ?`, id)
	imp, err := scanImprovement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: improvement %s", perrors.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get improvement: %w", err)
	}
	return imp, nil
}

// ListImprovements returns a project's improvements, newest first.
func (s *Store) ListImprovements(ctx context.Context, projectID string) ([]*Improvement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+improvementColumns+` FROM improvements
		WHERE project_id = ? ORDER BY created_at DESC, rowid DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list improvements: %w", err)
	}
	defer rows.Close()

	var out []*Improvement
	for rows.Next() {
		imp, err := scanImprovement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan improvement: %w", err)
		}
		out = append(out, imp)
	}
	return out, rows.Err()
}

// SummarizeImprovements aggregates a project's improvements.
func (s *Store) SummarizeImprovements(ctx context.Context, projectID string) (*ImprovementSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum ImprovementSummary
	err := s.db.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN enabled = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN enabled = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN commit_sha != '' THEN 1 ELSE 0 END), 0)
		FROM improvements WHERE project_id = ?`, projectID,
	).Scan(&sum.Total, &sum.Enabled, &sum.Disabled, &sum.WithCommit)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize improvements: %w", err)
	}
	return &sum, nil
}

// DisableImprovement flips an enabled improvement off and records the
// revert commit. It fails with ErrConflict when already disabled.
func (s *Store) DisableImprovement(ctx context.Context, id, revertSHA string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE improvements
		SET enabled = 0, revert_sha = ?, disabled_at = ?
		WHERE id = ? AND enabled = 1`, nullString(revertSHA), s.nowMs(), id)
	if err != nil {
		return fmt.Errorf("failed to disable improvement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: improvement %s is not enabled", perrors.ErrConflict, id)
	}
	return nil
}

func scanImprovement(row rowScanner) (*Improvement, error) {
	var imp Improvement
	var suggestionID, revertSHA sql.NullString
	var disabledAt sql.NullInt64
	var files string
	var enabled int
	err := row.Scan(&imp.ID, &imp.ProjectID, &imp.RequestID, &suggestionID, &imp.Title,
		&imp.FeatureFlag, &imp.CommitSHA, &files, &enabled, &revertSHA, &imp.CreatedAt, &disabledAt)
	if err != nil {
		return nil, err
	}
	imp.SuggestionID = suggestionID.String
	imp.RevertSHA = revertSHA.String
	imp.DisabledAt = disabledAt.Int64
	imp.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(files), &imp.Files); err != nil {
		return nil, fmt.Errorf("bad files column: %w", err)
	}
	return &imp, nil
}
