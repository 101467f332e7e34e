package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	perrors "github.com/p-blackswan/incept/internal/errors"
)

const autoSessionColumns = `id, project_id, direction, max_suggestions, submitted, generated,
	status, note, created_at, updated_at`

// CreateAutoSession starts a running session. A project holds at most one
// running or paused session.
func (s *Store) CreateAutoSession(ctx context.Context, projectID, direction string, maxSuggestions int) (*AutoSession, error) {
	if maxSuggestions <= 0 {
		return nil, fmt.Errorf("%w: max_suggestions must be positive", perrors.ErrInvalidInput)
	}

	now := s.nowMs()
	a := &AutoSession{
		ID:             uuid.New().String(),
		ProjectID:      projectID,
		Direction:      strings.TrimSpace(direction),
		MaxSuggestions: maxSuggestions,
		Status:         AutoRunning,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM projects WHERE id = ?`, projectID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: project %s", perrors.ErrNotFound, projectID)
		}
		if err != nil {
			return fmt.Errorf("failed to look up project: %w", err)
		}
		if status != ProjectActive {
			return fmt.Errorf("%w: project %s is %s", perrors.ErrConflict, projectID, status)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO auto_sessions (`+autoSessionColumns+`)
			VALUES (?, ?, ?, ?, 0, 0, ?, NULL, ?, ?)`,
			a.ID, a.ProjectID, a.Direction, a.MaxSuggestions, a.Status, a.CreatedAt, a.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: project %s already has an active auto session", perrors.ErrConflict, projectID)
			}
			return fmt.Errorf("failed to create auto session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("session_id", a.ID).Str("project_id", projectID).Int("max", maxSuggestions).Msg("auto session created")
	return a, nil
}

// GetAutoSession returns an auto session by id.
func (s *Store) GetAutoSession(ctx context.Context, id string) (*AutoSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+autoSessionColumns+` FROM auto_sessions WHERE id = ?`, id)
	a, err := scanAutoSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: auto session %s", perrors.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auto session: %w", err)
	}
	return a, nil
}

// ListAutoSessions returns sessions, optionally filtered by status and project.
func (s *Store) ListAutoSessions(ctx context.Context, projectID string, status AutoSessionStatus) ([]*AutoSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if projectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, projectID)
	}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	query := `SELECT ` + autoSessionColumns + ` FROM auto_sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list auto sessions: %w", err)
	}
	defer rows.Close()

	var out []*AutoSession
	for rows.Next() {
		a, err := scanAutoSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan auto session: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TransitionAutoSession moves a session from one status to another. The
// note replaces the previous one; an empty note clears it.
func (s *Store) TransitionAutoSession(ctx context.Context, id string, from, to AutoSessionStatus, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE auto_sessions SET status = ?, note = ?, updated_at = ?
		WHERE id = ? AND status = ?`, to, nullString(note), s.nowMs(), id, from)
	if err != nil {
		return fmt.Errorf("failed to update auto session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: auto session %s is not %s", perrors.ErrConflict, id, from)
	}
	return nil
}

func scanAutoSession(row rowScanner) (*AutoSession, error) {
	var a AutoSession
	var status string
	var note sql.NullString
	err := row.Scan(&a.ID, &a.ProjectID, &a.Direction, &a.MaxSuggestions, &a.Submitted,
		&a.Generated, &status, &note, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = AutoSessionStatus(status)
	a.Note = note.String
	return &a, nil
}
