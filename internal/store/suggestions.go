package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	perrors "github.com/p-blackswan/incept/internal/errors"
)

// SuggestionFilter narrows ListSuggestions.
type SuggestionFilter struct {
	ProjectID     string
	AutoSessionID string
	Status        SuggestionStatus
}

const suggestionColumns = `id, project_id, auto_session_id, title, description, implementation_details,
	category, priority, effort, dependencies, status, request_id, created_at, updated_at`

// CreateSuggestions persists a batch of suggestions in one transaction,
// so a failure leaves none of them behind. When autoSessionID is set the
// session's generated counter is advanced by the batch size.
func (s *Store) CreateSuggestions(ctx context.Context, projectID, autoSessionID string, items []NewSuggestion) ([]*Suggestion, error) {
	if len(items) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Suggestion
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects WHERE id = ?`, projectID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to look up project: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: project %s", perrors.ErrNotFound, projectID)
		}

		now := s.nowMs()
		for _, it := range items {
			if strings.TrimSpace(it.Title) == "" {
				return fmt.Errorf("%w: suggestion title is empty", perrors.ErrInvalidInput)
			}
			deps := it.Dependencies
			if deps == nil {
				deps = []string{}
			}
			depsJSON, err := json.Marshal(deps)
			if err != nil {
				return fmt.Errorf("failed to encode dependencies: %w", err)
			}
			sg := &Suggestion{
				ID:                    uuid.New().String(),
				ProjectID:             projectID,
				AutoSessionID:         autoSessionID,
				Title:                 it.Title,
				Description:           it.Description,
				ImplementationDetails: it.ImplementationDetails,
				Category:              it.Category,
				Priority:              it.Priority,
				Effort:                it.Effort,
				Dependencies:          deps,
				Status:                SuggestionSuggested,
				CreatedAt:             now,
				UpdatedAt:             now,
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO suggestions (`+suggestionColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				sg.ID, sg.ProjectID, nullString(sg.AutoSessionID), sg.Title, sg.Description,
				sg.ImplementationDetails, sg.Category, sg.Priority, sg.Effort, string(depsJSON),
				sg.Status, nil, sg.CreatedAt, sg.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to insert suggestion: %w", err)
			}
			out = append(out, sg)
		}

		if autoSessionID != "" {
			res, err := tx.ExecContext(ctx, `UPDATE auto_sessions
				SET generated = generated + ?, updated_at = ? WHERE id = ? AND project_id = ?`,
				len(items), now, autoSessionID, projectID)
			if err != nil {
				return fmt.Errorf("failed to update auto session: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: auto session %s", perrors.ErrNotFound, autoSessionID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetSuggestion returns a suggestion by id.
func (s *Store) GetSuggestion(ctx context.Context, id string) (*Suggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSuggestion(ctx, s.db, id)
}

func (s *Store) getSuggestion(ctx context.Context, db execer, id string) (*Suggestion, error) {
	row := db.QueryRowContext(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE id = ?`, id)
	sg, err := scanSuggestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: suggestion %s", perrors.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get suggestion: %w", err)
	}
	return sg, nil
}

// ListSuggestions returns suggestions ordered by priority then age.
func (s *Store) ListSuggestions(ctx context.Context, f SuggestionFilter) ([]*Suggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.AutoSessionID != "" {
		where = append(where, "auto_session_id = ?")
		args = append(args, f.AutoSessionID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + suggestionColumns + ` FROM suggestions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY priority, created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list suggestions: %w", err)
	}
	defer rows.Close()

	var out []*Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan suggestion: %w", err)
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// ApproveSuggestion moves a suggested suggestion to accepted.
func (s *Store) ApproveSuggestion(ctx context.Context, id string) error {
	return s.transitionSuggestion(ctx, id, SuggestionAccepted, `status = 'suggested'`)
}

// RejectSuggestion rejects a suggestion that has not been submitted yet.
func (s *Store) RejectSuggestion(ctx context.Context, id string) error {
	return s.transitionSuggestion(ctx, id, SuggestionRejected,
		`(status = 'suggested' OR (status = 'accepted' AND request_id IS NULL))`)
}

func (s *Store) transitionSuggestion(ctx context.Context, id string, to SuggestionStatus, guard string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE suggestions SET status = ?, updated_at = ? WHERE id = ? AND `+guard,
		to, s.nowMs(), id)
	if err != nil {
		return fmt.Errorf("failed to update suggestion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		sg, err := s.getSuggestion(ctx, s.db, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: suggestion %s is %s", perrors.ErrConflict, id, sg.Status)
	}
	return nil
}

// SubmitSuggestion turns an accepted suggestion into a pending request.
// In one transaction it creates the request, marks the suggestion
// implementing and, for auto-mode suggestions, advances the session's
// submitted counter. The counter never passes the session maximum. A human
// may implement a suggestion of a paused session.
func (s *Store) SubmitSuggestion(ctx context.Context, id, text string, autoPush bool) (*Request, error) {
	return s.submitSuggestion(ctx, id, text, autoPush, "'running', 'paused'")
}

// SubmitAutoSuggestion is SubmitSuggestion for the auto-mode loop: it fails
// with ErrConflict unless the suggestion's session is still running.
func (s *Store) SubmitAutoSuggestion(ctx context.Context, id, text string, autoPush bool) (*Request, error) {
	return s.submitSuggestion(ctx, id, text, autoPush, "'running'")
}

func (s *Store) submitSuggestion(ctx context.Context, id, text string, autoPush bool, sessionStates string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r *Request
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sg, err := s.getSuggestion(ctx, tx, id)
		if err != nil {
			return err
		}
		if sg.Status != SuggestionAccepted {
			return fmt.Errorf("%w: suggestion %s is %s", perrors.ErrConflict, id, sg.Status)
		}

		now := s.nowMs()
		if sg.AutoSessionID != "" {
			res, err := tx.ExecContext(ctx, `UPDATE auto_sessions
				SET submitted = submitted + 1, updated_at = ?
				WHERE id = ? AND status IN (`+sessionStates+`) AND submitted < max_suggestions`,
				now, sg.AutoSessionID)
			if err != nil {
				return fmt.Errorf("failed to update auto session: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: auto session %s is not accepting submissions", perrors.ErrConflict, sg.AutoSessionID)
			}
		}

		r, err = s.insertRequest(ctx, tx, NewRequest{
			ProjectID:     sg.ProjectID,
			Text:          text,
			AutoPush:      autoPush,
			SuggestionID:  sg.ID,
			AutoSessionID: sg.AutoSessionID,
		})
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `UPDATE suggestions
			SET status = 'implementing', request_id = ?, updated_at = ?
			WHERE id = ? AND status = 'accepted'`, r.ID, now, id)
		if err != nil {
			return fmt.Errorf("failed to mark suggestion implementing: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("suggestion_id", id).Str("request_id", r.ID).Msg("suggestion submitted")
	return r, nil
}

// ReleaseSuggestion returns an implementing suggestion to accepted after
// its request failed. The request id is kept so the attempt stays visible
// and auto-mode does not pick the suggestion again.
func (s *Store) ReleaseSuggestion(ctx context.Context, id, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE suggestions SET status = 'accepted', updated_at = ?
		WHERE id = ? AND request_id = ? AND status = 'implementing'`, s.nowMs(), id, requestID)
	if err != nil {
		return fmt.Errorf("failed to release suggestion: %w", err)
	}
	return nil
}

// NextAcceptedSuggestion returns the highest-priority accepted suggestion of
// a session that has never been submitted, or nil when there is none.
func (s *Store) NextAcceptedSuggestion(ctx context.Context, autoSessionID string) (*Suggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+suggestionColumns+` FROM suggestions
		WHERE auto_session_id = ? AND status = 'accepted' AND request_id IS NULL
		ORDER BY priority, created_at, rowid LIMIT 1`, autoSessionID)
	sg, err := scanSuggestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pick suggestion: %w", err)
	}
	return sg, nil
}

// CountAwaitingApproval counts a session's suggestions still waiting for a human.
func (s *Store) CountAwaitingApproval(ctx context.Context, autoSessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM suggestions
		WHERE auto_session_id = ? AND status = 'suggested'`, autoSessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count suggestions: %w", err)
	}
	return n, nil
}

func scanSuggestion(row rowScanner) (*Suggestion, error) {
	var sg Suggestion
	var status, deps string
	var sessionID, requestID sql.NullString
	err := row.Scan(&sg.ID, &sg.ProjectID, &sessionID, &sg.Title, &sg.Description,
		&sg.ImplementationDetails, &sg.Category, &sg.Priority, &sg.Effort, &deps, &status,
		&requestID, &sg.CreatedAt, &sg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sg.Status = SuggestionStatus(status)
	sg.AutoSessionID = sessionID.String
	sg.RequestID = requestID.String
	if deps != "" {
		if err := json.Unmarshal([]byte(deps), &sg.Dependencies); err != nil {
			return nil, fmt.Errorf("bad dependencies column: %w", err)
		}
	}
	return &sg, nil
}
