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

// ReasonCancelled is recorded on requests cancelled before they ran.
const ReasonCancelled = "cancelled"

// NewRequest holds the fields for a new change request.
type NewRequest struct {
	ProjectID     string
	Text          string
	AutoPush      bool
	ParentID      string
	SuggestionID  string
	AutoSessionID string
}

// RequestFilter narrows ListRequests.
type RequestFilter struct {
	ProjectID     string
	AutoSessionID string
	Status        RequestStatus
	Limit         int
}

// Outcome is what the processor records when a request leaves processing.
type Outcome struct {
	Summary   string
	CommitSHA string
	Error     string
	Turns     int
}

const requestColumns = `id, project_id, text, status, auto_push, parent_id, suggestion_id,
	auto_session_id, summary, commit_sha, error, turns, created_at, updated_at, started_at, completed_at`

// CreateRequest queues a pending request for an active project.
func (s *Store) CreateRequest(ctx context.Context, in NewRequest) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r *Request
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		r, err = s.insertRequest(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("request_id", r.ID).Str("project_id", r.ProjectID).Msg("request queued")
	return r, nil
}

func (s *Store) insertRequest(ctx context.Context, db execer, in NewRequest) (*Request, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: request text is empty", perrors.ErrInvalidInput)
	}

	var status string
	err := db.QueryRowContext(ctx, `SELECT status FROM projects WHERE id = ?`, in.ProjectID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %s", perrors.ErrNotFound, in.ProjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up project: %w", err)
	}
	if status != ProjectActive {
		return nil, fmt.Errorf("%w: project %s is %s", perrors.ErrConflict, in.ProjectID, status)
	}

	now := s.nowMs()
	r := &Request{
		ID:            uuid.New().String(),
		ProjectID:     in.ProjectID,
		Text:          text,
		Status:        RequestPending,
		AutoPush:      in.AutoPush,
		ParentID:      in.ParentID,
		SuggestionID:  in.SuggestionID,
		AutoSessionID: in.AutoSessionID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err = db.ExecContext(ctx, `INSERT INTO requests
		(id, project_id, text, status, auto_push, parent_id, suggestion_id, auto_session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProjectID, r.Text, r.Status, boolInt(r.AutoPush),
		nullString(r.ParentID), nullString(r.SuggestionID), nullString(r.AutoSessionID),
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert request: %w", err)
	}
	return r, nil
}

// GetRequest returns a request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRequest(ctx, s.db, id)
}

func (s *Store) getRequest(ctx context.Context, db execer, id string) (*Request, error) {
	row := db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: request %s", perrors.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return r, nil
}

// ListRequests returns requests newest first.
func (s *Store) ListRequests(ctx context.Context, f RequestFilter) ([]*Request, error) {
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
	query := `SELECT ` + requestColumns + ` FROM requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return s.queryRequests(ctx, query, args...)
}

// NextPending returns, for every active project with no request in
// processing, its oldest pending request. Results are ordered oldest first.
func (s *Store) NextPending(ctx context.Context) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + requestColumns + ` FROM (
		SELECT r.*, ROW_NUMBER() OVER (PARTITION BY r.project_id ORDER BY r.created_at, r.rowid) AS rn
		FROM requests r
		JOIN projects p ON p.id = r.project_id AND p.status = 'active'
		WHERE r.status = 'pending'
	) AS q
	WHERE q.rn = 1
	AND NOT EXISTS (
		SELECT 1 FROM requests busy WHERE busy.project_id = q.project_id AND busy.status = 'processing'
	)
	ORDER BY q.created_at`
	return s.queryRequests(ctx, query)
}

// ClaimRequest atomically moves a pending request to processing. It returns
// false, without error, when the request is no longer pending or another
// request of the same project is already processing.
func (s *Store) ClaimRequest(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMs()
	res, err := s.db.ExecContext(ctx, `UPDATE requests
		SET status = 'processing', started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
		AND NOT EXISTS (
			SELECT 1 FROM requests busy
			WHERE busy.project_id = requests.project_id AND busy.status = 'processing'
		)`, now, now, id)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim request: %w", err)
	}
	return n == 1, nil
}

// FinishRequest moves a processing request to a terminal status.
func (s *Store) FinishRequest(ctx context.Context, id string, status RequestStatus, out Outcome) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not a terminal status", perrors.ErrInvalidInput, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMs()
	res, err := s.db.ExecContext(ctx, `UPDATE requests
		SET status = ?, summary = ?, commit_sha = ?, error = ?, turns = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		status, nullString(out.Summary), nullString(out.CommitSHA), nullString(out.Error),
		out.Turns, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: request %s is not processing", perrors.ErrConflict, id)
	}
	return nil
}

// RecoverProcessing fails every request left in processing, typically by a
// crash. It returns the ids it touched.
func (s *Store) RecoverProcessing(ctx context.Context, reason string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM requests WHERE status = 'processing'`)
		if err != nil {
			return fmt.Errorf("failed to find stuck requests: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := s.nowMs()
		_, err = tx.ExecContext(ctx, `UPDATE requests
			SET status = 'error', error = ?, completed_at = ?, updated_at = ?
			WHERE status = 'processing'`, reason, now, now)
		if err != nil {
			return fmt.Errorf("failed to fail stuck requests: %w", err)
		}
		return nil
	})
	return ids, err
}

// CancelRequest fails a request that has not started yet.
func (s *Store) CancelRequest(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMs()
	res, err := s.db.ExecContext(ctx, `UPDATE requests
		SET status = 'error', error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`, ReasonCancelled, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to cancel request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.getRequest(ctx, s.db, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: request %s is not pending", perrors.ErrConflict, id)
	}
	return nil
}

// ResubmitRequest queues a copy of a terminal request with parent_id set.
// A suggestion attached to the original is moved back to implementing and
// pointed at the new request. The copy is not counted against the original's
// auto session.
func (s *Store) ResubmitRequest(ctx context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r *Request
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		orig, err := s.getRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		if !orig.Status.Terminal() {
			return fmt.Errorf("%w: request %s is %s", perrors.ErrConflict, id, orig.Status)
		}
		r, err = s.insertRequest(ctx, tx, NewRequest{
			ProjectID:    orig.ProjectID,
			Text:         orig.Text,
			AutoPush:     orig.AutoPush,
			ParentID:     orig.ID,
			SuggestionID: orig.SuggestionID,
		})
		if err != nil {
			return err
		}
		if orig.SuggestionID != "" {
			_, err = tx.ExecContext(ctx, `UPDATE suggestions
				SET status = 'implementing', request_id = ?, updated_at = ?
				WHERE id = ? AND status IN ('accepted', 'implementing')`,
				r.ID, s.nowMs(), orig.SuggestionID)
			if err != nil {
				return fmt.Errorf("failed to relink suggestion: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("request_id", r.ID).Str("parent_id", id).Msg("request resubmitted")
	return r, nil
}

// CountOpenRequests counts pending or processing requests of an auto session.
func (s *Store) CountOpenRequests(ctx context.Context, autoSessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests
		WHERE auto_session_id = ? AND status IN ('pending', 'processing')`, autoSessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open requests: %w", err)
	}
	return n, nil
}

// CountRequestsByStatus returns the number of requests per status.
func (s *Store) CountRequestsByStatus(ctx context.Context) (map[RequestStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}
	defer rows.Close()

	out := map[RequestStatus]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[RequestStatus(st)] = n
	}
	return out, rows.Err()
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...any) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRequest(row rowScanner) (*Request, error) {
	var r Request
	var status string
	var autoPush int
	var parentID, suggestionID, sessionID, summary, commitSHA, errMsg sql.NullString
	var startedAt, completedAt sql.NullInt64
	err := row.Scan(&r.ID, &r.ProjectID, &r.Text, &status, &autoPush, &parentID, &suggestionID,
		&sessionID, &summary, &commitSHA, &errMsg, &r.Turns, &r.CreatedAt, &r.UpdatedAt,
		&startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	r.Status = RequestStatus(status)
	r.AutoPush = autoPush != 0
	r.ParentID = parentID.String
	r.SuggestionID = suggestionID.String
	r.AutoSessionID = sessionID.String
	r.Summary = summary.String
	r.CommitSHA = commitSHA.String
	r.Error = errMsg.String
	r.StartedAt = startedAt.Int64
	r.CompletedAt = completedAt.Int64
	return &r, nil
}
