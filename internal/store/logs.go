package store

import (
	"context"
	"fmt"
)

// AddRequestLog appends a progress line to a request.
func (s *Store) AddRequestLog(ctx context.Context, requestID, level, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_logs (request_id, level, message, created_at) VALUES (?, ?, ?, ?)`,
		requestID, level, message, s.nowMs(),
	)
	if err != nil {
		return fmt.Errorf("failed to add request log: %w", err)
	}
	return nil
}

// ListRequestLogs returns the last limit log lines of a request in the
// order they were written. A limit of zero returns all of them.
func (s *Store) ListRequestLogs(ctx context.Context, requestID string, limit int) ([]*RequestLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, request_id, level, message, created_at FROM request_logs
		WHERE request_id = ? ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list request logs: %w", err)
	}
	defer rows.Close()

	var out []*RequestLog
	for rows.Next() {
		var l RequestLog
		if err := rows.Scan(&l.ID, &l.RequestID, &l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan request log: %w", err)
		}
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
