package store

import (
	"context"
	"fmt"
	"time"
)

// RunRetention drops request logs of requests that finished more than
// logRetention ago. Request, suggestion and improvement rows are kept.
func (s *Store) RunRetention(ctx context.Context, logRetention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-logRetention).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_logs WHERE request_id IN (
		SELECT id FROM requests WHERE completed_at IS NOT NULL AND completed_at < ?
	)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old request logs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info().Int64("deleted", n).Msg("retention removed request logs")
	}
	return n, nil
}

// DBSizeBytes returns the database size in bytes
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount int64
	var pageSize int64

	// Get page count
	err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}

	// Get page size
	err = s.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}

	return pageCount * pageSize, nil
}
