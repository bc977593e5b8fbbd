package store

import (
	"context"
	"fmt"
	"time"
)

// RunRetention deletes threads idle for longer than maxIdle together with
// their messages. Todos are kept.
func (s *Store) RunRetention(ctx context.Context, maxIdle time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle).UnixMilli()
	res, err := s.db.ExecContext(ctx, "DELETE FROM threads WHERE last_message_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete idle threads: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info().Int64("threads", n).Msg("retention removed idle threads")
	}
	return n, nil
}
