package server

import (
	"context"
	"database/sql"
	"time"
)

// QueueItem mirrors store/sqlite's QueueItem shape (§4.8), applied here
// to rows the server itself could not place because a referenced row
// from another device hadn't arrived yet.
type QueueItem struct {
	ID              string
	TableName       string
	RecordID        string
	PayloadJSON     string
	MissingRefsJSON string
	RetryCount      int
	MaxRetries      int
	Status          string
	CreatedAt       time.Time
	LastRetryAt     *time.Time
}

func (s *Store) Enqueue(ctx context.Context, item QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastRetry any
	if item.LastRetryAt != nil {
		lastRetry = item.LastRetryAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_dependency_queue
			(id, table_name, record_id, payload_json, missing_refs_json,
			 retry_count, max_retries, status, created_at, last_retry_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name, record_id) DO UPDATE SET
			payload_json = excluded.payload_json,
			missing_refs_json = excluded.missing_refs_json,
			retry_count = excluded.retry_count,
			status = excluded.status,
			last_retry_at = excluded.last_retry_at`,
		item.ID, item.TableName, item.RecordID, item.PayloadJSON, item.MissingRefsJSON,
		item.RetryCount, item.MaxRetries, item.Status,
		item.CreatedAt.UTC().Format(time.RFC3339), lastRetry)
	return err
}

func (s *Store) ListQueueByStatus(ctx context.Context, status string, limit int) ([]QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_name, record_id, payload_json, missing_refs_json,
		       retry_count, max_retries, status, created_at, last_retry_at
		FROM server_dependency_queue
		WHERE status = ?
		ORDER BY created_at ASC
		LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var it QueueItem
		var createdAt string
		var lastRetry sql.NullString
		if err := rows.Scan(&it.ID, &it.TableName, &it.RecordID, &it.PayloadJSON, &it.MissingRefsJSON,
			&it.RetryCount, &it.MaxRetries, &it.Status, &createdAt, &lastRetry); err != nil {
			return nil, err
		}
		it.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if lastRetry.Valid {
			t, _ := time.Parse(time.RFC3339, lastRetry.String)
			it.LastRetryAt = &t
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *Store) UpdateQueueStatus(ctx context.Context, id, status string, retryCount int, lastRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE server_dependency_queue SET status = ?, retry_count = ?, last_retry_at = ? WHERE id = ?`,
		status, retryCount, lastRetryAt.UTC().Format(time.RFC3339), id)
	return err
}

func (s *Store) PurgeCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM server_dependency_queue WHERE status = 'COMPLETED' AND created_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
