package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"forge/internal/store"
)

// InsertMergeHistory appends one merge record. Merge history rows are
// never mutated afterward.
func (s *Store) InsertMergeHistory(ctx context.Context, entry store.MergeHistoryEntry) error {
	query := `
		INSERT INTO merge_history (repo, branch, head_commit, merge_commit, merged_at, ci_status, ci_log_path)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	var logPath any
	if entry.CILogPath != nil {
		logPath = *entry.CILogPath
	}

	_, err := s.db.ExecContext(ctx, query,
		entry.Repo, entry.Branch, entry.HeadCommit, entry.MergeCommit,
		formatTime(entry.MergedAt), entry.CIStatus, logPath)
	if err != nil {
		return fmt.Errorf("failed to insert merge history for %s/%s: %w", entry.Repo, entry.Branch, err)
	}
	return nil
}

// ListMergeHistory returns up to limit entries for the repo, newest first.
func (s *Store) ListMergeHistory(ctx context.Context, repo string, limit int) ([]store.MergeHistoryEntry, error) {
	query := `
		SELECT id, repo, branch, head_commit, merge_commit, merged_at, ci_status, ci_log_path
		FROM merge_history
		WHERE repo = ?
		ORDER BY merged_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, repo, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query merge history for %s: %w", repo, err)
	}
	defer rows.Close()

	var entries []store.MergeHistoryEntry
	for rows.Next() {
		var (
			entry    store.MergeHistoryEntry
			mergedAt string
			logPath  sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.Repo, &entry.Branch, &entry.HeadCommit,
			&entry.MergeCommit, &mergedAt, &entry.CIStatus, &logPath); err != nil {
			return nil, fmt.Errorf("failed to scan merge history row: %w", err)
		}
		entry.MergedAt, err = parseTime(mergedAt)
		if err != nil {
			return nil, err
		}
		if logPath.Valid {
			p := logPath.String
			entry.CILogPath = &p
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
