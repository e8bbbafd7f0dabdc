package journal

import (
	"database/sql"
	"fmt"
	"time"

	"studytrace/recorder-agent/internal/models"

	"go.uber.org/zap"
)

// Journal is the local fallback record of what the agent captured and
// exported. It exists so that a broken transport never loses the trail:
// sessions retained after a failed export can be reconciled later from
// the artifact index and attempt rows.
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
}

// Attempt is one export-attempt row.
type Attempt struct {
	ID              int64
	SessionStart    time.Time
	SessionEnd      *time.Time
	ScreenshotCount int
	ActiveSeconds   int64
	Transport       string
	Success         bool
	Message         string
	RemoteID        string
}

// New creates a journal over an already-migrated database.
func New(db *sql.DB, logger *zap.Logger) *Journal {
	return &Journal{
		db:     db,
		logger: logger,
	}
}

// RecordArtifact indexes a captured screenshot.
func (j *Journal) RecordArtifact(shot models.Screenshot) error {
	_, err := j.db.Exec(`
		INSERT OR REPLACE INTO artifacts (id, captured_at, app_name, window_title, file_name)
		VALUES (?, ?, ?, ?, ?)
	`, shot.ID, shot.CapturedAt, shot.AppName, shot.WindowTitle, shot.FileName())
	if err != nil {
		return fmt.Errorf("failed to record artifact: %w", err)
	}
	return nil
}

// RecordAttempt appends one export-attempt row.
func (j *Journal) RecordAttempt(stats models.SessionStats, transport string, success bool, message, remoteID string) error {
	_, err := j.db.Exec(`
		INSERT INTO export_attempts
			(session_start, session_end, screenshot_count, active_seconds, transport, success, message, remote_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, stats.StartTime, stats.EndTime, stats.TotalScreenshots, stats.TotalActiveSeconds,
		transport, boolToInt(success), message, remoteID)
	if err != nil {
		return fmt.Errorf("failed to record export attempt: %w", err)
	}

	j.logger.Debug("Export attempt journaled",
		zap.String("transport", transport),
		zap.Bool("success", success),
	)
	return nil
}

// RecentAttempts returns the newest attempt rows, newest first.
func (j *Journal) RecentAttempts(limit int) ([]Attempt, error) {
	rows, err := j.db.Query(`
		SELECT id, session_start, session_end, screenshot_count, active_seconds,
		       transport, success, message, remote_id
		FROM export_attempts
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query export attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		var success int
		var end sql.NullTime
		var message, remoteID sql.NullString
		if err := rows.Scan(&a.ID, &a.SessionStart, &end, &a.ScreenshotCount,
			&a.ActiveSeconds, &a.Transport, &success, &message, &remoteID); err != nil {
			j.logger.Error("Failed to scan attempt row", zap.Error(err))
			continue
		}
		a.Success = success != 0
		if end.Valid {
			a.SessionEnd = &end.Time
		}
		a.Message = message.String
		a.RemoteID = remoteID.String
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// RemoveArtifacts drops indexed artifacts by id, after their session
// has been exported and retired.
func (j *Journal) RemoveArtifacts(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query := "DELETE FROM artifacts WHERE id IN ("
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = id
	}
	query += ")"

	result, err := j.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to remove artifacts: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	j.logger.Debug("Artifacts removed from index",
		zap.Int64("count", rowsAffected),
	)
	return nil
}

// Cleanup removes journal rows older than the given age.
func (j *Journal) Cleanup(olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)

	if _, err := j.db.Exec(`DELETE FROM artifacts WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to cleanup artifacts: %w", err)
	}
	result, err := j.db.Exec(`DELETE FROM export_attempts WHERE created_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup export attempts: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		j.logger.Info("Cleaned up old journal rows",
			zap.Int64("count", rowsAffected),
		)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
