package db

import (
	"database/sql"
	"errors"
	"time"
)

// ScanRun queries

const scanRunColumns = `id, correlation_id, path, status, resources, directories, files, bytes,
	dropped, started_at, completed_at, error_message`

// CreateScanRun records a new running scan. Any other run still marked
// running was superseded by it.
func (db *DB) CreateScanRun(correlationID, path string, startedAt time.Time) (*ScanRun, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE scan_runs SET status = ?, completed_at = ?
		WHERE status = ?`,
		ScanRunStatusSuperseded, startedAt.UTC(), ScanRunStatusRunning,
	); err != nil {
		return nil, err
	}

	result, err := tx.Exec(`
		INSERT INTO scan_runs (correlation_id, path, status, started_at)
		VALUES (?, ?, ?, ?)`,
		correlationID, path, ScanRunStatusRunning, startedAt.UTC(),
	)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return db.GetScanRun(id)
}

// ScanRunResult holds the final counters of a scan run
type ScanRunResult struct {
	Status      ScanRunStatus
	Resources   int64
	Directories int64
	Files       int64
	Bytes       int64
	Dropped     int
	CompletedAt time.Time
	Error       *string
}

// CompleteScanRun stores the outcome of a scan run. Runs that were already
// superseded keep that status.
func (db *DB) CompleteScanRun(correlationID string, r ScanRunResult) error {
	res, err := db.Exec(`
		UPDATE scan_runs SET
			status = ?, resources = ?, directories = ?, files = ?, bytes = ?,
			dropped = ?, completed_at = ?, error_message = ?
		WHERE correlation_id = ? AND status = ?`,
		r.Status, r.Resources, r.Directories, r.Files, r.Bytes,
		r.Dropped, r.CompletedAt.UTC(), r.Error,
		correlationID, ScanRunStatusRunning,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetScanRun retrieves a scan run by ID
func (db *DB) GetScanRun(id int64) (*ScanRun, error) {
	row := db.QueryRow(`SELECT `+scanRunColumns+` FROM scan_runs WHERE id = ?`, id)
	return scanScanRun(row)
}

// GetScanRunByCorrelationID retrieves a scan run by its engine correlation id
func (db *DB) GetScanRunByCorrelationID(correlationID string) (*ScanRun, error) {
	row := db.QueryRow(`SELECT `+scanRunColumns+` FROM scan_runs WHERE correlation_id = ?`, correlationID)
	return scanScanRun(row)
}

// ListScanRuns returns scan runs with pagination, newest first
func (db *DB) ListScanRuns(limit, offset int) ([]*ScanRun, error) {
	rows, err := db.Query(`SELECT `+scanRunColumns+`
		FROM scan_runs ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ScanRun
	for rows.Next() {
		r, err := scanScanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// rowScanner is implemented by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanScanRun(row rowScanner) (*ScanRun, error) {
	var r ScanRun
	var completedAt sql.NullTime
	var errorMsg sql.NullString

	err := row.Scan(&r.ID, &r.CorrelationID, &r.Path, &r.Status,
		&r.Resources, &r.Directories, &r.Files, &r.Bytes, &r.Dropped,
		&r.StartedAt, &completedAt, &errorMsg)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	if errorMsg.Valid {
		r.ErrorMessage = &errorMsg.String
	}
	return &r, nil
}

// Commit queries

const commitColumns = `id, correlation_id, status, action_count, bytes, summary, error_message,
	submitted_at, resolved_at`

// CreateCommit records a submitted batch and its actions
func (db *DB) CreateCommit(correlationID string, submittedAt time.Time, actions []*CommitAction) (*Commit, error) {
	var total int64
	for _, a := range actions {
		total += a.Bytes
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO commits (correlation_id, status, action_count, bytes, submitted_at)
		VALUES (?, ?, ?, ?, ?)`,
		correlationID, CommitStatusInFlight, len(actions), total, submittedAt.UTC(),
	)
	if err != nil {
		return nil, err
	}
	commitID, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO commit_actions (commit_id, action_id, path, action, bytes, status, marker, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	for _, a := range actions {
		if _, err := stmt.Exec(commitID, a.ActionID, a.Path, a.Action, a.Bytes, a.Status, nullString(a.Marker), a.ErrorMessage); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return db.GetCommit(commitID)
}

// CommitOutcome holds the resolution of a commit batch
type CommitOutcome struct {
	Status     CommitStatus
	Summary    *string
	Error      *string
	ResolvedAt time.Time
	// Actions carry the final per-action status, matched by ActionID.
	Actions []*CommitAction
}

// ResolveCommit stores the outcome of an in-flight commit
func (db *DB) ResolveCommit(correlationID string, o CommitOutcome) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var commitID int64
	err = tx.QueryRow(`SELECT id FROM commits WHERE correlation_id = ? AND status = ?`,
		correlationID, CommitStatusInFlight).Scan(&commitID)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`
		UPDATE commits SET status = ?, summary = ?, error_message = ?, resolved_at = ?
		WHERE id = ?`,
		o.Status, o.Summary, o.Error, o.ResolvedAt.UTC(), commitID,
	); err != nil {
		return err
	}

	for _, a := range o.Actions {
		if _, err := tx.Exec(`
			UPDATE commit_actions SET status = ?, marker = ?, error_message = ?
			WHERE commit_id = ? AND action_id = ?`,
			a.Status, nullString(a.Marker), a.ErrorMessage, commitID, a.ActionID,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetCommit retrieves a commit with its actions
func (db *DB) GetCommit(id int64) (*Commit, error) {
	row := db.QueryRow(`SELECT `+commitColumns+` FROM commits WHERE id = ?`, id)
	c, err := scanCommit(row)
	if err != nil {
		return nil, err
	}
	c.Actions, err = db.ListCommitActions(id)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListCommits returns commits with pagination, newest first. Actions are
// not loaded.
func (db *DB) ListCommits(limit, offset int) ([]*Commit, error) {
	rows, err := db.Query(`SELECT `+commitColumns+`
		FROM commits ORDER BY submitted_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commits []*Commit
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, rows.Err()
}

// ListCommitActions returns the actions of a commit in submission order
func (db *DB) ListCommitActions(commitID int64) ([]*CommitAction, error) {
	rows, err := db.Query(`
		SELECT id, commit_id, action_id, path, action, bytes, status, marker, error_message
		FROM commit_actions WHERE commit_id = ? ORDER BY id`, commitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*CommitAction
	for rows.Next() {
		var a CommitAction
		var marker, errorMsg sql.NullString
		if err := rows.Scan(&a.ID, &a.CommitID, &a.ActionID, &a.Path, &a.Action, &a.Bytes,
			&a.Status, &marker, &errorMsg); err != nil {
			return nil, err
		}
		a.Marker = marker.String
		if errorMsg.Valid {
			a.ErrorMessage = &errorMsg.String
		}
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}

func scanCommit(row rowScanner) (*Commit, error) {
	var c Commit
	var summary, errorMsg sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(&c.ID, &c.CorrelationID, &c.Status, &c.ActionCount, &c.Bytes,
		&summary, &errorMsg, &c.SubmittedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	if summary.Valid {
		c.Summary = &summary.String
	}
	if errorMsg.Valid {
		c.ErrorMessage = &errorMsg.String
	}
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Time
	}
	return &c, nil
}

// Maintenance

// MarkInterrupted flags scans and commits left running by a previous
// process. It returns the number of rows updated.
func (db *DB) MarkInterrupted(now time.Time) (int64, error) {
	var total int64

	res, err := db.Exec(`UPDATE scan_runs SET status = ?, completed_at = ? WHERE status = ?`,
		ScanRunStatusInterrupted, now.UTC(), ScanRunStatusRunning)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = db.Exec(`UPDATE commits SET status = ?, resolved_at = ? WHERE status = ?`,
		CommitStatusInterrupted, now.UTC(), CommitStatusInFlight)
	if err != nil {
		return total, err
	}
	n, _ = res.RowsAffected()
	return total + n, nil
}

// GetStats returns aggregate history figures. Only successful actions whose
// completion reported a change count as applied.
func (db *DB) GetStats() (*Stats, error) {
	var s Stats
	if err := db.QueryRow(`SELECT COUNT(*) FROM scan_runs`).Scan(&s.ScanRuns); err != nil {
		return nil, err
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM commits`).Scan(&s.Commits); err != nil {
		return nil, err
	}
	err := db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(bytes), 0) FROM commit_actions
		WHERE status = 'success' AND COALESCE(marker, '') NOT IN ('', 'skipped', 'failed')`,
	).Scan(&s.ActionsApplied, &s.BytesReclaimed)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CleanupOldData removes history older than the retention period
func (db *DB) CleanupOldData(retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	_, err := db.Exec("DELETE FROM scan_runs WHERE completed_at < ? AND status != ?", cutoff, ScanRunStatusRunning)
	if err != nil {
		return err
	}

	// Deleting commits cascades to commit_actions
	_, err = db.Exec("DELETE FROM commits WHERE resolved_at < ? AND status != ?", cutoff, CommitStatusInFlight)
	return err
}

// IsNotFound reports whether err means the requested row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
