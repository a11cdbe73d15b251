package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/toolmesh/toolmesh/schedule"
)

// SQLiteJobStore implements schedule.JobStore over the jobs table. Claim uses
// a single write transaction so two concurrent ticks can never own the same
// job.
type SQLiteJobStore struct {
	store *Store
}

// Jobs returns the job store view of a Store.
func (s *Store) Jobs() *SQLiteJobStore { return &SQLiteJobStore{store: s} }

var _ schedule.JobStore = (*SQLiteJobStore)(nil)

// Put inserts or replaces a job after validation.
func (js *SQLiteJobStore) Put(job schedule.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	specJSON, err := json.Marshal(job.Spec)
	if err != nil {
		return fmt.Errorf("marshaling spec for job %s: %w", job.ID, err)
	}
	actionJSON, err := json.Marshal(job.Action)
	if err != nil {
		return fmt.Errorf("marshaling action for job %s: %w", job.ID, err)
	}

	_, err = js.store.db.Exec(`
		INSERT INTO jobs (id, name, spec, action, next_run, last_run, enabled, running)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			spec = excluded.spec,
			action = excluded.action,
			next_run = excluded.next_run,
			last_run = excluded.last_run,
			enabled = excluded.enabled,
			running = excluded.running`,
		job.ID, job.Name, string(specJSON), string(actionJSON),
		job.NextRun.UTC(), nullTime(job.LastRun), job.Enabled, job.Running)
	if err != nil {
		return fmt.Errorf("storing job %s: %w", job.ID, err)
	}
	return nil
}

// Get returns the job with the given ID.
func (js *SQLiteJobStore) Get(id string) (schedule.Job, error) {
	row := js.store.db.QueryRow(
		`SELECT id, name, spec, action, next_run, last_run, enabled, running FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return schedule.Job{}, fmt.Errorf("get %s: %w", id, schedule.ErrJobNotFound)
	}
	return job, err
}

// List returns all jobs.
func (js *SQLiteJobStore) List() ([]schedule.Job, error) {
	rows, err := js.store.db.Query(
		`SELECT id, name, spec, action, next_run, last_run, enabled, running FROM jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []schedule.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Delete removes a job.
func (js *SQLiteJobStore) Delete(id string) error {
	res, err := js.store.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete %s: %w", id, schedule.ErrJobNotFound)
	}
	return nil
}

// Claim atomically selects due jobs and marks them running. The select and
// update run in one transaction, so a job is handed to exactly one caller.
func (js *SQLiteJobStore) Claim(now time.Time) ([]schedule.Job, error) {
	tx, err := js.store.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id, name, spec, action, next_run, last_run, enabled, running
		 FROM jobs WHERE enabled = 1 AND running = 0 AND next_run <= ?`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("selecting due jobs: %w", err)
	}

	var claimed []schedule.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range claimed {
		claimed[i].Running = true
		if _, err := tx.Exec(`UPDATE jobs SET running = 1 WHERE id = ?`, claimed[i].ID); err != nil {
			return nil, fmt.Errorf("claiming job %s: %w", claimed[i].ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return claimed, nil
}

// Complete finishes a claimed job.
func (js *SQLiteJobStore) Complete(id string, lastRun, nextRun time.Time, disable bool) error {
	enabled := 1
	if disable {
		enabled = 0
	}
	res, err := js.store.db.Exec(
		`UPDATE jobs SET running = 0, last_run = ?, next_run = ?, enabled = ? WHERE id = ?`,
		lastRun.UTC(), nextRun.UTC(), enabled, id)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete %s: %w", id, schedule.ErrJobNotFound)
	}
	return nil
}

// ResetRunning clears stale running flags left by an unclean shutdown.
func (js *SQLiteJobStore) ResetRunning() error {
	if _, err := js.store.db.Exec(`UPDATE jobs SET running = 0 WHERE running = 1`); err != nil {
		return fmt.Errorf("resetting running flags: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (schedule.Job, error) {
	var (
		job        schedule.Job
		specJSON   string
		actionJSON string
		lastRun    sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.Name, &specJSON, &actionJSON,
		&job.NextRun, &lastRun, &job.Enabled, &job.Running); err != nil {
		if err == sql.ErrNoRows {
			return schedule.Job{}, err
		}
		return schedule.Job{}, fmt.Errorf("scanning job: %w", err)
	}
	if err := json.Unmarshal([]byte(specJSON), &job.Spec); err != nil {
		return schedule.Job{}, fmt.Errorf("%w: bad spec for job %s: %v", ErrCorruptStore, job.ID, err)
	}
	if err := json.Unmarshal([]byte(actionJSON), &job.Action); err != nil {
		return schedule.Job{}, fmt.Errorf("%w: bad action for job %s: %v", ErrCorruptStore, job.ID, err)
	}
	if lastRun.Valid {
		job.LastRun = lastRun.Time
	}
	return job, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
