package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/chainclaw/chainclaw/types"
)

// CreateDcaJob persists a new recurring buy job.
func (s *Store) CreateDcaJob(job *types.DcaJob) error {
	now := nowMS()
	job.CreatedAt = msTime(now)
	job.UpdatedAt = msTime(now)
	_, err := s.db.Exec(`INSERT INTO dca_jobs
		(id, user_id, wallet_address, from_token, to_token, amount, chain_id, frequency,
		 interval_ms, strategy, status, total_executions, max_executions, total_spent,
		 avg_price, last_executed_at, next_execution_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.UserID, job.WalletAddress, job.FromToken, job.ToToken, job.Amount,
		job.ChainID, string(job.Frequency), job.IntervalMS, string(job.Strategy),
		string(job.Status), job.TotalExecutions, job.MaxExecutions, job.TotalSpent,
		job.AvgPrice, timePtrMS(job.LastExecutedAt), job.NextExecutionAt.UnixMilli(), now, now)
	return err
}

// DcaJob returns a job by id, or ErrNotFound.
func (s *Store) DcaJob(id string) (*types.DcaJob, error) {
	row := s.db.QueryRow(dcaSelect+` WHERE id = ?`, id)
	return scanDcaJob(row)
}

// DueDcaJobs returns every active job whose next execution time is at or
// before now, ordered oldest first.
func (s *Store) DueDcaJobs(now time.Time) ([]*types.DcaJob, error) {
	rows, err := s.db.Query(dcaSelect+` WHERE status = 'active' AND next_execution_at <= ?
		ORDER BY next_execution_at`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var jobs []*types.DcaJob
	for rows.Next() {
		job, err := scanDcaJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UserDcaJobs returns the user's jobs, newest first.
func (s *Store) UserDcaJobs(userID string) ([]*types.DcaJob, error) {
	rows, err := s.db.Query(dcaSelect+` WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var jobs []*types.DcaJob
	for rows.Next() {
		job, err := scanDcaJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// AdvanceDcaJob records a completed (or explicitly skipped) round: counters,
// running totals, the last/next execution stamps, and the optional
// completion transition, all in one statement.
func (s *Store) AdvanceDcaJob(id string, spent string, avgPrice float64, executed bool, next time.Time) error {
	now := nowMS()
	execInc := 0
	if executed {
		execInc = 1
	}
	_, err := s.db.Exec(`UPDATE dca_jobs SET
		total_executions = total_executions + ?,
		total_spent = ?,
		avg_price = ?,
		last_executed_at = CASE WHEN ? != 0 THEN ? ELSE last_executed_at END,
		next_execution_at = ?,
		status = CASE WHEN max_executions > 0 AND total_executions + ? >= max_executions
			THEN 'completed' ELSE status END,
		updated_at = ?
		WHERE id = ?`,
		execInc, spent, avgPrice, execInc, now, next.UnixMilli(), execInc, now, id)
	return err
}

// SetDcaJobStatus moves a job to a new lifecycle state.
func (s *Store) SetDcaJobStatus(id string, status types.DcaStatus) error {
	res, err := s.db.Exec(`UPDATE dca_jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), nowMS(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const dcaSelect = `SELECT id, user_id, wallet_address, from_token, to_token, amount, chain_id,
	frequency, interval_ms, strategy, status, total_executions, max_executions, total_spent,
	avg_price, last_executed_at, next_execution_at, created_at, updated_at FROM dca_jobs`

func scanDcaJob(row rowScanner) (*types.DcaJob, error) {
	var job types.DcaJob
	var frequency, strategy, status string
	var lastExec, nextExec, createdAt, updatedAt int64
	err := row.Scan(&job.ID, &job.UserID, &job.WalletAddress, &job.FromToken, &job.ToToken,
		&job.Amount, &job.ChainID, &frequency, &job.IntervalMS, &strategy, &status,
		&job.TotalExecutions, &job.MaxExecutions, &job.TotalSpent, &job.AvgPrice,
		&lastExec, &nextExec, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Frequency = types.DcaFrequency(frequency)
	job.Strategy = types.DcaStrategy(strategy)
	job.Status = types.DcaStatus(status)
	if lastExec != 0 {
		t := msTime(lastExec)
		job.LastExecutedAt = &t
	}
	job.NextExecutionAt = msTime(nextExec)
	job.CreatedAt = msTime(createdAt)
	job.UpdatedAt = msTime(updatedAt)
	return &job, nil
}

func timePtrMS(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}
