package scheduler

import (
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateJob(job *Job) error {
	return d.db.Create(job).Error
}

// DueJobs returns pending jobs whose run time has passed.
func (d *Database) DueJobs(now time.Time, limit int) ([]Job, error) {
	var jobs []Job
	err := d.db.Where("status = ? AND run_at <= ?", JobPending, now).
		Order("run_at asc").Limit(limit).Find(&jobs).Error
	return jobs, err
}

// ClaimJob flips one job pending -> running. Returns false when another
// worker got there first.
func (d *Database) ClaimJob(jobID string) (bool, error) {
	res := d.db.Model(&Job{}).
		Where("job_id = ? AND status = ?", jobID, JobPending).
		Updates(map[string]interface{}{
			"status":   JobRunning,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (d *Database) FinishJob(jobID, status string) error {
	return d.db.Model(&Job{}).
		Where("job_id = ?", jobID).
		Update("status", status).Error
}

// ReclaimStale returns running jobs that have been held longer than the
// timeout to pending, so a crash mid-execution cannot strand a chain.
func (d *Database) ReclaimStale(olderThan time.Time) (int64, error) {
	res := d.db.Model(&Job{}).
		Where("status = ? AND updated_at < ?", JobRunning, olderThan).
		Update("status", JobPending)
	return res.RowsAffected, res.Error
}

// PendingJobsForOrder reports whether an order still has queued work, used by
// crash recovery at startup to re-seed orphaned active orders.
func (d *Database) PendingJobsForOrder(orderID string) (int64, error) {
	var count int64
	err := d.db.Model(&Job{}).
		Where("order_id = ? AND status IN ?", orderID, []string{JobPending, JobRunning}).
		Count(&count).Error
	return count, err
}
