package models

type LeaseState string

const (
	LeasePending    LeaseState = "PENDING"
	LeaseActive     LeaseState = "ACTIVE"
	LeasePaused     LeaseState = "PAUSED"
	LeaseOrphaned   LeaseState = "ORPHANED"
	LeaseTerminated LeaseState = "TERMINATED"
)

// CameraSession is the lease on one camera. Exactly one row per camera.
type CameraSession struct {
	CameraID       uint64     `gorm:"primaryKey;autoIncrement:false"`
	TenantID       uint64     `gorm:"not null;index:session_pool,priority:1"`
	SiteID         uint64     `gorm:"not null;index:session_pool,priority:2"`
	State          LeaseState `gorm:"type:varchar(16);not null;index:session_pool,priority:3"`
	WorkerID       *string    `gorm:"type:varchar(64);index"`
	Generation     int64      `gorm:"not null;default:0"` // Fencing token
	LeaseExpiresAt *int64
	ResumeAt       *int64 // PAUSED only: when the sweep may return it to the pool, nil = operator hold
	Reason         string `gorm:"type:varchar(255)"`
	CreatedAt      int64
	UpdatedAt      int64
}

func (s *CameraSession) HeldBy(workerID string) bool {
	return s.WorkerID != nil && *s.WorkerID == workerID
}
