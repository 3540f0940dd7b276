package models

type WorkerStatus string

const (
	WorkerOffline     WorkerStatus = "offline"
	WorkerIdle        WorkerStatus = "idle"
	WorkerProcessing  WorkerStatus = "processing"
	WorkerError       WorkerStatus = "error"
	WorkerMaintenance WorkerStatus = "maintenance"
)

func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerOffline, WorkerIdle, WorkerProcessing, WorkerError, WorkerMaintenance:
		return true
	}
	return false
}

// Capabilities is what a worker declares about itself on registration and heartbeat
type Capabilities struct {
	DetectorType string `gorm:"type:varchar(50)"`
	EmbedderType string `gorm:"type:varchar(50)"`
	FrameRate    int
	Slots        int `gorm:"not null;default:1"`
	CPU          int
	GPU          int
	MemMB        int
}

type Worker struct {
	ID                string       `gorm:"primaryKey;type:varchar(64)"`
	TenantID          uint64       `gorm:"not null;index:worker_pool,priority:1"`
	SiteID            uint64       `gorm:"not null;index:worker_pool,priority:2"`
	Status            WorkerStatus `gorm:"type:varchar(20);not null;index:worker_pool,priority:3"`
	Hostname          string       `gorm:"type:varchar(255)"`
	Capabilities      Capabilities `gorm:"embedded;embeddedPrefix:cap_"`
	RegisteredAt      int64        `gorm:"not null"` // UNIX nanoseconds, used to order candidates
	LastHeartbeat     int64        `gorm:"not null;index"`
	LastSeenAt        int64        `gorm:"not null"`
	ErrorCount        int          `gorm:"not null;default:0"`
	LastError         string       `gorm:"type:varchar(500)"`
	FacesProcessed    uint64       `gorm:"not null;default:0"`
	CurrentCameraID   *uint64      // Denormalized, the lease is authoritative
	ShutdownRequested bool         `gorm:"not null;default:false"`
	CreatedAt         int64
	UpdatedAt         int64
}
