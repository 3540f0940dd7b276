package models

type DetectionEvent struct {
	ID         string `gorm:"primaryKey;type:varchar(36)"`
	TenantID   uint64 `gorm:"not null;index:event_site_time,priority:1"`
	SiteID     uint64 `gorm:"not null;index:event_site_time,priority:2"`
	DetectedAt int64  `gorm:"not null;index:event_site_time,priority:3"`
	CameraID   uint64 `gorm:"not null;index"`
	WorkerID   string `gorm:"type:varchar(64)"`
	Generation int64
	PersonID   uint64
	VisitID    *uint64
	Confidence float32
	RectX1     uint16
	RectY1     uint16
	RectX2     uint16
	RectY2     uint16
	StaffMatch bool
	ImagePath  string `gorm:"type:varchar(500)"`
	CreatedAt  int64
}
