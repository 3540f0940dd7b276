package models

type Person struct {
	ID          uint64 `gorm:"primaryKey"`
	TenantID    uint64 `gorm:"not null;index"`
	Name        string `gorm:"type:varchar(300)"`
	IsStaff     bool   `gorm:"not null;default:false;index"`
	Embedding   []byte `gorm:"type:blob"` // little-endian float32 vector
	FirstSeenAt int64
	LastSeenAt  int64
	Detections  uint64 `gorm:"not null;default:0"`
	CreatedAt   int64
}

// TableName overrides the table name
func (Person) TableName() string {
	return "people"
}

type Visit struct {
	ID          uint64 `gorm:"primaryKey"`
	TenantID    uint64 `gorm:"not null;index"`
	PersonID    uint64 `gorm:"not null;index:uniq_visit,unique,priority:1"`
	SiteID      uint64 `gorm:"not null;index:uniq_visit,unique,priority:2"`
	Day         string `gorm:"type:varchar(10);not null;index:uniq_visit,unique,priority:3"`
	FirstSeenAt int64
	LastSeenAt  int64
	Detections  uint64 `gorm:"not null;default:0"`
}
