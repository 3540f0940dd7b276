package models

type CameraType string

const (
	CameraTypeRTSP   CameraType = "rtsp"
	CameraTypeWebcam CameraType = "webcam"
)

type Camera struct {
	ID                uint64     `gorm:"primaryKey"`
	TenantID          uint64     `gorm:"not null;index:camera_site,priority:1"`
	SiteID            uint64     `gorm:"not null;index:camera_site,priority:2"`
	Name              string     `gorm:"type:varchar(200)"`
	Type              CameraType `gorm:"type:varchar(10);not null"`
	RTSPURL           string     `gorm:"type:varchar(1000)"`
	DeviceIndex       *int       // Local capture device, webcams only
	Active            bool       `gorm:"not null;default:true"`
	Caps              string     `gorm:"type:text"` // Last probed capability snapshot (JSON)
	LastProbeAt       int64
	LastStateChangeAt int64
	CreatedAt         int64
	UpdatedAt         int64
}
