package models

import (
	"time"

	"github.com/zsefvlol/timezonemapper"
)

type Site struct {
	ID        uint64 `gorm:"primaryKey"`
	TenantID  uint64 `gorm:"not null;index"`
	Name      string `gorm:"type:varchar(200)"`
	Latitude  *float64
	Longitude *float64
	CreatedAt int64
}

// Location returns the site's time zone based on its coordinates (or Local if unknown)
func (s *Site) Location() *time.Location {
	if s.Latitude == nil || s.Longitude == nil {
		return time.Local
	}
	zone, err := time.LoadLocation(timezonemapper.LatLngToTimezoneString(*s.Latitude, *s.Longitude))
	if err != nil || zone == nil {
		return time.Local
	}
	return zone
}

// LocalDay formats t as the site-local calendar day, e.g. "2024-03-01"
func (s *Site) LocalDay(t time.Time) string {
	return t.In(s.Location()).Format("2006-01-02")
}
