package models

import "gorm.io/gorm"

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Site{},
		&Worker{},
		&Camera{},
		&CameraSession{},
		&Person{},
		&Visit{},
		&DetectionEvent{},
	)
}
