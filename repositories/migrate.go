package repositories

import (
	"chat-relay/domain"

	"gorm.io/gorm"
)

// Migrate creates or updates the schema for every persisted entity.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.User{},
		&domain.Channel{},
		&domain.Message{},
		&domain.Membership{},
	)
}
