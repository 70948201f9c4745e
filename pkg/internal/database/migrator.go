package database

import (
	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"gorm.io/gorm"
)

var AutoMaintainRange = []any{
	&models.Friendship{},
	&models.CallSession{},
}

// FeedChannel is the postgres notification channel carrying changed call session ids.
const FeedChannel = "call_sessions"

var feedTriggerStatements = []string{
	`CREATE OR REPLACE FUNCTION notify_call_session_change() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('` + FeedChannel + `', NEW.id);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS call_session_change ON call_sessions`,
	`CREATE TRIGGER call_session_change AFTER INSERT OR UPDATE ON call_sessions
	FOR EACH ROW EXECUTE FUNCTION notify_call_session_change()`,
}

func RunMigration(source *gorm.DB) error {
	if err := source.AutoMigrate(AutoMaintainRange...); err != nil {
		return err
	}

	return source.Transaction(func(tx *gorm.DB) error {
		for _, stmt := range feedTriggerStatements {
			if err := tx.Exec(stmt).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
