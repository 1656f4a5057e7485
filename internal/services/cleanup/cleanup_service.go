package cleanup

import (
	"context"
	"fmt"
	"time"

	"face-attendance/config"
	"face-attendance/internal/util/timezone"

	log "github.com/sirupsen/logrus"
)

// Purger löscht Anwesenheitseinträge vor einem Stichtag
type Purger interface {
	DeleteAttendanceBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupService ist verantwortlich für die automatische Bereinigung alter Anwesenheitsdaten
type CleanupService struct {
	store         Purger
	config        config.CleanupConfig
	checkInterval time.Duration
	now           func() time.Time
}

// NewCleanupService erstellt einen neuen Cleanup-Service
func NewCleanupService(store Purger, cfg config.CleanupConfig) *CleanupService {
	return &CleanupService{
		store:         store,
		config:        cfg,
		checkInterval: 24 * time.Hour, // Standardmäßig einmal täglich prüfen
		now:           timezone.Now,
	}
}

// Start startet den Bereinigungsdienst und blockiert bis ctx endet
func (s *CleanupService) Start(ctx context.Context) {
	if s.config.RetentionDays <= 0 {
		log.Info("Cleanup disabled (retention days <= 0)")
		return
	}
	log.Infof("Cleanup service started (retention %d days)", s.config.RetentionDays)

	// Sofort eine erste Bereinigung durchführen
	if _, err := s.RunCleanup(ctx); err != nil {
		log.Errorf("Initial cleanup failed: %v", err)
	}

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			log.Info("Running scheduled cleanup")
			if _, err := s.RunCleanup(ctx); err != nil {
				log.Errorf("Scheduled cleanup failed: %v", err)
			}
		case <-ctx.Done():
			log.Info("Cleanup service stopped")
			return
		}
	}
}

// RunCleanup löscht alle Einträge, deren Kalendertag älter als RetentionDays ist
func (s *CleanupService) RunCleanup(ctx context.Context) (int64, error) {
	if s.config.RetentionDays <= 0 {
		return 0, nil
	}

	cutoff := timezone.Date(s.now().AddDate(0, 0, -s.config.RetentionDays))
	log.Infof("Cleaning up attendance older than %s", cutoff.Format("2006-01-02"))

	deleted, err := s.store.DeleteAttendanceBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old attendance records: %w", err)
	}

	log.Infof("Cleanup completed: deleted %d attendance records", deleted)
	return deleted, nil
}
