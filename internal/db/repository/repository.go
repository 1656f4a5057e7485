package repository

import (
	"context"
	"errors"
	"time"

	"face-attendance/internal/core/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository definiert die Schnittstelle für die Datenbank-Operationen
type Repository interface {
	// Personenverzeichnis
	LookupPerson(ctx context.Context, identityID string) (*models.Person, error)
	ListPeople(ctx context.Context) ([]models.Person, error)
	SavePerson(ctx context.Context, person *models.Person) error
	DeletePerson(ctx context.Context, identityID string) error

	// Anwesenheit
	FindAttendance(ctx context.Context, identityID string, date time.Time) (*models.AttendanceRecord, error)
	InsertAttendance(ctx context.Context, record *models.AttendanceRecord) (bool, error)
	UpdateAttendance(ctx context.Context, id uint, fields map[string]interface{}) error
	ListAttendanceByDate(ctx context.Context, date time.Time) ([]models.AttendanceRecord, error)
	ListAttendanceByIdentity(ctx context.Context, identityID string, limit int) ([]models.AttendanceRecord, error)
	WasPresentAt(ctx context.Context, identityID string, date, at time.Time) (bool, error)
	DeleteAttendanceBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DailySummary(ctx context.Context, date time.Time) (models.DailySummary, error)
}

// SQLiteRepository implementiert die Repository-Schnittstelle für SQLite
type SQLiteRepository struct {
	db *gorm.DB
}

// NewSQLiteRepository erstellt eine neue SQLite-Repository-Instanz
func NewSQLiteRepository(db *gorm.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Personen-Methoden

// LookupPerson sucht eine Person anhand der Rollennummer. Nicht gefunden ergibt (nil, nil).
func (r *SQLiteRepository) LookupPerson(ctx context.Context, identityID string) (*models.Person, error) {
	var person models.Person
	result := r.db.WithContext(ctx).Where("roll_number = ?", identityID).First(&person)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &person, nil
}

// ListPeople holt alle Personen sortiert nach Rollennummer
func (r *SQLiteRepository) ListPeople(ctx context.Context) ([]models.Person, error) {
	var people []models.Person
	if err := r.db.WithContext(ctx).Order("roll_number").Find(&people).Error; err != nil {
		return nil, err
	}
	return people, nil
}

// SavePerson legt eine Person an oder aktualisiert Name und Telefonnummer
func (r *SQLiteRepository) SavePerson(ctx context.Context, person *models.Person) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "roll_number"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "phone", "updated_at"}),
	}).Create(person).Error
}

// DeletePerson entfernt eine Person aus dem Verzeichnis
func (r *SQLiteRepository) DeletePerson(ctx context.Context, identityID string) error {
	return r.db.WithContext(ctx).Unscoped().Where("roll_number = ?", identityID).Delete(&models.Person{}).Error
}

// Anwesenheits-Methoden

// FindAttendance holt den Eintrag für (identityID, Tag). Nicht gefunden ergibt (nil, nil).
func (r *SQLiteRepository) FindAttendance(ctx context.Context, identityID string, date time.Time) (*models.AttendanceRecord, error) {
	var record models.AttendanceRecord
	result := r.db.WithContext(ctx).
		Where("identity_id = ? AND date = ?", identityID, datatypes.Date(date)).
		First(&record)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &record, nil
}

// InsertAttendance legt einen Eintrag an. Existiert für (identity_id, date) bereits
// ein Eintrag, wird nichts geschrieben und false zurückgegeben.
func (r *SQLiteRepository) InsertAttendance(ctx context.Context, record *models.AttendanceRecord) (bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity_id"}, {Name: "date"}},
		DoNothing: true,
	}).Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// UpdateAttendance aktualisiert einzelne Felder eines Eintrags
func (r *SQLiteRepository) UpdateAttendance(ctx context.Context, id uint, fields map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&models.AttendanceRecord{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListAttendanceByDate holt alle Einträge eines Tages
func (r *SQLiteRepository) ListAttendanceByDate(ctx context.Context, date time.Time) ([]models.AttendanceRecord, error) {
	var records []models.AttendanceRecord
	result := r.db.WithContext(ctx).
		Where("date = ?", datatypes.Date(date)).
		Order("time_in ASC").
		Find(&records)
	if result.Error != nil {
		return nil, result.Error
	}
	return records, nil
}

// ListAttendanceByIdentity holt die neuesten Einträge einer Person
func (r *SQLiteRepository) ListAttendanceByIdentity(ctx context.Context, identityID string, limit int) ([]models.AttendanceRecord, error) {
	var records []models.AttendanceRecord
	query := r.db.WithContext(ctx).Where("identity_id = ?", identityID).Order("date DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// WasPresentAt prüft, ob die Person am Tag date zum Zeitpunkt at anwesend war:
// time_in <= at und (time_out >= at oder time_out fehlt).
func (r *SQLiteRepository) WasPresentAt(ctx context.Context, identityID string, date, at time.Time) (bool, error) {
	record, err := r.FindAttendance(ctx, identityID, date)
	if err != nil || record == nil {
		return false, err
	}
	if record.TimeIn.After(at) {
		return false, nil
	}
	return record.TimeOut == nil || !record.TimeOut.Before(at), nil
}

// DeleteAttendanceBefore löscht Einträge mit Datum vor cutoff endgültig
func (r *SQLiteRepository) DeleteAttendanceBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Unscoped().
		Where("date < ?", datatypes.Date(cutoff)).
		Delete(&models.AttendanceRecord{})
	return result.RowsAffected, result.Error
}

// DailySummary gibt Statistiken für einen Tag zurück
func (r *SQLiteRepository) DailySummary(ctx context.Context, date time.Time) (models.DailySummary, error) {
	summary := models.DailySummary{Date: date}
	tx := r.db.WithContext(ctx)

	if err := tx.Model(&models.AttendanceRecord{}).
		Where("date = ? AND is_present = ?", datatypes.Date(date), true).
		Count(&summary.Present).Error; err != nil {
		return summary, err
	}

	if err := tx.Model(&models.Person{}).Count(&summary.KnownPeople).Error; err != nil {
		return summary, err
	}

	if summary.Present > 0 {
		var avg struct{ Avg float64 }
		if err := tx.Model(&models.AttendanceRecord{}).
			Select("AVG(recognition_confidence) AS avg").
			Where("date = ?", datatypes.Date(date)).
			Scan(&avg).Error; err != nil {
			return summary, err
		}
		summary.AvgConfidence = avg.Avg
	}

	return summary, nil
}
