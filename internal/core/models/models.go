package models

import (
	"image"
	"math"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Person ist ein Eintrag im Personenverzeichnis (z.B. ein Bewohner mit Rollennummer)
type Person struct {
	gorm.Model
	RollNumber string `gorm:"uniqueIndex;not null" json:"roll_number"` // entspricht der identity_id der Galerie
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
}

// AttendanceRecord ist der Anwesenheitseintrag einer Person für einen Kalendertag.
// Pro (IdentityID, Date) existiert höchstens ein Eintrag.
type AttendanceRecord struct {
	gorm.Model
	IdentityID            string         `gorm:"not null;uniqueIndex:idx_attendance_identity_date,priority:1" json:"identity_id"`
	Date                  datatypes.Date `gorm:"not null;uniqueIndex:idx_attendance_identity_date,priority:2;index" json:"date"`
	PersonID              uint           `gorm:"index" json:"person_id"`
	Person                Person         `gorm:"foreignKey:PersonID" json:"-"`
	TimeIn                time.Time      `gorm:"not null" json:"time_in"`
	TimeOut               *time.Time     `json:"time_out,omitempty"`
	IsPresent             bool           `gorm:"default:true" json:"is_present"`
	RecognitionConfidence float64        `json:"recognition_confidence"`
	Source                string         `gorm:"index" json:"source"` // Kamera, die den ersten Treffer geliefert hat
}

// Duration gibt die Zeit zwischen erster und letzter Sichtung zurück
func (r *AttendanceRecord) Duration() time.Duration {
	if r.TimeOut == nil {
		return 0
	}
	return r.TimeOut.Sub(r.TimeIn)
}

// LastSeen ist time_out, falls gesetzt, sonst time_in
func (r *AttendanceRecord) LastSeen() time.Time {
	if r.TimeOut != nil {
		return *r.TimeOut
	}
	return r.TimeIn
}

// Embedding ist ein Gesichtsvektor fester Länge
type Embedding []float32

// Distance berechnet die euklidische Distanz. Bei unterschiedlicher Länge
// wird +Inf zurückgegeben.
func (e Embedding) Distance(other Embedding) float64 {
	if len(e) != len(other) {
		return math.Inf(1)
	}
	var sum float64
	for i := range e {
		d := float64(e[i]) - float64(other[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// KnownIdentity ist ein Galerieeintrag: eine bekannte Identität mit Referenzvektor
type KnownIdentity struct {
	IdentityID string
	Embedding  Embedding
}

// Detection ist ein erkanntes Gesicht eines Frames
type Detection struct {
	Region    image.Rectangle
	Embedding Embedding
}

// MatchResult ist das Ergebnis des Galerieabgleichs für einen Gesichtsvektor
type MatchResult struct {
	IdentityID string  `json:"identity_id,omitempty"` // leer = kein Treffer
	Confidence float64 `json:"confidence"`
	Distance   float64 `json:"distance"`
}

// Matched meldet, ob eine Identität akzeptiert wurde
func (m MatchResult) Matched() bool {
	return m.IdentityID != ""
}

// DailySummary fasst einen Kalendertag zusammen
type DailySummary struct {
	Date          time.Time `json:"date"`
	Present       int64     `json:"present"`
	KnownPeople   int64     `json:"known_people"`
	AvgConfidence float64   `json:"avg_confidence"`
}
