// Package attendance folds accepted face matches into the daily attendance ledger.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"face-attendance/internal/core/models"
	"face-attendance/internal/util/timezone"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

var (
	// ErrUnknownIdentity is returned when the identity is not in the person directory.
	ErrUnknownIdentity = errors.New("unknown identity")
	// ErrStoreUnavailable is returned when the attendance store fails.
	ErrStoreUnavailable = errors.New("attendance store unavailable")
	// ErrStoreTimeout is returned when a store call exceeds the configured timeout.
	ErrStoreTimeout = errors.New("attendance store timeout")
)

// DefaultStoreTimeout bounds every reconcile call.
const DefaultStoreTimeout = 2 * time.Second

// Directory resolves identity ids to person records. A missing person is (nil, nil).
type Directory interface {
	LookupPerson(ctx context.Context, identityID string) (*models.Person, error)
}

// Store is the persistence the reconciler needs. InsertAttendance reports false
// when a record for (identity_id, date) already exists.
type Store interface {
	FindAttendance(ctx context.Context, identityID string, date time.Time) (*models.AttendanceRecord, error)
	InsertAttendance(ctx context.Context, record *models.AttendanceRecord) (bool, error)
	UpdateAttendance(ctx context.Context, id uint, fields map[string]interface{}) error
}

// Notifier receives every successful outcome.
type Notifier interface {
	AttendanceChanged(ctx context.Context, outcome Outcome)
}

// Action is what a reconcile call did to the ledger.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
	ActionRejected  Action = "rejected"
)

// Sighting is one accepted match to fold into the ledger.
type Sighting struct {
	IdentityID string
	Confidence float64
	At         time.Time
	Source     string
}

// Outcome describes the result of a reconcile call. Record is the ledger state
// after the call and is nil when the call was rejected.
type Outcome struct {
	Action     Action                   `json:"action"`
	IdentityID string                   `json:"identity_id"`
	Date       time.Time                `json:"date"`
	At         time.Time                `json:"at"`
	Source     string                   `json:"source,omitempty"`
	Record     *models.AttendanceRecord `json:"record,omitempty"`
}

// Reconciler implements the per-identity, per-day state machine
// Absent -> Present (time_out follows the latest sighting).
type Reconciler struct {
	directory         Directory
	store             Store
	notifier          Notifier
	locks             *keyLock
	storeTimeout      time.Duration
	minUpdateInterval time.Duration
	location          *time.Location
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithStoreTimeout bounds lock acquisition and store calls of one reconcile.
func WithStoreTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.storeTimeout = d
		}
	}
}

// WithMinUpdateInterval skips time_out writes closer than d to the last stored sighting.
func WithMinUpdateInterval(d time.Duration) Option {
	return func(r *Reconciler) { r.minUpdateInterval = d }
}

// WithLocation sets the zone used to derive the calendar date.
func WithLocation(loc *time.Location) Option {
	return func(r *Reconciler) {
		if loc != nil {
			r.location = loc
		}
	}
}

// WithNotifier registers a notifier for created/updated/unchanged outcomes.
func WithNotifier(n Notifier) Option {
	return func(r *Reconciler) { r.notifier = n }
}

// NewReconciler creates a reconciler.
func NewReconciler(directory Directory, store Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		directory:    directory,
		store:        store,
		locks:        newKeyLock(),
		storeTimeout: DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.location == nil {
		r.location = timezone.Location()
	}
	return r
}

// DateOf returns the calendar date of t in the reconciler's zone, as UTC midnight.
func (r *Reconciler) DateOf(t time.Time) time.Time {
	y, m, d := t.In(r.location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Reconcile folds one match into the ledger.
func (r *Reconciler) Reconcile(ctx context.Context, identityID string, confidence float64, now time.Time) (Outcome, error) {
	return r.ReconcileSighting(ctx, Sighting{IdentityID: identityID, Confidence: confidence, At: now})
}

// ReconcileSighting folds one match into the ledger. A non-nil error means the
// outcome is ActionRejected and nothing was written.
func (r *Reconciler) ReconcileSighting(ctx context.Context, s Sighting) (Outcome, error) {
	date := r.DateOf(s.At)
	outcome := Outcome{Action: ActionRejected, IdentityID: s.IdentityID, Date: date, At: s.At, Source: s.Source}

	logger := log.WithFields(log.Fields{
		"identity_id": s.IdentityID,
		"date":        date.Format("2006-01-02"),
		"source":      s.Source,
	})

	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	record, action, err := r.apply(ctx, s, date)
	if err != nil {
		logger.WithField("reason", err.Error()).Warn("Attendance reconcile rejected")
		return outcome, err
	}

	outcome.Action = action
	outcome.Record = record

	switch action {
	case ActionCreated:
		logger.WithField("confidence", s.Confidence).Info("Attendance recorded (time in)")
	case ActionUpdated:
		logger.Debug("Attendance updated (time out)")
	}

	if r.notifier != nil {
		r.notifier.AttendanceChanged(ctx, outcome)
	}
	return outcome, nil
}

func (r *Reconciler) apply(ctx context.Context, s Sighting, date time.Time) (*models.AttendanceRecord, Action, error) {
	person, err := r.directory.LookupPerson(ctx, s.IdentityID)
	if err != nil {
		return nil, "", storeError(err)
	}
	if person == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownIdentity, s.IdentityID)
	}

	// find-then-insert-or-update is a critical section per (identity, date)
	unlock, err := r.locks.Lock(ctx, lockKey(s.IdentityID, date))
	if err != nil {
		return nil, "", storeError(err)
	}
	defer unlock()

	existing, err := r.store.FindAttendance(ctx, s.IdentityID, date)
	if err != nil {
		return nil, "", storeError(err)
	}

	if existing == nil {
		record := &models.AttendanceRecord{
			IdentityID:            s.IdentityID,
			Date:                  datatypes.Date(date),
			PersonID:              person.ID,
			TimeIn:                s.At,
			IsPresent:             true,
			RecognitionConfidence: s.Confidence,
			Source:                s.Source,
		}
		created, err := r.store.InsertAttendance(ctx, record)
		if err != nil {
			return nil, "", storeError(err)
		}
		if created {
			return record, ActionCreated, nil
		}

		// Another writer created the row first; continue as an update.
		existing, err = r.store.FindAttendance(ctx, s.IdentityID, date)
		if err != nil {
			return nil, "", storeError(err)
		}
		if existing == nil {
			return nil, "", fmt.Errorf("%w: record vanished after insert conflict", ErrStoreUnavailable)
		}
	}

	last := existing.LastSeen()
	if s.At.Before(last) {
		return existing, ActionUnchanged, nil
	}
	if r.minUpdateInterval > 0 && s.At.Sub(last) < r.minUpdateInterval {
		return existing, ActionUnchanged, nil
	}

	if err := r.store.UpdateAttendance(ctx, existing.ID, map[string]interface{}{"time_out": s.At}); err != nil {
		return nil, "", storeError(err)
	}
	at := s.At
	existing.TimeOut = &at
	return existing, ActionUpdated, nil
}

func storeError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStoreTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func lockKey(identityID string, date time.Time) string {
	return identityID + "|" + date.Format("2006-01-02")
}

// MultiNotifier fans an outcome out to several notifiers. Nil entries are skipped.
type MultiNotifier []Notifier

// AttendanceChanged implements Notifier.
func (m MultiNotifier) AttendanceChanged(ctx context.Context, outcome Outcome) {
	for _, n := range m {
		if n != nil {
			n.AttendanceChanged(ctx, outcome)
		}
	}
}
