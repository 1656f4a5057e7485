package homeassistant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"face-attendance/internal/attendance"
	"face-attendance/internal/core/pipeline"
	"face-attendance/internal/integrations/mqtt"

	log "github.com/sirupsen/logrus"
)

// Messenger is the MQTT client surface the publisher needs.
type Messenger interface {
	Publish(topic string, payload interface{}) error
	PublishRetain(topic string, payload interface{}) error
}

// Publisher verwaltet die Veröffentlichung von Anwesenheits- und Kameraereignissen via MQTT
type Publisher struct {
	client           Messenger
	prefix           string
	publishFrames    bool
	resetAfter       time.Duration
	now              func() time.Time
	mutex            sync.Mutex
	personCounters   map[string]int       // Zähler für erkannte Gesichter pro Kamera
	personLastUpdate map[string]time.Time // Zeitpunkt der letzten Aktualisierung
}

// AttendanceEvent wird bei jeder Änderung des Anwesenheitseintrags veröffentlicht
type AttendanceEvent struct {
	IdentityID string     `json:"identity_id"`
	Action     string     `json:"action"`
	Date       string     `json:"date"`
	TimeIn     time.Time  `json:"time_in"`
	TimeOut    *time.Time `json:"time_out,omitempty"`
	Confidence float64    `json:"confidence"`
	Camera     string     `json:"camera,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// CameraEvent enthält die Ergebnisse eines Frames
type CameraEvent struct {
	Seq       uint64    `json:"seq"`
	Camera    string    `json:"camera"`
	Timestamp time.Time `json:"timestamp"`
	Matches   []Match   `json:"matches"`
	Unknowns  []Match   `json:"unknowns"`
	Counts    Counts    `json:"counts"`
}

// Match enthält die Details eines erkannten Gesichts
type Match struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Match      bool    `json:"match"`
	Box        Box     `json:"box"`
	Action     string  `json:"action,omitempty"`
}

// Box enthält die Koordinaten eines erkannten Gesichts
type Box struct {
	Top    int `json:"top"`
	Left   int `json:"left"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Counts enthält Zählungen verschiedener Ergebnistypen
type Counts struct {
	Person  int `json:"person"`
	Match   int `json:"match"`
	Unknown int `json:"unknown"`
}

// NewPublisher erstellt einen neuen MQTT-Publisher. Frames werden nur bei
// publishFrames veröffentlicht, Anwesenheitsereignisse immer.
func NewPublisher(client Messenger, prefix string, publishFrames bool) *Publisher {
	return &Publisher{
		client:           client,
		prefix:           prefix,
		publishFrames:    publishFrames,
		resetAfter:       30 * time.Second,
		now:              time.Now,
		personCounters:   make(map[string]int),
		personLastUpdate: make(map[string]time.Time),
	}
}

func (p *Publisher) topic(format string, args ...interface{}) string {
	return mqtt.Topic(p.prefix, fmt.Sprintf(format, args...))
}

// AttendanceChanged implements attendance.Notifier.
func (p *Publisher) AttendanceChanged(_ context.Context, outcome attendance.Outcome) {
	if outcome.Action != attendance.ActionCreated && outcome.Action != attendance.ActionUpdated {
		return
	}

	event := AttendanceEvent{
		IdentityID: outcome.IdentityID,
		Action:     string(outcome.Action),
		Date:       outcome.Date.Format("2006-01-02"),
		Camera:     outcome.Source,
		Timestamp:  outcome.At,
	}
	if rec := outcome.Record; rec != nil {
		event.TimeIn = rec.TimeIn
		event.TimeOut = rec.TimeOut
		event.Confidence = rec.RecognitionConfidence
	}

	if err := p.client.Publish(p.topic("attendance/%s", outcome.IdentityID), event); err != nil {
		log.WithField("identity_id", outcome.IdentityID).Errorf("Failed to publish attendance event: %v", err)
		return
	}

	// Zustand für Home Assistant (present bis zum nächsten Tag)
	if outcome.Action == attendance.ActionCreated {
		if err := p.client.PublishRetain(p.topic("attendance/%s/state", outcome.IdentityID), "present"); err != nil {
			log.WithField("identity_id", outcome.IdentityID).Errorf("Failed to publish attendance state: %v", err)
		}
	}
}

// Render implements pipeline.Sink.
func (p *Publisher) Render(_ context.Context, _ pipeline.Frame, result pipeline.FrameResult) error {
	if !p.publishFrames || len(result.Faces) == 0 {
		return nil
	}

	event := CameraEvent{
		Seq:       result.Seq,
		Camera:    result.Camera,
		Timestamp: result.CapturedAt,
		Matches:   make([]Match, 0),
		Unknowns:  make([]Match, 0),
		Counts:    Counts{Person: len(result.Faces)},
	}

	for _, face := range result.Faces {
		r := face.Region
		m := Match{
			Name:       face.Label(),
			Confidence: face.Confidence,
			Match:      face.Matched,
			Box:        Box{Top: r.Min.Y, Left: r.Min.X, Width: r.Dx(), Height: r.Dy()},
			Action:     string(face.Action),
		}
		if face.Matched {
			event.Matches = append(event.Matches, m)
			event.Counts.Match++
		} else {
			event.Unknowns = append(event.Unknowns, m)
			event.Counts.Unknown++
		}
	}

	if err := p.client.Publish(p.topic("cameras/%s", result.Camera), event); err != nil {
		return fmt.Errorf("failed to publish camera result: %w", err)
	}

	p.updatePersonCounter(result.Camera, len(result.Faces))
	return nil
}

// StartResetTimers setzt Personenzähler ohne Aktualisierung zurück, bis ctx endet
func (p *Publisher) StartResetTimers(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.checkAndResetCounters()
			}
		}
	}()
}

// checkAndResetCounters prüft, ob Zähler zurückgesetzt werden müssen
func (p *Publisher) checkAndResetCounters() {
	now := p.now()

	p.mutex.Lock()
	var stale []string
	for camera, lastUpdate := range p.personLastUpdate {
		if now.Sub(lastUpdate) > p.resetAfter {
			stale = append(stale, camera)
			p.personCounters[camera] = 0
			delete(p.personLastUpdate, camera)
		}
	}
	p.mutex.Unlock()

	for _, camera := range stale {
		if err := p.client.Publish(p.topic("cameras/%s/person", camera), "0"); err != nil {
			log.Errorf("Failed to publish person counter reset for camera %s: %v", camera, err)
		} else {
			log.Debugf("Reset person counter for camera %s", camera)
		}
	}
}

// updatePersonCounter veröffentlicht die Anzahl Gesichter im letzten Frame
func (p *Publisher) updatePersonCounter(camera string, faces int) {
	p.mutex.Lock()
	changed := p.personCounters[camera] != faces
	p.personCounters[camera] = faces
	p.personLastUpdate[camera] = p.now()
	p.mutex.Unlock()

	if !changed {
		return
	}
	if err := p.client.Publish(p.topic("cameras/%s/person", camera), fmt.Sprintf("%d", faces)); err != nil {
		log.Errorf("Failed to publish person counter for camera %s: %v", camera, err)
	}
}

// PublishError veröffentlicht eine Fehlermeldung
func (p *Publisher) PublishError(err error) error {
	return p.client.Publish(p.topic("errors"), err.Error())
}
