package homeassistant

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"face-attendance/internal/attendance"
	"face-attendance/internal/core/models"
	"face-attendance/internal/core/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockMessenger struct {
	mock.Mock
}

func (m *MockMessenger) Publish(topic string, payload interface{}) error {
	return m.Called(topic, payload).Error(0)
}

func (m *MockMessenger) PublishRetain(topic string, payload interface{}) error {
	return m.Called(topic, payload).Error(0)
}

func TestAttendanceChanged(t *testing.T) {
	timeIn := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	outcome := attendance.Outcome{
		Action:     attendance.ActionCreated,
		IdentityID: "R100",
		Date:       time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
		At:         timeIn,
		Source:     "gate",
		Record:     &models.AttendanceRecord{IdentityID: "R100", TimeIn: timeIn, RecognitionConfidence: 0.7},
	}

	m := new(MockMessenger)
	m.On("Publish", "attendance/attendance/R100", mock.MatchedBy(func(e AttendanceEvent) bool {
		return e.Action == "created" && e.Date == "2024-03-04" && e.Camera == "gate" && e.Confidence == 0.7
	})).Return(nil).Once()
	m.On("PublishRetain", "attendance/attendance/R100/state", "present").Return(nil).Once()

	p := NewPublisher(m, "attendance", false)
	p.AttendanceChanged(context.Background(), outcome)

	// unchanged and rejected outcomes are not published
	p.AttendanceChanged(context.Background(), attendance.Outcome{Action: attendance.ActionUnchanged, IdentityID: "R100"})
	p.AttendanceChanged(context.Background(), attendance.Outcome{Action: attendance.ActionRejected, IdentityID: "R100"})

	m.AssertExpectations(t)
}

func TestAttendanceChanged_UpdateHasNoState(t *testing.T) {
	m := new(MockMessenger)
	m.On("Publish", "attendance/attendance/R100", mock.Anything).Return(nil).Once()

	p := NewPublisher(m, "attendance", false)
	p.AttendanceChanged(context.Background(), attendance.Outcome{Action: attendance.ActionUpdated, IdentityID: "R100"})

	m.AssertExpectations(t)
	m.AssertNotCalled(t, "PublishRetain", mock.Anything, mock.Anything)
}

func TestRender(t *testing.T) {
	result := pipeline.FrameResult{
		Seq:    3,
		Camera: "gate",
		Faces: []pipeline.FaceResult{
			{Region: image.Rect(10, 20, 50, 80), IdentityID: "R100", Matched: true, Confidence: 0.7, Action: attendance.ActionCreated},
			{Region: image.Rect(100, 20, 140, 80), Confidence: -0.2},
		},
	}

	m := new(MockMessenger)
	m.On("Publish", "attendance/cameras/gate", mock.MatchedBy(func(e CameraEvent) bool {
		return e.Counts == Counts{Person: 2, Match: 1, Unknown: 1} &&
			e.Matches[0].Box == Box{Top: 20, Left: 10, Width: 40, Height: 60} &&
			e.Unknowns[0].Name == "Unknown"
	})).Return(nil).Twice()
	m.On("Publish", "attendance/cameras/gate/person", "2").Return(nil).Once()

	p := NewPublisher(m, "attendance", true)
	assert.NoError(t, p.Render(context.Background(), nil, result))
	// same count again does not republish the counter
	assert.NoError(t, p.Render(context.Background(), nil, result))
	m.AssertExpectations(t)
}

func TestRender_DisabledOrEmpty(t *testing.T) {
	m := new(MockMessenger)
	assert.NoError(t, NewPublisher(m, "attendance", false).Render(context.Background(), nil,
		pipeline.FrameResult{Camera: "gate", Faces: []pipeline.FaceResult{{Matched: true}}}))
	assert.NoError(t, NewPublisher(m, "attendance", true).Render(context.Background(), nil,
		pipeline.FrameResult{Camera: "gate"}))
	m.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestRender_PublishError(t *testing.T) {
	m := new(MockMessenger)
	m.On("Publish", mock.Anything, mock.Anything).Return(errors.New("not connected"))

	p := NewPublisher(m, "attendance", true)
	err := p.Render(context.Background(), nil, pipeline.FrameResult{Camera: "gate", Faces: []pipeline.FaceResult{{}}})
	assert.Error(t, err)
}

func TestCheckAndResetCounters(t *testing.T) {
	clock := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	m := new(MockMessenger)
	m.On("Publish", "attendance/cameras/gate", mock.Anything).Return(nil)
	m.On("Publish", "attendance/cameras/gate/person", "1").Return(nil).Once()
	m.On("Publish", "attendance/cameras/gate/person", "0").Return(nil).Once()

	p := NewPublisher(m, "attendance", true)
	p.now = func() time.Time { return clock }

	assert.NoError(t, p.Render(context.Background(), nil, pipeline.FrameResult{Camera: "gate", Faces: []pipeline.FaceResult{{}}}))

	p.checkAndResetCounters()
	clock = clock.Add(time.Minute)
	p.checkAndResetCounters()
	p.checkAndResetCounters()

	m.AssertExpectations(t)
}

func TestDiscovery(t *testing.T) {
	m := new(MockMessenger)
	m.On("PublishRetain", "homeassistant/sensor/face_attendance/r100/config", mock.MatchedBy(func(c SensorConfig) bool {
		return c.StateTopic == "attendance/attendance/R100/state" && c.Name == "Attendance Asha" &&
			c.AvailabilityTopic == "attendance/status"
	})).Return(nil).Once()
	m.On("PublishRetain", "homeassistant/sensor/face_attendance/camera_front_door/config", mock.MatchedBy(func(c SensorConfig) bool {
		return c.StateTopic == "attendance/cameras/Front Door/person"
	})).Return(nil).Once()
	m.On("PublishRetain", "attendance/status", "online").Return(nil).Once()

	dm := NewDiscoveryManager(m, "attendance")
	dm.RegisterPeople([]models.Person{{RollNumber: "R100", Name: "Asha"}})
	dm.RegisterCameras([]string{"Front Door"})
	assert.NoError(t, dm.PublishAvailability(true))

	m.AssertExpectations(t)
}
