// Package snapshots keeps the latest annotated frame of every camera in memory
// and serves it over HTTP.
package snapshots

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Snapshot is the last annotated JPEG of a camera.
type Snapshot struct {
	Camera    string    `json:"camera"`
	Timestamp time.Time `json:"timestamp"`
	Faces     int       `json:"faces"`
	Data      []byte    `json:"-"`
}

// Store holds at most maxCameras snapshots, the least recently updated camera is evicted first.
type Store struct {
	snapshots  map[string]*Snapshot
	maxCameras int
	now        func() time.Time
	mutex      sync.RWMutex
}

// NewStore creates a snapshot store.
func NewStore(maxCameras int) *Store {
	if maxCameras <= 0 {
		maxCameras = 16 // Standardwert falls nicht angegeben
	}
	return &Store{
		snapshots:  make(map[string]*Snapshot),
		maxCameras: maxCameras,
		now:        time.Now,
	}
}

// Put replaces the snapshot of camera.
func (s *Store) Put(camera string, data []byte, faces int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.snapshots[camera]; !exists && len(s.snapshots) >= s.maxCameras {
		var oldest *Snapshot
		for _, snap := range s.snapshots {
			if oldest == nil || snap.Timestamp.Before(oldest.Timestamp) {
				oldest = snap
			}
		}
		delete(s.snapshots, oldest.Camera)
	}

	s.snapshots[camera] = &Snapshot{
		Camera:    camera,
		Timestamp: s.now(),
		Faces:     faces,
		Data:      data,
	}
}

// Get returns the snapshot of camera or nil.
func (s *Store) Get(camera string) *Snapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.snapshots[camera]
}

// List returns the snapshot metadata sorted by camera name.
func (s *Store) List() []Snapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	list := make([]Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		list = append(list, Snapshot{Camera: snap.Camera, Timestamp: snap.Timestamp, Faces: snap.Faces})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Camera < list[j].Camera })
	return list
}

// RegisterRoutes registriert die API-Routen für die Kamerabilder
func (s *Store) RegisterRoutes(router gin.IRouter) {
	router.GET("/snapshots", s.handleList)
	router.GET("/snapshots/:camera", s.handleGet)
	log.Debug("Snapshot-Routes registriert: snapshots, snapshots/:camera")
}

func (s *Store) handleList(c *gin.Context) {
	list := s.List()
	c.JSON(http.StatusOK, gin.H{
		"count":     len(list),
		"snapshots": list,
	})
}

func (s *Store) handleGet(c *gin.Context) {
	snap := s.Get(c.Param("camera"))
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Kein Bild für diese Kamera", "camera": c.Param("camera")})
		return
	}

	// Bild als JPEG zurückgeben mit Cache-Kontrolle
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
	c.Data(http.StatusOK, "image/jpeg", snap.Data)
}
