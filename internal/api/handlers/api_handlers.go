package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"face-attendance/internal/core/models"
	"face-attendance/internal/db/repository"
	"face-attendance/internal/gallery"
	"face-attendance/internal/util/timezone"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const dateLayout = "2006-01-02"

// APIHandler behandelt API-Anfragen für Anwesenheit, Personen und Galerie
type APIHandler struct {
	repo    repository.Repository
	gallery *gallery.Gallery
	now     func() time.Time
}

// NewAPIHandler erstellt einen neuen API-Handler
func NewAPIHandler(repo repository.Repository, g *gallery.Gallery) *APIHandler {
	return &APIHandler{
		repo:    repo,
		gallery: g,
		now:     timezone.Now,
	}
}

// RegisterRoutes registriert alle API-Routen
func (h *APIHandler) RegisterRoutes(router *gin.RouterGroup) {
	// Anwesenheit
	router.GET("/attendance", h.ListAttendance)
	router.GET("/attendance/:identity", h.GetIdentityAttendance)
	router.GET("/attendance/:identity/present", h.WasPresent)

	// Personenverzeichnis
	router.GET("/people", h.ListPeople)
	router.POST("/people", h.SavePerson)
	router.GET("/people/:identity", h.GetPerson)
	router.DELETE("/people/:identity", h.DeletePerson)

	// Galerie
	router.GET("/gallery", h.GetGallery)
}

// parseDate liest ?date=YYYY-MM-DD, sonst heute in der konfigurierten Zeitzone
func (h *APIHandler) parseDate(c *gin.Context) (time.Time, error) {
	raw := c.Query("date")
	if raw == "" {
		return timezone.Date(h.now()), nil
	}
	d, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", raw)
	}
	return d, nil
}

// ListAttendance gibt alle Einträge eines Tages samt Zusammenfassung zurück
func (h *APIHandler) ListAttendance(c *gin.Context) {
	date, err := h.parseDate(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	records, err := h.repo.ListAttendanceByDate(ctx, date)
	if err != nil {
		log.WithField("date", date.Format(dateLayout)).Errorf("Failed to list attendance: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list attendance"})
		return
	}
	summary, err := h.repo.DailySummary(ctx, date)
	if err != nil {
		log.WithField("date", date.Format(dateLayout)).Errorf("Failed to build daily summary: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build daily summary"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"date":    date.Format(dateLayout),
		"summary": summary,
		"records": records,
	})
}

// GetIdentityAttendance gibt die letzten Einträge einer Person zurück (?limit=, Standard 30)
func (h *APIHandler) GetIdentityAttendance(c *gin.Context) {
	identity := c.Param("identity")
	limit := 30
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	records, err := h.repo.ListAttendanceByIdentity(c.Request.Context(), identity, limit)
	if err != nil {
		log.WithField("identity_id", identity).Errorf("Failed to list attendance: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list attendance"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"identity_id": identity,
		"count":       len(records),
		"records":     records,
	})
}

// WasPresent prüft ?at=<RFC3339> gegen den Eintrag des zugehörigen Tages
func (h *APIHandler) WasPresent(c *gin.Context) {
	identity := c.Param("identity")
	at := h.now()
	if raw := c.Query("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "at must be RFC3339"})
			return
		}
		at = parsed
	}

	present, err := h.repo.WasPresentAt(c.Request.Context(), identity, timezone.Date(at), at)
	if err != nil {
		log.WithField("identity_id", identity).Errorf("Failed to check presence: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check presence"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"identity_id": identity,
		"at":          timezone.ISO8601(at),
		"present":     present,
	})
}

// ListPeople gibt das Personenverzeichnis zurück
func (h *APIHandler) ListPeople(c *gin.Context) {
	people, err := h.repo.ListPeople(c.Request.Context())
	if err != nil {
		log.Errorf("Failed to list people: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list people"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(people), "people": people})
}

// GetPerson gibt eine einzelne Person zurück
func (h *APIHandler) GetPerson(c *gin.Context) {
	person, err := h.repo.LookupPerson(c.Request.Context(), c.Param("identity"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to look up person"})
		return
	}
	if person == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Person not found"})
		return
	}
	c.JSON(http.StatusOK, person)
}

type personRequest struct {
	RollNumber string `json:"roll_number" binding:"required"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
}

// SavePerson legt eine Person an oder aktualisiert sie
func (h *APIHandler) SavePerson(c *gin.Context) {
	var req personRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid person data: %v", err)})
		return
	}
	req.RollNumber = strings.TrimSpace(req.RollNumber)
	if req.RollNumber == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roll_number must not be empty"})
		return
	}

	person := &models.Person{RollNumber: req.RollNumber, Name: req.Name, Phone: req.Phone}
	if err := h.repo.SavePerson(c.Request.Context(), person); err != nil {
		log.WithField("identity_id", req.RollNumber).Errorf("Failed to save person: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save person"})
		return
	}

	if !h.gallery.Has(person.RollNumber) {
		log.WithField("identity_id", person.RollNumber).Warn("Person has no reference image in the gallery")
	}
	c.JSON(http.StatusOK, person)
}

// DeletePerson entfernt eine Person aus dem Verzeichnis. Anwesenheitseinträge bleiben erhalten.
func (h *APIHandler) DeletePerson(c *gin.Context) {
	identity := c.Param("identity")
	ctx := c.Request.Context()

	person, err := h.repo.LookupPerson(ctx, identity)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to look up person"})
		return
	}
	if person == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Person not found"})
		return
	}

	if err := h.repo.DeletePerson(ctx, identity); err != nil {
		log.WithField("identity_id", identity).Errorf("Failed to delete person: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete person"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Person deleted successfully"})
}

// GetGallery listet die Identitäten der geladenen Galerie
func (h *APIHandler) GetGallery(c *gin.Context) {
	ids := h.gallery.IDs()
	c.JSON(http.StatusOK, gin.H{"count": len(ids), "identities": ids})
}
