package handlers

import (
	"net/http"

	"face-attendance/internal/core/pipeline"
	"face-attendance/internal/utils"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// StatusSource liefert die aktuellen Kamera-Statistiken
type StatusSource interface {
	Summaries() []pipeline.Summary
}

// SystemHandler behandelt Status- und Steuerungsanfragen
type SystemHandler struct {
	status   StatusSource
	shutdown func()
}

// NewSystemHandler erstellt einen neuen System-Handler. shutdown darf nil sein.
func NewSystemHandler(status StatusSource, shutdown func()) *SystemHandler {
	return &SystemHandler{status: status, shutdown: shutdown}
}

// RegisterRoutes registriert die System-Routen
func (h *SystemHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/status", h.GetStatus)
	router.POST("/system/shutdown", h.Shutdown)
}

// GetStatus gibt System- und Kamerastatistiken zurück
func (h *SystemHandler) GetStatus(c *gin.Context) {
	var summaries []pipeline.Summary
	if h.status != nil {
		summaries = h.status.Summaries()
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"system": utils.GetSystemStats(summaries),
	})
}

// Shutdown beendet alle Kameras geordnet, wie bei SIGTERM
func (h *SystemHandler) Shutdown(c *gin.Context) {
	if h.shutdown == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Shutdown is not available"})
		return
	}

	// Antwort senden, bevor der Server herunterfährt
	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": "Shutting down...",
	})
	c.Writer.Flush()

	log.Info("Shutdown requested via API")
	go h.shutdown()
}
