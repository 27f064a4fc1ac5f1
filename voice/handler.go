package voice

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"visage_back/avatar"
)

type Module struct {
	recorder *Recorder
	locator  *avatar.Locator
}

// RegisterRoutes mounts the recording and audio endpoints under /api.
func RegisterRoutes(router *gin.Engine, locator *avatar.Locator, transcriber Transcriber) (*Module, error) {
	if locator == nil {
		return nil, errors.New("voice: locator is required")
	}

	module := &Module{
		recorder: NewRecorder(transcriber),
		locator:  locator,
	}

	group := router.Group("/api")
	group.POST("/start-recording", module.handleStartRecording)
	group.POST("/stop-recording", module.handleStopRecording)
	group.GET("/audio/:filename", module.handleServeAudio)

	return module, nil
}

type recordingRequest struct {
	SessionID string `json:"session_id"`
}

func (m *Module) handleStartRecording(c *gin.Context) {
	var req recordingRequest
	_ = c.ShouldBindJSON(&req)

	sessionID := m.recorder.Start(strings.TrimSpace(req.SessionID))
	c.JSON(http.StatusOK, gin.H{
		"error":      false,
		"session_id": sessionID,
		"status":     "recording",
	})
}

// handleStopRecording accepts either a JSON body with the session id or a
// multipart form carrying the recorded clip for transcription.
func (m *Module) handleStopRecording(c *gin.Context) {
	sessionID := ""
	audioPath := ""

	if file, err := c.FormFile("audio"); err == nil {
		sessionID = strings.TrimSpace(c.PostForm("session_id"))
		audioPath = filepath.Join(m.locator.AudioDir(), "rec_"+uuid.NewString()+filepath.Ext(file.Filename))
		if err := c.SaveUploadedFile(file, audioPath); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": true, "code": "FILE_PROCESSING_ERROR", "message": "failed to store recording",
			})
			return
		}
	} else {
		var req recordingRequest
		_ = c.ShouldBindJSON(&req)
		sessionID = strings.TrimSpace(req.SessionID)
	}

	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": true, "code": "NO_SESSION_ID", "message": "session_id is required",
		})
		return
	}

	result, err := m.recorder.Stop(c.Request.Context(), sessionID, audioPath)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": true, "code": "SESSION_NOT_FOUND", "message": "unknown recording session",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"error":            false,
		"session_id":       result.SessionID,
		"text":             result.Text,
		"duration_seconds": result.Duration,
	})
}

func (m *Module) handleServeAudio(c *gin.Context) {
	filename := filepath.Base(c.Param("filename"))
	if filename == "." || filename == ".." || strings.ContainsAny(filename, `/\`) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": true, "code": "INVALID_FORMAT", "message": "invalid filename",
		})
		return
	}

	for _, dir := range []string{m.locator.AudioDir(), m.locator.StaticAudioDir()} {
		candidate := filepath.Join(dir, filename)
		if m.locator.Exists(candidate) {
			c.Header("Content-Type", "audio/wav")
			c.File(candidate)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{
		"error": true, "code": "SESSION_NOT_FOUND", "message": "audio file not found",
	})
}
