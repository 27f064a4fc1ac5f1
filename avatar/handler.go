package avatar

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// MaxUploadBytes caps a single uploaded image.
const MaxUploadBytes = 16 << 20

var allowedImageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".webp": {},
}

type Module struct {
	orchestrator *Orchestrator
	limiter      *rate.Limiter
}

// RegisterRoutes mounts the avatar preparation API under /api.
func RegisterRoutes(router *gin.Engine, orchestrator *Orchestrator) (*Module, error) {
	if orchestrator == nil {
		return nil, errors.New("avatar: orchestrator is required")
	}

	module := &Module{
		orchestrator: orchestrator,
		limiter:      newLimiterFromEnv(),
	}

	group := router.Group("/api")
	group.GET("/health", module.handleHealth)
	group.GET("/preparation-status/:session_id", module.handlePreparationStatus)
	group.GET("/preparation-status", module.handlePreparationStatusQuery)
	group.GET("/image/:filename", module.handleServeImage)
	group.GET("/expression-video/:filename", module.handleServeVideo)
	group.POST("/sessions/:session_id/cleanup", module.handleCleanup)
	group.GET("/debug/sessions", module.handleDebugSessions)

	heavy := group.Group("")
	heavy.Use(module.throttle())
	heavy.POST("/upload-image", module.handleUploadImage)
	heavy.POST("/avatar-variations", module.handleAvatarVariations)
	heavy.POST("/select-avatar", module.handleSelectAvatar)

	return module, nil
}

func newLimiterFromEnv() *rate.Limiter {
	perSecond := 2.0
	if raw := strings.TrimSpace(os.Getenv("AVATAR_RATE_LIMIT_RPS")); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed > 0 {
			perSecond = parsed
		}
	}
	burst := 5
	if raw := strings.TrimSpace(os.Getenv("AVATAR_RATE_LIMIT_BURST")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			burst = parsed
		}
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (m *Module) throttle() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.limiter.Allow() {
			respondError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, slow down")
			c.Abort()
			return
		}
		c.Next()
	}
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": true, "code": code, "message": message})
}

func (m *Module) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"active_sessions": m.orchestrator.Store().Len(),
		"timestamp":       time.Now().Unix(),
	})
}

func (m *Module) handleUploadImage(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		respondError(c, http.StatusBadRequest, "NO_FILE", "no image file in request")
		return
	}
	if strings.TrimSpace(file.Filename) == "" {
		respondError(c, http.StatusBadRequest, "NO_FILENAME", "uploaded file has no name")
		return
	}
	ext := strings.ToLower(filepath.Ext(file.Filename))
	if _, ok := allowedImageExtensions[ext]; !ok {
		respondError(c, http.StatusBadRequest, "INVALID_FORMAT",
			"unsupported image format, expected jpg, jpeg, png or webp")
		return
	}
	if file.Size > MaxUploadBytes {
		respondError(c, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE",
			fmt.Sprintf("image exceeds %d byte limit", MaxUploadBytes))
		return
	}

	locator := m.orchestrator.Locator()
	stagingPath := locator.StagingPath(uuid.NewString(), ext)
	if err := c.SaveUploadedFile(file, stagingPath); err != nil {
		log.Printf("avatar: save upload: %v", err)
		respondError(c, http.StatusInternalServerError, "FILE_PROCESSING_ERROR", "failed to store uploaded image")
		return
	}

	session, outcome, err := m.orchestrator.SubmitUpload(c.Request.Context(), stagingPath, ext)
	if err != nil {
		log.Printf("avatar: submit upload: %v", err)
		respondError(c, http.StatusInternalServerError, "FILE_PROCESSING_ERROR", "failed to process uploaded image")
		return
	}

	payload := gin.H{
		"error":      false,
		"session_id": session.SessionID,
		"avatar_id":  session.AvatarID,
		"status":     session.Status,
		"step":       session.Status.Step(),
		"outcome":    outcome,
		"dedup":      outcome != OutcomeNew,
		"image_url":  "/api/image/" + filepath.Base(session.OriginalPath),
	}
	if outcome == OutcomeNew {
		payload["data"] = gin.H{
			"next_step":       "generate_variations",
			"is_new_image":    true,
			"original_image":  session.OriginalPath,
			"segmented_image": session.SegmentedPath,
		}
	} else {
		report := locator.Check(session.AvatarID)
		payload["data"] = gin.H{
			"next_step":             "start_chat",
			"is_new_image":          false,
			"redirect_to_chat":      true,
			"preparation_complete":  report.Complete(),
			"auto_completed":        session.AutoCompleted,
			"completion_percentage": report.CompletionPercentage,
		}
		payload["variations"] = fileURLs("/api/image/", session.VariationPaths)
		payload["expressions"] = expressionURLs(session.ExpressionPaths)
		payload["personality"] = session.Personality
		payload["auto_completed"] = session.AutoCompleted
	}
	c.JSON(http.StatusOK, payload)
}

type variationsRequest struct {
	SessionID string `json:"session_id"`
}

func (m *Module) handleAvatarVariations(c *gin.Context) {
	var req variationsRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		respondError(c, http.StatusBadRequest, "NO_SESSION_ID", "session_id is required")
		return
	}

	session, err := m.orchestrator.GenerateVariations(c.Request.Context(), req.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			respondError(c, http.StatusNotFound, "INVALID_SESSION", "unknown session_id")
			return
		}
		log.Printf("avatar: variations: %v", err)
		respondError(c, http.StatusInternalServerError, "GENERATION_FAILED", "variation generation failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"error":      false,
		"session_id": session.SessionID,
		"status":     session.Status,
		"step":       session.Status.Step(),
		"variations": variationEntries(session.VariationPaths),
		"count":      len(session.VariationPaths),
		"next_step":  "select_avatar",
	})
}

type selectRequest struct {
	SessionID     string `json:"session_id"`
	SelectedIndex *int   `json:"selected_index"`
}

func (m *Module) handleSelectAvatar(c *gin.Context) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		respondError(c, http.StatusBadRequest, "NO_SESSION_ID", "session_id is required")
		return
	}
	if req.SelectedIndex == nil {
		respondError(c, http.StatusBadRequest, "NO_SELECTION", "selected_index is required")
		return
	}

	session, err := m.orchestrator.SelectAvatar(c.Request.Context(), req.SessionID, *req.SelectedIndex)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionNotFound):
			respondError(c, http.StatusNotFound, "INVALID_SESSION", "unknown session_id")
		case errors.Is(err, ErrNoVariations):
			respondError(c, http.StatusBadRequest, "INVALID_INDEX", "session has no variations to select from")
		case errors.Is(err, ErrIndexOutOfRange):
			respondError(c, http.StatusBadRequest, "INVALID_INDEX", "selected_index out of range")
		default:
			log.Printf("avatar: select: %v", err)
			respondError(c, http.StatusInternalServerError, "GENERATION_FAILED", "selection processing failed")
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"error":          false,
		"session_id":     session.SessionID,
		"status":         session.Status,
		"step":           session.Status.Step(),
		"selected_index": session.SelectedIndex,
		"selected_image": "/api/image/" + filepath.Base(session.VariationPaths[session.SelectedIndex]),
		"expressions":    expressionURLs(session.ExpressionPaths),
		"personality":    session.Personality,
	})
}

func (m *Module) handlePreparationStatus(c *gin.Context) {
	m.renderStatus(c, c.Param("session_id"))
}

// handlePreparationStatusQuery accepts ?session_id= and, when absent, falls
// back to the newest session so a freshly reloaded client can resync.
func (m *Module) handlePreparationStatusQuery(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		newest, ok := m.orchestrator.Store().Newest()
		if !ok {
			respondError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "no active sessions")
			return
		}
		sessionID = newest.SessionID
	}
	m.renderStatus(c, sessionID)
}

func (m *Module) renderStatus(c *gin.Context, sessionID string) {
	session, report, err := m.orchestrator.Status(sessionID)
	if err != nil {
		respondError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "unknown session_id")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"error":                 false,
		"session_id":            session.SessionID,
		"avatar_id":             session.AvatarID,
		"status":                session.Status,
		"step":                  session.Status.Step(),
		"chat_eligible":         session.Status.ChatEligible(),
		"auto_completed":        session.AutoCompleted,
		"created_at":            session.CreatedAt,
		"completed_at":          session.CompletedAt,
		"is_ready":              report.Complete(),
		"completion_percentage": report.CompletionPercentage,
		"missing_files":         report.Missing,
	})
}

// handleDebugSessions dumps a summary of every live session. Only answers in
// debug mode; release builds refuse so session internals never leak.
func (m *Module) handleDebugSessions(c *gin.Context) {
	if !gin.IsDebugging() {
		respondError(c, http.StatusForbidden, "DEBUG_ONLY", "only available in debug mode")
		return
	}

	sessions := m.orchestrator.Store().All()
	info := make(map[string]gin.H, len(sessions))
	for _, s := range sessions {
		info[s.SessionID] = gin.H{
			"status":            s.Status,
			"step":              s.Status.Step(),
			"created_at":        s.CreatedAt,
			"variations_count":  len(s.VariationPaths),
			"has_personality":   s.Personality != nil,
			"expressions_count": len(s.ExpressionPaths),
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"error":          false,
		"sessions_count": len(info),
		"sessions":       info,
	})
}

func (m *Module) handleCleanup(c *gin.Context) {
	sessionID := c.Param("session_id")
	if !m.orchestrator.Cleanup(sessionID) {
		respondError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "unknown session_id")
		return
	}
	c.JSON(http.StatusOK, gin.H{"error": false, "message": "session removed", "session_id": sessionID})
}

func (m *Module) handleServeImage(c *gin.Context) {
	locator := m.orchestrator.Locator()
	m.serveArtifact(c, []string{
		locator.AvatarsDir(),
		locator.ProcessingDir(),
		locator.StaticAvatarsDir(),
		locator.OriginalsDir(),
	})
}

func (m *Module) handleServeVideo(c *gin.Context) {
	locator := m.orchestrator.Locator()
	m.serveArtifact(c, []string{
		locator.ExpressionsDir(),
		locator.StaticExpressionsDir(),
	})
}

func (m *Module) serveArtifact(c *gin.Context, dirs []string) {
	filename := filepath.Base(c.Param("filename"))
	if filename == "." || filename == ".." || strings.ContainsAny(filename, `/\`) {
		respondError(c, http.StatusBadRequest, "INVALID_FORMAT", "invalid filename")
		return
	}

	locator := m.orchestrator.Locator()
	for _, dir := range dirs {
		candidate := filepath.Join(dir, filename)
		if locator.Exists(candidate) {
			c.File(candidate)
			return
		}
	}
	respondError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "file not found")
}

func variationEntries(paths []string) []gin.H {
	entries := make([]gin.H, 0, len(paths))
	for i, path := range paths {
		entries = append(entries, gin.H{
			"index": i,
			"url":   "/api/image/" + filepath.Base(path),
			"path":  path,
		})
	}
	return entries
}

func fileURLs(prefix string, paths []string) []string {
	urls := make([]string, 0, len(paths))
	for _, path := range paths {
		urls = append(urls, prefix+filepath.Base(path))
	}
	return urls
}

func expressionURLs(paths map[string]string) map[string]string {
	urls := make(map[string]string, len(paths))
	for emotion, path := range paths {
		urls[emotion] = "/api/expression-video/" + filepath.Base(path)
	}
	return urls
}
