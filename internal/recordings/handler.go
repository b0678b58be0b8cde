package recordings

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-lectures/backend/internal/metadata"
	"github.com/aura-lectures/backend/internal/models"
	"github.com/aura-lectures/backend/internal/notify"
	"github.com/aura-lectures/backend/internal/pipeline"
	"github.com/aura-lectures/backend/pkg/response"
	"github.com/aura-lectures/backend/pkg/storage"
)

// Reader is the read side of the recordings repository.
type Reader interface {
	Get(ctx context.Context, id string) (*models.Recording, error)
	ListByUser(ctx context.Context, userID string) ([]models.Recording, error)
	GetSummary(ctx context.Context, recordingID string) (*models.Summary, error)
	ListRecommendations(ctx context.Context, recordingID string) ([]models.Recommendation, error)
}

// ReadCache caches per-user list responses. It is evicted on every status change.
type ReadCache interface {
	GetJSON(ctx context.Context, key string, v any) (bool, error)
	SetJSON(ctx context.Context, key string, v any) error
}

// EventSource streams a user's status events.
type EventSource interface {
	Subscribe(ctx context.Context, userID string, handler func(models.StatusEvent)) (cancel func(), err error)
}

// Detail is a recording with its derived artifacts.
type Detail struct {
	Recording       *models.Recording       `json:"recording"`
	Summary         *models.Summary         `json:"summary,omitempty"`
	Recommendations []models.Recommendation `json:"recommendations"`
}

// Handler handles resource intake, status and recording endpoints.
type Handler struct {
	svc     *pipeline.Service
	repo    Reader
	cache   ReadCache   // optional
	events  EventSource // optional
	tempDir string
	logger  *zap.Logger
}

// NewHandler creates the HTTP handler. Uploaded files are staged in tempDir, which
// must be visible to the worker process.
func NewHandler(svc *pipeline.Service, repo Reader, tempDir string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, repo: repo, tempDir: tempDir, logger: logger}
}

// SetCache enables the per-user read cache.
func (h *Handler) SetCache(c ReadCache) { h.cache = c }

// SetEventSource enables the status event stream.
func (h *Handler) SetEventSource(e EventSource) { h.events = e }

// RegisterRoutes mounts the handler on r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/resources", h.Intake)
	r.GET("/resources/:id/status", h.GetStatus)
	r.POST("/resources/:id/trigger", h.Trigger)
	r.DELETE("/resources/:id", h.Remove)
	r.GET("/users/:userId/processing", h.ListProcessing)
	r.GET("/users/:userId/recordings", h.ListRecordings)
	r.GET("/users/:userId/events", h.StreamEvents)
	r.GET("/recordings/:id", h.GetRecording)
}

// Intake handles POST /resources. Multipart fields: audio (required), document
// (optional slide deck), userId.
func (h *Handler) Intake(c *gin.Context) {
	userID := strings.TrimSpace(c.PostForm("userId"))
	if userID == "" {
		response.BadRequest(c, "userId required")
		return
	}
	audio, err := c.FormFile("audio")
	if err != nil {
		response.BadRequest(c, "audio file required")
		return
	}
	audioPath, err := h.stage(c, audio)
	if err != nil {
		h.logger.Error("stage audio failed", zap.Error(err))
		response.Internal(c, "failed to store upload")
		return
	}

	in := pipeline.NewResource{
		UserID:      userID,
		FileName:    audio.Filename,
		ContentType: contentType(audio),
		AudioPath:   audioPath,
	}
	if doc, err := c.FormFile("document"); err == nil {
		if in.DocumentPath, err = h.stage(c, doc); err != nil {
			h.logger.Error("stage document failed", zap.Error(err))
			response.Internal(c, "failed to store upload")
			return
		}
		in.DocumentFileName = doc.Filename
	}

	ctx := c.Request.Context()
	m, err := h.svc.CreateResource(ctx, in)
	if err != nil {
		h.fail(c, err, "failed to create resource")
		return
	}
	if err := h.svc.TriggerPipeline(ctx, m.ID); err != nil {
		// The record stays UPLOAD_PENDING; POST /resources/:id/trigger retries.
		h.logger.Error("trigger pipeline failed", zap.Error(err), zap.String("resource_id", m.ID))
	}
	view, err := h.svc.GetStatus(ctx, m.ID)
	if err != nil {
		h.fail(c, err, "failed to read resource")
		return
	}
	response.Created(c, view)
}

func (h *Handler) stage(c *gin.Context, fh *multipart.FileHeader) (string, error) {
	dst := filepath.Join(h.tempDir, uuid.New().String()+strings.ToLower(filepath.Ext(fh.Filename)))
	if err := c.SaveUploadedFile(fh, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func contentType(fh *multipart.FileHeader) string {
	if ct := fh.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		return ct
	}
	return storage.ContentTypeForFilename(fh.Filename)
}

// GetStatus handles GET /resources/:id/status.
func (h *Handler) GetStatus(c *gin.Context) {
	view, err := h.svc.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to read status")
		return
	}
	response.OK(c, view)
}

// Trigger handles POST /resources/:id/trigger.
func (h *Handler) Trigger(c *gin.Context) {
	id := c.Param("id")
	if err := h.svc.TriggerPipeline(c.Request.Context(), id); err != nil {
		h.fail(c, err, "failed to trigger pipeline")
		return
	}
	response.Accepted(c, gin.H{"id": id})
}

// Remove handles DELETE /resources/:id. Only finished resources can be removed.
func (h *Handler) Remove(c *gin.Context) {
	if err := h.svc.Remove(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, "failed to remove resource")
		return
	}
	response.NoContent(c)
}

// ListProcessing handles GET /users/:userId/processing.
func (h *Handler) ListProcessing(c *gin.Context) {
	userID := c.Param("userId")
	ctx := c.Request.Context()
	key := notify.ProcessingKey(userID)

	var list []pipeline.StatusView
	if h.cached(ctx, key, &list) {
		response.OK(c, list)
		return
	}
	list, err := h.svc.ListProcessing(ctx, userID)
	if err != nil {
		h.fail(c, err, "failed to list resources")
		return
	}
	h.fill(ctx, key, list)
	response.OK(c, list)
}

// ListRecordings handles GET /users/:userId/recordings.
func (h *Handler) ListRecordings(c *gin.Context) {
	userID := c.Param("userId")
	ctx := c.Request.Context()
	key := notify.RecordingsKey(userID)

	var list []models.Recording
	if h.cached(ctx, key, &list) {
		response.OK(c, list)
		return
	}
	list, err := h.repo.ListByUser(ctx, userID)
	if err != nil {
		h.fail(c, err, "failed to list recordings")
		return
	}
	if list == nil {
		list = []models.Recording{}
	}
	h.fill(ctx, key, list)
	response.OK(c, list)
}

func (h *Handler) cached(ctx context.Context, key string, v any) bool {
	if h.cache == nil {
		return false
	}
	hit, err := h.cache.GetJSON(ctx, key, v)
	if err != nil {
		h.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return hit
}

func (h *Handler) fill(ctx context.Context, key string, v any) {
	if h.cache == nil {
		return
	}
	if err := h.cache.SetJSON(ctx, key, v); err != nil {
		h.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// GetRecording handles GET /recordings/:id.
func (h *Handler) GetRecording(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	rec, err := h.repo.Get(ctx, id)
	if err != nil {
		h.fail(c, err, "failed to read recording")
		return
	}
	d := Detail{Recording: rec, Recommendations: []models.Recommendation{}}
	if s, err := h.repo.GetSummary(ctx, id); err == nil {
		d.Summary = s
	} else if !errors.Is(err, ErrNotFound) {
		h.fail(c, err, "failed to read summary")
		return
	}
	recs, err := h.repo.ListRecommendations(ctx, id)
	if err != nil {
		h.fail(c, err, "failed to read recommendations")
		return
	}
	if recs != nil {
		d.Recommendations = recs
	}
	response.OK(c, d)
}

// StreamEvents handles GET /users/:userId/events as server-sent events.
func (h *Handler) StreamEvents(c *gin.Context) {
	if h.events == nil {
		response.ServiceUnavailable(c, "event stream not configured")
		return
	}
	ctx := c.Request.Context()
	ch := make(chan models.StatusEvent, 16)
	cancel, err := h.events.Subscribe(ctx, c.Param("userId"), func(ev models.StatusEvent) {
		select {
		case ch <- ev:
		default:
		}
	})
	if err != nil {
		h.logger.Error("subscribe status events failed", zap.Error(err))
		response.Internal(c, "failed to subscribe")
		return
	}
	defer cancel()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev := <-ch:
			c.SSEvent("status", ev)
			return true
		}
	})
}

func (h *Handler) fail(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, metadata.ErrNotFound), errors.Is(err, ErrNotFound):
		response.NotFound(c, "not found")
	case errors.Is(err, pipeline.ErrIllegalTransition):
		response.Conflict(c, err.Error())
	default:
		h.logger.Error(msg, zap.Error(err), zap.String("path", c.FullPath()))
		response.Internal(c, msg)
	}
}
