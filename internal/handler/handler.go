// Package handler is the HTTP surface of the attendance engine.
package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"presence/internal/apperr"
	"presence/internal/attendance"
	"presence/internal/auth"
	"presence/internal/httpmiddleware"
	"presence/internal/window"
)

// MaxImageBytes caps the size of a submitted photo.
const MaxImageBytes = 10 << 20

// Handler serves the window and record endpoints.
type Handler struct {
	windows *window.Manager
	marks   *attendance.Service
}

// New creates a handler.
func New(windows *window.Manager, marks *attendance.Service) *Handler {
	return &Handler{windows: windows, marks: marks}
}

// Register mounts the routes on an authenticated group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/window", h.GetWindow)
	rg.POST("/window", h.SetWindow)
	rg.GET("/windows/:id", h.GetWindowByID)
	rg.POST("/record", h.MarkRecord)
}

type windowView struct {
	window.Window
	Open      bool      `json:"open"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) view(w window.Window) windowView {
	return windowView{Window: w, Open: w.Open(h.windows.Now()), ExpiresAt: w.EndsAt()}
}

// GetWindow returns the open window for ?batch=&subject=.
func (h *Handler) GetWindow(c *gin.Context) {
	batch, err := positiveInt(c.Query("batch"), "batch")
	if err != nil {
		writeError(c, err)
		return
	}
	subject, err := positiveInt(c.Query("subject"), "subject")
	if err != nil {
		writeError(c, err)
		return
	}
	w, err := h.windows.GetActive(c.Request.Context(), batch, subject)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(w))
}

type setWindowRequest struct {
	Batch   int64 `json:"batch"`
	Subject int64 `json:"subject"`
	Active  *bool `json:"active"`
	// Duration is in seconds.
	Duration *float64 `json:"duration"`
}

// SetWindow opens or closes today's window for a batch and subject.
func (h *Handler) SetWindow(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		writeError(c, apperr.New(apperr.KindUnauthorized, "no authenticated caller"))
		return
	}
	var req setWindowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Wrap(apperr.KindInvalidRequest, "malformed JSON body", err))
		return
	}
	if req.Active == nil {
		writeError(c, apperr.New(apperr.KindInvalidRequest, "'active' is required"))
		return
	}

	state := window.StateRequest{
		BatchID:   req.Batch,
		SubjectID: req.Subject,
		Active:    *req.Active,
		Actor:     actor,
	}
	if req.Duration != nil {
		d, err := window.DurationFromSeconds(*req.Duration)
		if err != nil {
			writeError(c, err)
			return
		}
		state.Duration = &d
	}

	w, created, err := h.windows.SetState(c.Request.Context(), state)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, h.view(w))
}

// GetWindowByID returns a window regardless of state.
func (h *Handler) GetWindowByID(c *gin.Context) {
	id, err := positiveInt(c.Param("id"), "id")
	if err != nil {
		writeError(c, err)
		return
	}
	w, err := h.windows.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(w))
}

type markJSON struct {
	WindowID int64 `json:"window_id"`
	// Image is base64, optionally as a data URL.
	Image string `json:"image"`
}

// MarkRecord verifies a photo and records attendance. Accepts multipart
// (window_id + image file) or JSON with a base64 image.
func (h *Handler) MarkRecord(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		writeError(c, apperr.New(apperr.KindUnauthorized, "no authenticated caller"))
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxImageBytes+1<<20)

	var (
		req attendance.MarkRequest
		err error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		req, err = readMultipartMark(c)
	} else {
		req, err = readJSONMark(c)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	req.Caller = actor

	res, err := h.marks.Mark(c.Request.Context(), req)
	if err != nil {
		log.Printf("mark rejected: request=%s window=%d caller=%d kind=%s: %v",
			httpmiddleware.GetRequestID(c), req.WindowID, actor.ID, apperr.KindOf(err), err)
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"record":   res.Record,
		"created":  res.Created,
		"distance": res.Distance,
	})
}

func readMultipartMark(c *gin.Context) (attendance.MarkRequest, error) {
	id, err := positiveInt(c.PostForm("window_id"), "window_id")
	if err != nil {
		return attendance.MarkRequest{}, err
	}
	file, _, err := c.Request.FormFile("image")
	if err != nil {
		return attendance.MarkRequest{}, apperr.Wrap(apperr.KindInvalidRequest, "'image' file is required", err)
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, MaxImageBytes+1))
	if err != nil {
		return attendance.MarkRequest{}, apperr.Wrap(apperr.KindInvalidRequest, "could not read image", err)
	}
	if len(data) > MaxImageBytes {
		return attendance.MarkRequest{}, apperr.New(apperr.KindInvalidRequest, "image is too large")
	}
	return attendance.MarkRequest{WindowID: id, Image: data}, nil
}

func readJSONMark(c *gin.Context) (attendance.MarkRequest, error) {
	var body markJSON
	if err := c.ShouldBindJSON(&body); err != nil {
		return attendance.MarkRequest{}, apperr.Wrap(apperr.KindInvalidRequest, "malformed JSON body", err)
	}
	if body.WindowID <= 0 {
		return attendance.MarkRequest{}, apperr.New(apperr.KindInvalidRequest, "'window_id' is required")
	}
	data, err := decodeImage(body.Image)
	if err != nil {
		return attendance.MarkRequest{}, err
	}
	return attendance.MarkRequest{WindowID: body.WindowID, Image: data}, nil
}

// decodeImage accepts raw base64 or a data URL like "data:image/jpeg;base64,...".
func decodeImage(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "'image' is required")
	}
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ",")
		if i < 0 {
			return nil, apperr.New(apperr.KindInvalidRequest, "malformed data URL")
		}
		s = s[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, "image is not valid base64", err)
	}
	if len(data) > MaxImageBytes {
		return nil, apperr.New(apperr.KindInvalidRequest, "image is too large")
	}
	return data, nil
}

func positiveInt(raw, field string) (int64, error) {
	if raw == "" {
		return 0, apperr.New(apperr.KindInvalidRequest, "'"+field+"' is required")
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, apperr.New(apperr.KindInvalidRequest, "'"+field+"' must be a positive integer")
	}
	return v, nil
}

// writeError renders err as {"error", "kind"}. Unclassified errors are logged
// and hidden behind a generic message.
func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	msg := "internal error"
	var e *apperr.Error
	if errors.As(err, &e) && kind != apperr.KindInternal {
		msg = e.Message
	} else {
		log.Printf("internal error: request=%s %s %s: %v", httpmiddleware.GetRequestID(c), c.Request.Method, c.FullPath(), err)
	}
	c.AbortWithStatusJSON(apperr.HTTPStatus(kind), gin.H{"error": msg, "kind": kind})
}

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// Health reports every check; any failure answers 503.
func Health(checks map[string]Check) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := gin.H{"status": "ok"}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				body[name] = false
				body["status"] = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			body[name] = true
		}
		c.JSON(status, body)
	}
}
