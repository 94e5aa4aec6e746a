// Package handler exposes the attendance service over HTTP with gin.
package handler

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"attendance/internal/attendance"
	"attendance/internal/faceclient"
	"attendance/internal/metrics"
	"attendance/internal/relay"
	"attendance/internal/store"
)

// Handler holds the HTTP-facing dependencies.
type Handler struct {
	svc   *attendance.Service
	relay relay.Relay
}

// New creates a handler.
func New(svc *attendance.Service, rl relay.Relay) *Handler {
	return &Handler{svc: svc, relay: rl}
}

// Routes registers the API surface on the given group.
func (h *Handler) Routes(api *gin.RouterGroup) {
	api.POST("/enroll", h.Enroll)
	api.POST("/rfid_scan", h.Scan)
	api.GET("/stream", h.Stream)
	api.POST("/verify_attendance", h.Verify)
	api.GET("/attendance/summary", h.Summary)
	api.GET("/attendance", h.Logs)
	api.GET("/students", h.Students)
}

// errStatus maps domain errors to HTTP statuses per the error taxonomy.
func errStatus(err error) int {
	switch {
	case errors.Is(err, attendance.ErrMissingData),
		errors.Is(err, attendance.ErrNoFaceFound),
		errors.Is(err, attendance.ErrAmbiguousFace),
		errors.Is(err, faceclient.ErrBadImage):
		return http.StatusBadRequest
	case errors.Is(err, attendance.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, attendance.ErrNotRegistered):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// formFile reads an uploaded file field. A missing field yields nil so the
// service reports it as missing data.
func formFile(c *gin.Context, field string) ([]byte, error) {
	file, _, err := c.Request.FormFile(field)
	if err != nil {
		return nil, nil
	}
	defer file.Close()
	return io.ReadAll(file)
}

// Enroll handles POST /api/enroll (multipart: name, roll_number, rfid_uid,
// face_image).
func (h *Handler) Enroll(c *gin.Context) {
	image, err := formFile(c, "face_image")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read face image"})
		return
	}

	st, err := h.svc.Enroll(
		c.Request.Context(),
		c.PostForm("name"),
		c.PostForm("roll_number"),
		c.PostForm("rfid_uid"),
		image,
	)
	if err != nil {
		status := errStatus(err)
		if status == http.StatusInternalServerError {
			log.Printf("enroll failed: %v", err)
		}
		metrics.Enrollments.WithLabelValues("error").Inc()
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	metrics.Enrollments.WithLabelValues("created").Inc()
	c.JSON(http.StatusCreated, gin.H{
		"message": "Student '" + st.Name + "' enrolled successfully!",
		"student": st,
	})
}

// Scan handles POST /api/rfid_scan (JSON {uid}) from the RFID reader. The
// event is resolved and published before the reader gets its response.
func (h *Handler) Scan(c *gin.Context) {
	var req struct {
		UID string `json:"uid"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request. UID is required."})
		return
	}

	evt, err := h.svc.Scan(c.Request.Context(), req.UID)
	if err != nil {
		log.Printf("scan failed: %v", err)
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}

	metrics.Scans.WithLabelValues(evt.Status).Inc()
	c.JSON(http.StatusOK, gin.H{"status": "UID received and event queued"})
}

// Stream handles GET /api/stream: a long-lived SSE connection that relays
// every scan event as one JSON payload. The connection ends only when the
// client disconnects.
func (h *Handler) Stream(c *gin.Context) {
	sub, cancel, err := h.relay.Subscribe(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stream unavailable"})
		return
	}
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	// Complete the handshake before the first event arrives.
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-sub:
			if !ok {
				return false
			}
			c.SSEvent("message", evt)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// Verify handles POST /api/verify_attendance (multipart: rfid_uid,
// live_image).
func (h *Handler) Verify(c *gin.Context) {
	image, err := formFile(c, "live_image")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read live image"})
		return
	}

	res, err := h.svc.Verify(c.Request.Context(), c.PostForm("rfid_uid"), image)
	if err != nil {
		status := errStatus(err)
		if status == http.StatusInternalServerError {
			log.Printf("verify failed: %v", err)
		}
		metrics.Verifications.WithLabelValues("error").Inc()
		if errors.Is(err, attendance.ErrNotRegistered) {
			c.JSON(status, gin.H{"match": false, "reason": "RFID card not registered."})
			return
		}
		c.JSON(status, gin.H{"match": false, "reason": err.Error()})
		return
	}

	metrics.Verifications.WithLabelValues(string(res.Status)).Inc()
	switch res.Status {
	case attendance.StatusMarked:
		c.JSON(http.StatusOK, gin.H{
			"match":        true,
			"reason":       "Welcome, " + res.Student.Name + "!",
			"student_name": res.Student.Name,
		})
	case attendance.StatusAlreadyMarked:
		c.JSON(http.StatusAlreadyReported, gin.H{
			"match":        true,
			"reason":       "Attendance already marked for today.",
			"student_name": res.Student.Name,
		})
	default:
		c.JSON(http.StatusUnauthorized, gin.H{
			"match":        false,
			"reason":       "Face does not match profile.",
			"student_name": res.Student.Name,
		})
	}
}

// Summary handles GET /api/attendance/summary.
func (h *Handler) Summary(c *gin.Context) {
	sum, err := h.svc.Summary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// Students handles GET /api/students, ordered by name.
func (h *Handler) Students(c *gin.Context) {
	students, err := h.svc.Students(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if students == nil {
		students = []store.Student{}
	}
	c.JSON(http.StatusOK, students)
}

// Logs handles GET /api/attendance, newest first.
func (h *Handler) Logs(c *gin.Context) {
	logs, err := h.svc.Logs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if logs == nil {
		logs = []store.Log{}
	}
	c.JSON(http.StatusOK, logs)
}
