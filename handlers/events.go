package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"camfleet/api"
	"camfleet/auth"
	"camfleet/coordinator"

	"github.com/gin-gonic/gin"
)

const maxImageSize = 4 << 20

// EventCreate takes a multipart upload with the event JSON in the "event"
// field and the face crop in the optional "image" file.
func (h *Handlers) EventCreate(c *gin.Context, principal *auth.Principal) {
	event := api.Event{}
	if err := json.Unmarshal([]byte(c.PostForm("event")), &event); err != nil || event.WorkerID == "" || event.CameraID == 0 {
		c.JSON(http.StatusBadRequest, BadEventResponse)
		return
	}
	if _, ok := h.ownWorker(c, principal, event.WorkerID); !ok {
		return
	}
	var image []byte
	if file, err := c.FormFile("image"); err == nil {
		if file.Size > maxImageSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		f, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		image, err = io.ReadAll(io.LimitReader(f, maxImageSize))
		f.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	in := coordinator.EventInput{
		ID:         event.ID,
		WorkerID:   event.WorkerID,
		CameraID:   event.CameraID,
		Generation: event.Generation,
		Confidence: event.Confidence,
		BBox:       event.BBox,
		Embedding:  event.Embedding,
	}
	if event.DetectedAt > 0 {
		in.DetectedAt = time.UnixMilli(event.DetectedAt)
	}
	if event.StaffMatch != nil {
		in.StaffMatchID = &event.StaffMatch.PersonID
	}
	result, err := h.Service.IngestEvent(c, in, image)
	if err != nil {
		if errorStatus(err) == http.StatusInternalServerError {
			log.Printf("event from %s on camera %d: %v", event.WorkerID, event.CameraID, err)
		}
		abortWith(c, err)
		return
	}
	reply := api.EventResponse{Match: api.MatchNew, PersonID: result.PersonID, VisitID: result.VisitID}
	if result.Known {
		reply.Match = api.MatchKnown
	}
	c.JSON(http.StatusOK, reply)
}

func (h *Handlers) EventList(c *gin.Context, principal *auth.Principal) {
	cameraID, _ := strconv.ParseUint(c.Query("camera"), 10, 64)
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		limit = 100
	}
	events, err := h.Service.ListEvents(c, tenantFilter(c, principal), cameraID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, DBErrorResponse)
		return
	}
	c.JSON(http.StatusOK, events)
}

// EventImage serves the stored face crop (S3 buckets redirect to a presigned URL)
func (h *Handlers) EventImage(c *gin.Context, principal *auth.Principal) {
	event, err := h.Service.GetEvent(c, c.Query("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	if !principal.CanAccess(event.TenantID) {
		c.JSON(http.StatusForbidden, ForbiddenTenant)
		return
	}
	if event.ImagePath == "" || h.Service.Storage == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no image"})
		return
	}
	c.Header("cache-control", "private, max-age=86400")
	h.Service.Storage.Serve(event.ImagePath, c.Request, c.Writer)
}

func (h *Handlers) StorageStatus(c *gin.Context, principal *auth.Principal) {
	if h.Service.Storage == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no storage"})
		return
	}
	bucket := h.Service.Storage.GetBucket()
	c.JSON(http.StatusOK, gin.H{
		"error":      "",
		"type":       bucket.StorageType,
		"path":       bucket.Path,
		"free_space": h.Service.Storage.GetFreeSpace(),
	})
}
