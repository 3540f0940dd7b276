package handlers

import (
	"net/http"
	"strconv"

	"camfleet/auth"
	"camfleet/models"

	"github.com/gin-gonic/gin"
)

type CameraProvisionRequest struct {
	TenantID    uint64 `json:"tenant_id" binding:"required"`
	SiteID      uint64 `json:"site_id" binding:"required"`
	Name        string `json:"name"`
	Type        string `json:"type" binding:"required"`
	RTSPURL     string `json:"rtsp_url"`
	DeviceIndex *int   `json:"device_index"`
}

type CameraRequest struct {
	CameraID uint64 `json:"camera_id" binding:"required"`
	Reason   string `json:"reason"`
}

type OperatorWorkerRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
}

// tenantFilter is the tenant a listing is restricted to, 0 for all
func tenantFilter(c *gin.Context, principal *auth.Principal) uint64 {
	if principal.TenantID != 0 {
		return principal.TenantID
	}
	tenant, _ := strconv.ParseUint(c.Query("tenant"), 10, 64)
	return tenant
}

func (h *Handlers) WorkerList(c *gin.Context, principal *auth.Principal) {
	workers, err := h.Service.ListWorkers(c, tenantFilter(c, principal))
	if err != nil {
		c.JSON(http.StatusInternalServerError, DBErrorResponse)
		return
	}
	c.JSON(http.StatusOK, workers)
}

func (h *Handlers) WorkerRemove(c *gin.Context, principal *auth.Principal) {
	req := OperatorWorkerRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, ok := h.ownWorker(c, principal, req.WorkerID); !ok {
		return
	}
	released, err := h.Service.RemoveWorker(c, req.WorkerID)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"error": "", "released": released})
}

func (h *Handlers) WorkerShutdown(c *gin.Context, principal *auth.Principal) {
	req := OperatorWorkerRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, ok := h.ownWorker(c, principal, req.WorkerID); !ok {
		return
	}
	if err := h.Service.RequestShutdown(c, req.WorkerID); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, OKResponse)
}

func (h *Handlers) SessionList(c *gin.Context, principal *auth.Principal) {
	sessions, err := h.Service.ListSessions(c, tenantFilter(c, principal), models.LeaseState(c.Query("state")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, DBErrorResponse)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (h *Handlers) CameraProvision(c *gin.Context, principal *auth.Principal) {
	req := CameraProvisionRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !principal.CanAccess(req.TenantID) {
		c.JSON(http.StatusForbidden, ForbiddenTenant)
		return
	}
	camera := models.Camera{
		TenantID:    req.TenantID,
		SiteID:      req.SiteID,
		Name:        req.Name,
		Type:        models.CameraType(req.Type),
		RTSPURL:     req.RTSPURL,
		DeviceIndex: req.DeviceIndex,
	}
	switch {
	case camera.Type == models.CameraTypeRTSP && camera.RTSPURL == "":
		c.JSON(http.StatusBadRequest, gin.H{"error": "rtsp camera needs rtsp_url"})
		return
	case camera.Type == models.CameraTypeWebcam && camera.DeviceIndex == nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": "webcam needs device_index"})
		return
	case camera.Type != models.CameraTypeRTSP && camera.Type != models.CameraTypeWebcam:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown camera type"})
		return
	}
	session, err := h.Service.Provision(c, camera)
	if err != nil {
		c.JSON(http.StatusInternalServerError, DBErrorResponse)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handlers) cameraAction(c *gin.Context, principal *auth.Principal, action func(c *gin.Context, cameraID uint64, reason string) error) {
	req := CameraRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.ownCamera(c, principal, req.CameraID) {
		return
	}
	if err := action(c, req.CameraID, req.Reason); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, OKResponse)
}

func (h *Handlers) CameraPause(c *gin.Context, principal *auth.Principal) {
	h.cameraAction(c, principal, func(c *gin.Context, cameraID uint64, reason string) error {
		return h.Service.Pause(c, cameraID, reason)
	})
}

func (h *Handlers) CameraResume(c *gin.Context, principal *auth.Principal) {
	h.cameraAction(c, principal, func(c *gin.Context, cameraID uint64, reason string) error {
		return h.Service.Resume(c, cameraID, reason)
	})
}

func (h *Handlers) CameraDeactivate(c *gin.Context, principal *auth.Principal) {
	h.cameraAction(c, principal, func(c *gin.Context, cameraID uint64, reason string) error {
		return h.Service.Deactivate(c, cameraID, reason)
	})
}

func (h *Handlers) ForceCleanup(c *gin.Context, principal *auth.Principal) {
	result, err := h.Service.ForceCleanup(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}
