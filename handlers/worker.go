package handlers

import (
	"errors"
	"log"
	"net/http"

	"camfleet/api"
	"camfleet/auth"
	"camfleet/coordinator"
	"camfleet/models"
	"camfleet/push"

	"github.com/gin-gonic/gin"
)

func (h *Handlers) WorkerRegister(c *gin.Context, principal *auth.Principal) {
	req := api.RegisterRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !principal.CanAccess(req.TenantID) {
		c.JSON(http.StatusForbidden, ForbiddenTenant)
		return
	}
	worker, assignment, err := h.Service.Register(c, coordinator.RegisterInput{
		WorkerID:     req.WorkerID,
		TenantID:     req.TenantID,
		SiteID:       req.SiteID,
		Hostname:     req.Hostname,
		Capabilities: fromCapabilities(req.Capabilities),
	})
	if err != nil {
		log.Printf("register %s: %v", req.Hostname, err)
		abortWith(c, err)
		return
	}
	log.Printf("worker %s registered (host %s, site %d)", worker.ID, worker.Hostname, worker.SiteID)
	c.JSON(http.StatusOK, api.RegisterResponse{WorkerID: worker.ID, Assignment: toAssignment(assignment)})
}

// WorkerHeartbeat answers with the worker's current lease. Unknown workers get
// a 404 and are expected to register again.
func (h *Handlers) WorkerHeartbeat(c *gin.Context, principal *auth.Principal) {
	req := api.HeartbeatRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		if req.WorkerID != "" {
			h.Service.RecordHeartbeatFailure(c, req.WorkerID, "malformed heartbeat: "+err.Error())
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	worker, ok := h.ownWorker(c, principal, req.WorkerID)
	if !ok {
		return
	}
	in := coordinator.HeartbeatInput{
		WorkerID:            req.WorkerID,
		Status:              models.WorkerStatus(req.Status),
		FacesProcessedDelta: req.FacesProcessedDelta,
		LastError:           req.LastError,
		CameraID:            req.CameraID,
		Generation:          req.Generation,
	}
	if req.Capabilities != nil {
		caps := fromCapabilities(*req.Capabilities)
		in.Capabilities = &caps
	}
	result, err := h.Service.Heartbeat(c, in)
	if err != nil {
		if errors.Is(err, coordinator.ErrInvalidWorkerState) {
			h.Service.RecordHeartbeatFailure(c, req.WorkerID, "invalid status "+req.Status)
		}
		abortWith(c, err)
		return
	}
	if in.Status == models.WorkerError && worker.Status != models.WorkerError {
		push.WorkerError(&worker, req.LastError)
	}
	reply := api.HeartbeatResponse{Assignment: toAssignment(result.Assignment), Shutdown: result.Shutdown}
	if req.CameraID != nil && (reply.AssignedCameraID == nil || *reply.AssignedCameraID != *req.CameraID || reply.Generation != req.Generation) {
		log.Printf("worker %s believes it holds camera %d gen %d, telling it otherwise", req.WorkerID, *req.CameraID, req.Generation)
	}
	c.JSON(http.StatusOK, reply)
}

func (h *Handlers) WorkerRequestCamera(c *gin.Context, principal *auth.Principal) {
	req := api.WorkerRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, ok := h.ownWorker(c, principal, req.WorkerID); !ok {
		return
	}
	assignment, err := h.Service.RequestCamera(c, req.WorkerID)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, toAssignment(assignment))
}

func (h *Handlers) WorkerRelease(c *gin.Context, principal *auth.Principal) {
	req := api.ReleaseRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, ok := h.ownWorker(c, principal, req.WorkerID); !ok {
		return
	}
	if err := h.Service.Release(c, req.WorkerID, req.CameraID, req.Generation, req.Reason); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, OKResponse)
}

func (h *Handlers) WorkerStopSignal(c *gin.Context, principal *auth.Principal) {
	req := api.StopSignalRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, ok := h.ownWorker(c, principal, req.WorkerID); !ok {
		return
	}
	result, err := h.Service.StopSignal(c, req.WorkerID, req.Reason)
	if err != nil {
		abortWith(c, err)
		return
	}
	log.Printf("worker %s stopped (%s), released %v", req.WorkerID, req.Reason, result.Released)
	reply := api.StopSignalResponse{BackendCleanupCompleted: true, CameraReleased: len(result.Released) > 0}
	if reply.CameraReleased {
		reply.ReleasedCameraID = &result.Released[0]
	}
	c.JSON(http.StatusOK, reply)
}

func (h *Handlers) StaffList(c *gin.Context, principal *auth.Principal) {
	staff, err := h.Service.StaffEmbeddings(c, principal.TenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, DBErrorResponse)
		return
	}
	result := make([]api.StaffEmbedding, 0, len(staff))
	for _, s := range staff {
		result = append(result, api.StaffEmbedding{PersonID: s.ID, Embedding: s.Embedding})
	}
	c.JSON(http.StatusOK, result)
}
