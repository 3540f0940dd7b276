// Package handlers is the coordinator HTTP surface for workers and operators.
package handlers

import (
	"errors"
	"net/http"

	"camfleet/api"
	"camfleet/auth"
	"camfleet/coordinator"
	"camfleet/models"

	"github.com/gin-gonic/gin"
)

type Handlers struct {
	Service *coordinator.Service
	Feed    *Feed
}

func New(service *coordinator.Service) *Handlers {
	h := &Handlers{Service: service, Feed: NewFeed()}
	service.OnTransition(h.Feed.Publish)
	return h
}

// Register adds every route to the router
func (h *Handlers) Register(router gin.IRouter) {
	router.POST("/auth/login", h.Login)
	router.POST("/auth/logout", h.Logout)

	authRouter := &auth.Router{Base: router}
	// Worker surface
	authRouter.POST("/worker/register", h.WorkerRegister, auth.RoleWorker)
	authRouter.POST("/worker/heartbeat", h.WorkerHeartbeat, auth.RoleWorker)
	authRouter.POST("/worker/request-camera", h.WorkerRequestCamera, auth.RoleWorker)
	authRouter.POST("/worker/release", h.WorkerRelease, auth.RoleWorker)
	authRouter.POST("/worker/stop-signal", h.WorkerStopSignal, auth.RoleWorker)
	authRouter.POST("/worker/events", h.EventCreate, auth.RoleWorker)
	authRouter.GET("/worker/staff", h.StaffList, auth.RoleWorker)
	// Operator surface
	authRouter.GET("/operator/workers", h.WorkerList, auth.RoleOperator)
	authRouter.POST("/operator/worker/remove", h.WorkerRemove, auth.RoleOperator)
	authRouter.POST("/operator/worker/shutdown", h.WorkerShutdown, auth.RoleOperator)
	authRouter.GET("/operator/sessions", h.SessionList, auth.RoleOperator)
	authRouter.POST("/operator/camera/provision", h.CameraProvision, auth.RoleOperator)
	authRouter.POST("/operator/camera/pause", h.CameraPause, auth.RoleOperator)
	authRouter.POST("/operator/camera/resume", h.CameraResume, auth.RoleOperator)
	authRouter.POST("/operator/camera/deactivate", h.CameraDeactivate, auth.RoleOperator)
	authRouter.POST("/operator/cleanup", h.ForceCleanup, auth.RoleOperator)
	authRouter.GET("/operator/events", h.EventList, auth.RoleOperator)
	authRouter.GET("/operator/event/image", h.EventImage, auth.RoleOperator)
	authRouter.GET("/operator/storage", h.StorageStatus, auth.RoleOperator)
	authRouter.GET("/operator/feed", h.FeedSocket, auth.RoleOperator)
}

type Response struct {
	Error string `json:"error"`
}

var (
	OKResponse       = Response{}
	ForbiddenTenant  = Response{"tenant mismatch"}
	DBErrorResponse  = Response{"DB Error"}
	BadEventResponse = Response{"bad event"}
)

// errorStatus maps coordinator errors to HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrUnknownWorker), errors.Is(err, coordinator.ErrUnknownCamera),
		errors.Is(err, coordinator.ErrUnknownEvent):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrStaleGeneration), errors.Is(err, coordinator.ErrNotLeaseHolder),
		errors.Is(err, coordinator.ErrIllegalTransition), errors.Is(err, coordinator.ErrConcurrentUpdate):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrTenantMismatch):
		return http.StatusForbidden
	case errors.Is(err, coordinator.ErrInvalidWorkerState):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func abortWith(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

func toAssignment(a coordinator.Assignment) api.Assignment {
	if a.Session == nil {
		return api.Assignment{}
	}
	id := a.Session.CameraID
	result := api.Assignment{AssignedCameraID: &id, Generation: a.Session.Generation}
	if a.Camera != nil {
		result.Camera = &api.CameraInfo{
			ID:          a.Camera.ID,
			Type:        string(a.Camera.Type),
			RTSPURL:     a.Camera.RTSPURL,
			DeviceIndex: a.Camera.DeviceIndex,
		}
	}
	return result
}

func fromCapabilities(c api.Capabilities) models.Capabilities {
	return models.Capabilities{
		DetectorType: c.DetectorType,
		EmbedderType: c.EmbedderType,
		FrameRate:    c.FrameRate,
		Slots:        c.Slots,
		CPU:          c.CPU,
		GPU:          c.GPU,
		MemMB:        c.MemMB,
	}
}

// ownWorker loads the worker and checks it belongs to the caller's tenant.
// The response is written when it returns false.
func (h *Handlers) ownWorker(c *gin.Context, principal *auth.Principal, workerID string) (models.Worker, bool) {
	worker, err := h.Service.GetWorker(c, workerID)
	if err != nil {
		abortWith(c, err)
		return worker, false
	}
	if !principal.CanAccess(worker.TenantID) {
		c.JSON(http.StatusForbidden, ForbiddenTenant)
		return worker, false
	}
	return worker, true
}

// ownCamera is ownWorker for camera sessions
func (h *Handlers) ownCamera(c *gin.Context, principal *auth.Principal, cameraID uint64) bool {
	session, err := h.Service.GetSession(c, cameraID)
	if err != nil {
		abortWith(c, err)
		return false
	}
	if !principal.CanAccess(session.TenantID) {
		c.JSON(http.StatusForbidden, ForbiddenTenant)
		return false
	}
	return true
}
