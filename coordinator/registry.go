package coordinator

import (
	"context"
	"errors"
	"log"

	"camfleet/models"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type RegisterInput struct {
	WorkerID     string // Previously issued identity, empty for a fresh one
	TenantID     uint64
	SiteID       uint64
	Hostname     string
	Capabilities models.Capabilities
}

type HeartbeatInput struct {
	WorkerID            string
	Status              models.WorkerStatus
	FacesProcessedDelta uint64
	Capabilities        *models.Capabilities
	LastError           string
	// CameraID and Generation are the lease the worker believes it holds.
	// A lease claimed at any other generation is not renewed.
	CameraID   *uint64
	Generation int64
}

// Assignment is the lease a worker holds right now, Session is nil when it holds none
type Assignment struct {
	Session *models.CameraSession
	Camera  *models.Camera
}

type HeartbeatResult struct {
	Assignment
	Shutdown bool
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func (s *Service) GetWorker(ctx context.Context, workerID string) (worker models.Worker, err error) {
	err = s.DB.WithContext(ctx).Where("id = ?", workerID).Take(&worker).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = ErrUnknownWorker
	}
	return
}

// Register creates (or revives, if a known WorkerID is supplied) a worker in
// status idle and hands out the lease it should run, if any.
func (s *Service) Register(ctx context.Context, in RegisterInput) (models.Worker, Assignment, error) {
	if in.Capabilities.Slots <= 0 {
		in.Capabilities.Slots = 1
	}
	if in.WorkerID == "" {
		in.WorkerID = uuid.NewString()
	}
	now := s.Now()

	unlock := s.lock(workerKey(in.WorkerID))
	worker, err := s.GetWorker(ctx, in.WorkerID)
	switch {
	case err == nil:
		if worker.TenantID != in.TenantID {
			unlock()
			return worker, Assignment{}, ErrTenantMismatch
		}
		err = s.DB.WithContext(ctx).Model(&worker).Updates(map[string]interface{}{
			"site_id":            in.SiteID,
			"hostname":           in.Hostname,
			"status":             models.WorkerIdle,
			"last_heartbeat":     now.Unix(),
			"last_seen_at":       now.Unix(),
			"shutdown_requested": false,
			"cap_detector_type":  in.Capabilities.DetectorType,
			"cap_embedder_type":  in.Capabilities.EmbedderType,
			"cap_frame_rate":     in.Capabilities.FrameRate,
			"cap_slots":          in.Capabilities.Slots,
			"cap_cpu":            in.Capabilities.CPU,
			"cap_gpu":            in.Capabilities.GPU,
			"cap_mem_mb":         in.Capabilities.MemMB,
		}).Error
	case errors.Is(err, ErrUnknownWorker):
		worker = models.Worker{
			ID:            in.WorkerID,
			TenantID:      in.TenantID,
			SiteID:        in.SiteID,
			Status:        models.WorkerIdle,
			Hostname:      in.Hostname,
			Capabilities:  in.Capabilities,
			RegisteredAt:  now.UnixNano(),
			LastHeartbeat: now.Unix(),
			LastSeenAt:    now.Unix(),
		}
		err = s.DB.WithContext(ctx).Create(&worker).Error
		if isDuplicateKey(err) {
			// Lost a race with another registration of the same identity
			unlock()
			return s.Register(ctx, in)
		}
	}
	unlock()
	if err != nil {
		return worker, Assignment{}, err
	}
	worker, err = s.GetWorker(ctx, in.WorkerID)
	if err != nil {
		return worker, Assignment{}, err
	}
	assignment, err := s.RequestCamera(ctx, worker.ID)
	return worker, assignment, err
}

// Heartbeat records liveness and renews every ACTIVE lease held by the worker.
// The reply is the worker's current lease, which may differ from what it last knew.
func (s *Service) Heartbeat(ctx context.Context, in HeartbeatInput) (HeartbeatResult, error) {
	if !in.Status.Valid() {
		return HeartbeatResult{}, ErrInvalidWorkerState
	}
	now := s.Now()
	updates := map[string]interface{}{
		"status":          in.Status,
		"last_heartbeat":  now.Unix(),
		"last_seen_at":    now.Unix(),
		"faces_processed": gorm.Expr("faces_processed + ?", in.FacesProcessedDelta),
	}
	if in.Status == models.WorkerError {
		updates["error_count"] = gorm.Expr("error_count + 1")
		updates["last_error"] = in.LastError
	}
	if c := in.Capabilities; c != nil {
		updates["cap_detector_type"] = c.DetectorType
		updates["cap_embedder_type"] = c.EmbedderType
		updates["cap_frame_rate"] = c.FrameRate
		if c.Slots > 0 {
			updates["cap_slots"] = c.Slots
		}
		updates["cap_cpu"] = c.CPU
		updates["cap_gpu"] = c.GPU
		updates["cap_mem_mb"] = c.MemMB
	}
	result := s.DB.WithContext(ctx).Model(&models.Worker{}).Where("id = ?", in.WorkerID).Updates(updates)
	if result.Error != nil {
		return HeartbeatResult{}, result.Error
	}
	if result.RowsAffected == 0 {
		return HeartbeatResult{}, ErrUnknownWorker
	}
	if err := s.renew(ctx, in.WorkerID, in.CameraID, in.Generation); err != nil {
		return HeartbeatResult{}, err
	}
	worker, err := s.GetWorker(ctx, in.WorkerID)
	if err != nil {
		return HeartbeatResult{}, err
	}
	assignment, err := s.CurrentAssignment(ctx, in.WorkerID)
	return HeartbeatResult{Assignment: assignment, Shutdown: worker.ShutdownRequested}, err
}

// RecordHeartbeatFailure bumps the error counter for a worker whose heartbeat
// could not be processed
func (s *Service) RecordHeartbeatFailure(ctx context.Context, workerID, reason string) {
	err := s.DB.WithContext(ctx).Model(&models.Worker{}).Where("id = ?", workerID).Updates(map[string]interface{}{
		"error_count": gorm.Expr("error_count + 1"),
		"last_error":  reason,
	}).Error
	if err != nil {
		log.Printf("record heartbeat failure for %s: %v", workerID, err)
	}
}

// RequestShutdown asks the worker to shut down on its next heartbeat
func (s *Service) RequestShutdown(ctx context.Context, workerID string) error {
	result := s.DB.WithContext(ctx).Model(&models.Worker{}).Where("id = ?", workerID).Update("shutdown_requested", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUnknownWorker
	}
	return nil
}

// RemoveWorker is the operator force-removal: held leases go back to the pool and the row is deleted
func (s *Service) RemoveWorker(ctx context.Context, workerID string) ([]uint64, error) {
	unlock := s.lock(workerKey(workerID))
	defer unlock()

	if err := s.markOffline(ctx, workerID); err != nil {
		return nil, err
	}
	released, err := s.releaseAll(ctx, workerID, "worker removed by operator")
	if err != nil {
		return released, err
	}
	return released, s.DB.WithContext(ctx).Where("id = ?", workerID).Delete(&models.Worker{}).Error
}

func (s *Service) ListWorkers(ctx context.Context, tenantID uint64) (workers []models.Worker, err error) {
	tx := s.DB.WithContext(ctx).Order("registered_at")
	if tenantID != 0 {
		tx = tx.Where("tenant_id = ?", tenantID)
	}
	err = tx.Find(&workers).Error
	return
}
