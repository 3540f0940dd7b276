package coordinator

import (
	"context"
	"errors"
	"log"

	"camfleet/models"

	"gorm.io/gorm"
)

// eligible reports whether a worker may take one more camera
func eligible(w *models.Worker) bool {
	if w.ShutdownRequested {
		return false
	}
	return w.Status == models.WorkerIdle || w.Status == models.WorkerProcessing
}

func (s *Service) boundCount(tx *gorm.DB, workerID string) (count int64, err error) {
	err = tx.Model(&models.CameraSession{}).
		Where("worker_id = ? AND state = ?", workerID, models.LeaseActive).
		Count(&count).Error
	return
}

func (s *Service) GetSession(ctx context.Context, cameraID uint64) (session models.CameraSession, err error) {
	err = s.DB.WithContext(ctx).Where("camera_id = ?", cameraID).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = ErrUnknownCamera
	}
	return
}

func (s *Service) ListSessions(ctx context.Context, tenantID uint64, state models.LeaseState) (sessions []models.CameraSession, err error) {
	tx := s.DB.WithContext(ctx).Order("camera_id")
	if tenantID != 0 {
		tx = tx.Where("tenant_id = ?", tenantID)
	}
	if state != "" {
		tx = tx.Where("state = ?", state)
	}
	err = tx.Find(&sessions).Error
	return
}

// CurrentAssignment returns the oldest ACTIVE lease bound to the worker
func (s *Service) CurrentAssignment(ctx context.Context, workerID string) (Assignment, error) {
	session := models.CameraSession{}
	err := s.DB.WithContext(ctx).
		Where("worker_id = ? AND state = ?", workerID, models.LeaseActive).
		Order("camera_id").Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Assignment{}, nil
	}
	if err != nil {
		return Assignment{}, err
	}
	camera := models.Camera{}
	if err = s.DB.WithContext(ctx).Where("id = ?", session.CameraID).Take(&camera).Error; err != nil {
		return Assignment{}, err
	}
	return Assignment{Session: &session, Camera: &camera}, nil
}

// renew extends every ACTIVE lease bound to the worker by LeaseTTL. When the
// worker names a camera, that lease is only renewed at the exact generation.
func (s *Service) renew(ctx context.Context, workerID string, claimed *uint64, generation int64) error {
	var cameraIDs []uint64
	if err := s.DB.WithContext(ctx).Model(&models.CameraSession{}).
		Where("worker_id = ? AND state = ?", workerID, models.LeaseActive).
		Pluck("camera_id", &cameraIDs).Error; err != nil {
		return err
	}
	for _, id := range cameraIDs {
		err := s.withCamera(ctx, id, func(tx *gorm.DB, session *models.CameraSession) ([]Transition, error) {
			if session.State != models.LeaseActive || !session.HeldBy(workerID) {
				return nil, nil // reassigned meanwhile
			}
			if claimed != nil && *claimed == session.CameraID && generation != session.Generation {
				log.Printf("not renewing camera %d for %s: claimed gen %d, current gen %d", session.CameraID, workerID, generation, session.Generation)
				return nil, nil
			}
			return nil, tx.Model(&models.CameraSession{}).
				Where("camera_id = ? AND generation = ?", session.CameraID, session.Generation).
				Update("lease_expires_at", s.Now().Add(s.LeaseTTL).Unix()).Error
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Provision creates a camera together with its PENDING lease
func (s *Service) Provision(ctx context.Context, camera models.Camera) (models.CameraSession, error) {
	session := models.CameraSession{}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		camera.Active = true
		camera.LastStateChangeAt = s.Now().Unix()
		if err := tx.Create(&camera).Error; err != nil {
			return err
		}
		session = models.CameraSession{
			CameraID: camera.ID,
			TenantID: camera.TenantID,
			SiteID:   camera.SiteID,
			State:    models.LeasePending,
			Reason:   "provisioned",
		}
		return tx.Create(&session).Error
	})
	return session, err
}

// RequestCamera returns the worker's current lease, or grants it the first
// PENDING camera of its site when it has a free slot.
func (s *Service) RequestCamera(ctx context.Context, workerID string) (Assignment, error) {
	current, err := s.CurrentAssignment(ctx, workerID)
	if err != nil || current.Session != nil {
		return current, err
	}
	worker, err := s.GetWorker(ctx, workerID)
	if err != nil {
		return Assignment{}, err
	}
	var pending []uint64
	if err = s.DB.WithContext(ctx).Model(&models.CameraSession{}).
		Where("tenant_id = ? AND site_id = ? AND state = ?", worker.TenantID, worker.SiteID, models.LeasePending).
		Order("camera_id").Limit(20).
		Pluck("camera_id", &pending).Error; err != nil {
		return Assignment{}, err
	}
	for _, cameraID := range pending {
		ok, err := s.tryAssign(ctx, workerID, cameraID, "requested by worker")
		if err != nil {
			return Assignment{}, err
		}
		if ok {
			return s.CurrentAssignment(ctx, workerID)
		}
	}
	return Assignment{}, nil
}

// tryAssign binds a PENDING camera to the worker if both are still eligible.
// It returns false without error when either side changed in the meantime.
func (s *Service) tryAssign(ctx context.Context, workerID string, cameraID uint64, reason string) (assigned bool, err error) {
	unlock := s.lock(workerKey(workerID))
	defer unlock()

	worker, err := s.GetWorker(ctx, workerID)
	if errors.Is(err, ErrUnknownWorker) {
		return false, nil
	}
	if err != nil || !eligible(&worker) {
		return false, err
	}
	err = s.withCamera(ctx, cameraID, func(tx *gorm.DB, session *models.CameraSession) ([]Transition, error) {
		if session.State != models.LeasePending || session.TenantID != worker.TenantID || session.SiteID != worker.SiteID {
			return nil, nil
		}
		bound, err := s.boundCount(tx, workerID)
		if err != nil || bound >= int64(worker.Capabilities.Slots) {
			return nil, err
		}
		t, err := s.transition(tx, session, change{To: models.LeaseActive, WorkerID: &workerID, Reason: reason})
		if err != nil {
			return nil, err
		}
		assigned = true
		return []Transition{t}, nil
	})
	if errors.Is(err, ErrConcurrentUpdate) {
		return false, nil
	}
	return assigned, err
}

// Release is a worker giving a camera up (ACTIVE -> PAUSED). The worker must
// present the generation it was assigned, anything else is fenced out.
func (s *Service) Release(ctx context.Context, workerID string, cameraID uint64, generation int64, reason string) error {
	if reason == "" {
		reason = "released by worker"
	}
	return s.withCamera(ctx, cameraID, func(tx *gorm.DB, session *models.CameraSession) ([]Transition, error) {
		if generation != session.Generation {
			return nil, ErrStaleGeneration
		}
		if session.State != models.LeaseActive || !session.HeldBy(workerID) {
			return nil, ErrNotLeaseHolder
		}
		resumeAt := s.Now().Add(s.PauseCooldown).Unix()
		t, err := s.transition(tx, session, change{To: models.LeasePaused, Reason: reason, ResumeAt: &resumeAt})
		if err != nil {
			return nil, err
		}
		return []Transition{t}, nil
	})
}

type StopResult struct {
	Released []uint64
}

// StopSignal handles a clean worker shutdown: the worker is marked offline
// first so no assignment can slip in, then its leases go straight back to PENDING.
func (s *Service) StopSignal(ctx context.Context, workerID, reason string) (StopResult, error) {
	if reason == "" {
		reason = "worker stop signal"
	}
	unlock := s.lock(workerKey(workerID))
	defer unlock()

	if err := s.markOffline(ctx, workerID); err != nil {
		return StopResult{}, err
	}
	released, err := s.releaseAll(ctx, workerID, reason)
	return StopResult{Released: released}, err
}

// markOffline takes the worker out of assignment. Callers hold the worker lock.
func (s *Service) markOffline(ctx context.Context, workerID string) error {
	if _, err := s.GetWorker(ctx, workerID); err != nil {
		return err
	}
	return s.DB.WithContext(ctx).Model(&models.Worker{}).Where("id = ?", workerID).Updates(map[string]interface{}{
		"status":             models.WorkerOffline,
		"shutdown_requested": false,
		"current_camera_id":  gorm.Expr("NULL"),
		"last_seen_at":       s.Now().Unix(),
	}).Error
}

// releaseAll returns every ACTIVE or ORPHANED lease bound to the worker to PENDING
func (s *Service) releaseAll(ctx context.Context, workerID, reason string) (released []uint64, err error) {
	var cameraIDs []uint64
	if err = s.DB.WithContext(ctx).Model(&models.CameraSession{}).
		Where("worker_id = ? AND state IN ?", workerID, []models.LeaseState{models.LeaseActive, models.LeaseOrphaned}).
		Pluck("camera_id", &cameraIDs).Error; err != nil {
		return
	}
	for _, id := range cameraIDs {
		err = s.withCamera(ctx, id, func(tx *gorm.DB, session *models.CameraSession) ([]Transition, error) {
			if !session.HeldBy(workerID) || (session.State != models.LeaseActive && session.State != models.LeaseOrphaned) {
				return nil, nil
			}
			t, err := s.transition(tx, session, change{To: models.LeasePending, Reason: reason})
			if err != nil {
				return nil, err
			}
			released = append(released, session.CameraID)
			return []Transition{t}, nil
		})
		if err != nil {
			return
		}
	}
	return
}

// Pause is the operator hold, the camera stays PAUSED until resumed
func (s *Service) Pause(ctx context.Context, cameraID uint64, reason string) error {
	if reason == "" {
		reason = "paused by operator"
	}
	return s.withCamera(ctx, cameraID, func(tx *gorm.DB, session *models.CameraSession) ([]Transition, error) {
		t, err := s.transition(tx, session, change{To: models.LeasePaused, Reason: reason})
		if err != nil {
			return nil, err
		}
		return []Transition{t}, nil
	})
}

// Resume returns a PAUSED camera to the assignable pool
func (s *Service) Resume(ctx context.Context, cameraID uint64, reason string) error {
	if reason == "" {
		reason = "resumed by operator"
	}
	return s.withCamera(ctx, cameraID, func(tx *gorm.DB, session *models.CameraSession) ([]Transition, error) {
		if session.State != models.LeasePaused {
			return nil, ErrIllegalTransition
		}
		t, err := s.transition(tx, session, change{To: models.LeasePending, Reason: reason})
		if err != nil {
			return nil, err
		}
		return []Transition{t}, nil
	})
}

// Deactivate terminates the lease of a deleted or deactivated camera
func (s *Service) Deactivate(ctx context.Context, cameraID uint64, reason string) error {
	if reason == "" {
		reason = "camera deactivated"
	}
	return s.withCamera(ctx, cameraID, func(tx *gorm.DB, session *models.CameraSession) ([]Transition, error) {
		t, err := s.transition(tx, session, change{To: models.LeaseTerminated, Reason: reason})
		if err != nil {
			return nil, err
		}
		if err = tx.Model(&models.Camera{}).Where("id = ?", cameraID).Update("active", false).Error; err != nil {
			return nil, err
		}
		return []Transition{t}, nil
	})
}
