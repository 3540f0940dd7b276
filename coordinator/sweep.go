package coordinator

import (
	"context"
	"log"
	"time"

	"camfleet/models"

	"gorm.io/gorm"
)

type SweepResult struct {
	Reclaimed int `json:"reclaimed"`
	Offline   int `json:"offline"`
	Orphaned  int `json:"orphaned"`
	Resumed   int `json:"resumed"`
	Assigned  int `json:"assigned"`
}

// Sweep is one liveness pass. Leases orphaned by an earlier pass are reclaimed
// first, so a lease spends at least one sweep interval in ORPHANED.
func (s *Service) Sweep(ctx context.Context) (result SweepResult, err error) {
	if result.Reclaimed, err = s.reclaimOrphaned(ctx); err != nil {
		return
	}
	if result.Offline, err = s.markStaleWorkers(ctx); err != nil {
		return
	}
	if result.Orphaned, err = s.orphanExpired(ctx); err != nil {
		return
	}
	if result.Resumed, err = s.resumePaused(ctx); err != nil {
		return
	}
	result.Assigned, err = s.assignPending(ctx)
	return
}

// ForceCleanup runs a sweep right away, for incident response
func (s *Service) ForceCleanup(ctx context.Context) (SweepResult, error) {
	log.Println("forced liveness sweep")
	return s.Sweep(ctx)
}

// Run sweeps every interval until ctx is done
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := s.Sweep(ctx)
			if err != nil {
				log.Printf("sweep error: %v", err)
				continue
			}
			if result != (SweepResult{}) {
				log.Printf("sweep: %+v", result)
			}
		}
	}
}

func (s *Service) sessionsIn(ctx context.Context, state models.LeaseState, where string, args ...interface{}) (ids []uint64, err error) {
	tx := s.DB.WithContext(ctx).Model(&models.CameraSession{}).Where("state = ?", state)
	if where != "" {
		tx = tx.Where(where, args...)
	}
	err = tx.Order("camera_id").Pluck("camera_id", &ids).Error
	return
}

func (s *Service) reclaimOrphaned(ctx context.Context) (count int, err error) {
	ids, err := s.sessionsIn(ctx, models.LeaseOrphaned, "")
	if err != nil {
		return
	}
	for _, id := range ids {
		err = s.withCamera(ctx, id, func(tx *gorm.DB, session *models.CameraSession) ([]Transition, error) {
			if session.State != models.LeaseOrphaned {
				return nil, nil
			}
			t, err := s.transition(tx, session, change{To: models.LeasePending, Reason: "reclaimed orphaned lease"})
			if err != nil {
				return nil, err
			}
			count++
			return []Transition{t}, nil
		})
		if err != nil {
			return
		}
	}
	return
}

func (s *Service) markStaleWorkers(ctx context.Context) (int, error) {
	cutoff := s.Now().Add(-s.StaleAfter).Unix()
	result := s.DB.WithContext(ctx).Model(&models.Worker{}).
		Where("status <> ? AND last_heartbeat < ?", models.WorkerOffline, cutoff).
		Update("status", models.WorkerOffline)
	return int(result.RowsAffected), result.Error
}

func (s *Service) orphanExpired(ctx context.Context) (count int, err error) {
	now := s.Now().Unix()
	offline := s.DB.Model(&models.Worker{}).Select("id").Where("status = ?", models.WorkerOffline)
	ids, err := s.sessionsIn(ctx, models.LeaseActive,
		"(lease_expires_at < ? OR worker_id IS NULL OR worker_id IN (?) OR worker_id NOT IN (?))",
		now, offline, s.DB.Model(&models.Worker{}).Select("id"))
	if err != nil {
		return
	}
	for _, id := range ids {
		err = s.withCamera(ctx, id, func(tx *gorm.DB, session *models.CameraSession) ([]Transition, error) {
			if session.State != models.LeaseActive {
				return nil, nil
			}
			expired := session.LeaseExpiresAt == nil || *session.LeaseExpiresAt < s.Now().Unix()
			if !expired && session.WorkerID != nil {
				worker := models.Worker{}
				err := tx.Where("id = ?", *session.WorkerID).Take(&worker).Error
				if err == nil && worker.Status != models.WorkerOffline {
					return nil, nil // renewed meanwhile
				}
			}
			// The holder stays recorded until the lease is reclaimed
			t, err := s.transition(tx, session, change{To: models.LeaseOrphaned, WorkerID: session.WorkerID, Reason: "lease expired"})
			if err != nil {
				return nil, err
			}
			count++
			return []Transition{t}, nil
		})
		if err != nil {
			return
		}
	}
	return
}

func (s *Service) resumePaused(ctx context.Context) (count int, err error) {
	ids, err := s.sessionsIn(ctx, models.LeasePaused, "resume_at IS NOT NULL AND resume_at <= ?", s.Now().Unix())
	if err != nil {
		return
	}
	for _, id := range ids {
		err = s.withCamera(ctx, id, func(tx *gorm.DB, session *models.CameraSession) ([]Transition, error) {
			if session.State != models.LeasePaused || session.ResumeAt == nil || *session.ResumeAt > s.Now().Unix() {
				return nil, nil
			}
			t, err := s.transition(tx, session, change{To: models.LeasePending, Reason: "pause cooldown elapsed"})
			if err != nil {
				return nil, err
			}
			count++
			return []Transition{t}, nil
		})
		if err != nil {
			return
		}
	}
	return
}

// assignPending offers each PENDING camera to the workers of its site, oldest registration first
func (s *Service) assignPending(ctx context.Context) (count int, err error) {
	var pending []models.CameraSession
	if err = s.DB.WithContext(ctx).Where("state = ?", models.LeasePending).Order("camera_id").Find(&pending).Error; err != nil {
		return
	}
	for _, session := range pending {
		var candidates []string
		if err = s.DB.WithContext(ctx).Model(&models.Worker{}).
			Where("tenant_id = ? AND site_id = ? AND status IN ? AND shutdown_requested = ?", session.TenantID, session.SiteID,
				[]models.WorkerStatus{models.WorkerIdle, models.WorkerProcessing}, false).
			Order("registered_at").Pluck("id", &candidates).Error; err != nil {
			return
		}
		for _, workerID := range candidates {
			ok, err := s.tryAssign(ctx, workerID, session.CameraID, "assigned by sweep")
			if err != nil {
				return count, err
			}
			if ok {
				count++
				break
			}
		}
	}
	return
}
