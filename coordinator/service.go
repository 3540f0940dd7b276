// Package coordinator owns the authoritative worker registry and the camera
// lease table. All lease state changes for a camera are serialised through a
// per-camera mutex and applied in a single guarded UPDATE, so no partial lease
// update is ever visible.
package coordinator

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"camfleet/models"
	"camfleet/storage"

	cmap "github.com/orcaman/concurrent-map/v2"
	"gorm.io/gorm"
)

var (
	ErrUnknownWorker      = errors.New("unknown worker")
	ErrUnknownCamera      = errors.New("unknown camera")
	ErrUnknownEvent       = errors.New("unknown event")
	ErrTenantMismatch     = errors.New("worker belongs to another tenant")
	ErrStaleGeneration    = errors.New("stale lease generation")
	ErrNotLeaseHolder     = errors.New("worker does not hold the camera lease")
	ErrIllegalTransition  = errors.New("illegal lease transition")
	ErrConcurrentUpdate   = errors.New("lease changed concurrently")
	ErrInvalidWorkerState = errors.New("invalid worker status")
)

// Lease transitions allowed by the state machine. Renewal is not a transition.
var leaseTransitions = map[models.LeaseState]map[models.LeaseState]bool{
	models.LeasePending:  {models.LeaseActive: true, models.LeaseTerminated: true},
	models.LeaseActive:   {models.LeasePaused: true, models.LeaseOrphaned: true, models.LeasePending: true, models.LeaseTerminated: true},
	models.LeasePaused:   {models.LeasePending: true, models.LeaseTerminated: true},
	models.LeaseOrphaned: {models.LeasePending: true, models.LeaseTerminated: true},
}

func canTransition(from, to models.LeaseState) bool {
	return leaseTransitions[from][to]
}

// Transition describes one committed lease state change
type Transition struct {
	CameraID   uint64            `json:"camera_id"`
	TenantID   uint64            `json:"tenant_id"`
	SiteID     uint64            `json:"site_id"`
	From       models.LeaseState `json:"from"`
	To         models.LeaseState `json:"to"`
	Generation int64             `json:"generation"`
	WorkerID   string            `json:"worker_id"` // New holder, or the previous one when cleared
	Reason     string            `json:"reason"`
	At         int64             `json:"at"`
}

type TransitionListener func(Transition)

type Options struct {
	LeaseTTL       time.Duration
	StaleAfter     time.Duration
	PauseCooldown  time.Duration
	MatchThreshold float64
	Storage        storage.StorageAPI
}

type Service struct {
	DB             *gorm.DB
	LeaseTTL       time.Duration
	StaleAfter     time.Duration
	PauseCooldown  time.Duration
	MatchThreshold float64
	Storage        storage.StorageAPI
	// Now is the clock used for every lease and liveness timestamp
	Now func() time.Time

	locks       cmap.ConcurrentMap[string, *sync.Mutex]
	listenersMu sync.RWMutex
	listeners   []TransitionListener
}

func New(db *gorm.DB, opts Options) *Service {
	return &Service{
		DB:             db,
		LeaseTTL:       opts.LeaseTTL,
		StaleAfter:     opts.StaleAfter,
		PauseCooldown:  opts.PauseCooldown,
		MatchThreshold: opts.MatchThreshold,
		Storage:        opts.Storage,
		Now:            time.Now,
		locks:          cmap.New[*sync.Mutex](),
	}
}

func (s *Service) OnTransition(l TransitionListener) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, l)
	s.listenersMu.Unlock()
}

func (s *Service) notify(t Transition) {
	log.Printf("lease camera=%d %s->%s gen=%d worker=%s reason=%s", t.CameraID, t.From, t.To, t.Generation, t.WorkerID, t.Reason)
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	for _, l := range s.listeners {
		l(t)
	}
}

// lock returns the unlock func for the named resource. Lock order is always
// worker before camera, and no lock is taken while a transaction is open.
func (s *Service) lock(key string) func() {
	mu := s.locks.Upsert(key, nil, func(exist bool, valueInMap, newValue *sync.Mutex) *sync.Mutex {
		if exist {
			return valueInMap
		}
		return &sync.Mutex{}
	})
	mu.Lock()
	return mu.Unlock
}

func cameraKey(id uint64) string {
	return "camera:" + strconv.FormatUint(id, 10)
}

func workerKey(id string) string {
	return "worker:" + id
}

func nullable[T any](p *T) interface{} {
	if p == nil {
		return gorm.Expr("NULL")
	}
	return *p
}

func workerName(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// change is a requested lease state change. WorkerID nil clears the binding.
type change struct {
	To       models.LeaseState
	WorkerID *string
	Reason   string
	ResumeAt *int64 // PAUSED only
}

// transition applies c to session. The generation is bumped whenever the bound
// worker changes. Must be called inside a transaction while holding the camera lock.
func (s *Service) transition(tx *gorm.DB, session *models.CameraSession, c change) (Transition, error) {
	from, to, workerID, reason := session.State, c.To, c.WorkerID, c.Reason
	if !canTransition(from, to) {
		return Transition{}, ErrIllegalTransition
	}
	now := s.Now()
	generation := session.Generation
	if workerName(session.WorkerID) != workerName(workerID) {
		generation++
	}
	var expiresAt, resumeAt *int64
	if to == models.LeaseActive {
		e := now.Add(s.LeaseTTL).Unix()
		expiresAt = &e
	}
	if to == models.LeasePaused {
		resumeAt = c.ResumeAt
	}
	result := tx.Model(&models.CameraSession{}).
		Where("camera_id = ? AND generation = ? AND state = ?", session.CameraID, session.Generation, from).
		Updates(map[string]interface{}{
			"state":            to,
			"worker_id":        nullable(workerID),
			"generation":       generation,
			"lease_expires_at": nullable(expiresAt),
			"resume_at":        nullable(resumeAt),
			"reason":           reason,
			"updated_at":       now.Unix(),
		})
	if result.Error != nil {
		return Transition{}, result.Error
	}
	if result.RowsAffected != 1 {
		return Transition{}, ErrConcurrentUpdate
	}
	// Keep the denormalized current camera on the worker rows in step
	previous := session.WorkerID
	if previous != nil && (workerName(previous) != workerName(workerID) || to != models.LeaseActive) {
		if err := tx.Model(&models.Worker{}).
			Where("id = ? AND current_camera_id = ?", *previous, session.CameraID).
			Update("current_camera_id", gorm.Expr("NULL")).Error; err != nil {
			return Transition{}, err
		}
	}
	if workerID != nil && to == models.LeaseActive {
		if err := tx.Model(&models.Worker{}).Where("id = ?", *workerID).Update("current_camera_id", session.CameraID).Error; err != nil {
			return Transition{}, err
		}
	}
	if err := tx.Model(&models.Camera{}).Where("id = ?", session.CameraID).Update("last_state_change_at", now.Unix()).Error; err != nil {
		return Transition{}, err
	}

	t := Transition{
		CameraID:   session.CameraID,
		TenantID:   session.TenantID,
		SiteID:     session.SiteID,
		From:       from,
		To:         to,
		Generation: generation,
		WorkerID:   workerName(workerID),
		Reason:     reason,
		At:         now.Unix(),
	}
	if workerID == nil {
		t.WorkerID = workerName(previous)
	}
	session.State = to
	session.WorkerID = workerID
	session.Generation = generation
	session.LeaseExpiresAt = expiresAt
	session.ResumeAt = resumeAt
	session.Reason = reason
	return t, nil
}

// withCamera runs fn under the camera lock in a transaction with the freshly
// loaded session. Transitions returned by fn are published after commit.
func (s *Service) withCamera(ctx context.Context, cameraID uint64, fn func(tx *gorm.DB, session *models.CameraSession) ([]Transition, error)) error {
	unlock := s.lock(cameraKey(cameraID))
	defer unlock()

	var committed []Transition
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session := models.CameraSession{}
		if err := tx.Where("camera_id = ?", cameraID).Take(&session).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUnknownCamera
			}
			return err
		}
		transitions, err := fn(tx, &session)
		if err != nil {
			return err
		}
		committed = transitions
		return nil
	})
	if err != nil {
		return err
	}
	for _, t := range committed {
		s.notify(t)
	}
	return nil
}
