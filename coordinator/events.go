package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"camfleet/faces"
	"camfleet/models"
	"camfleet/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type EventInput struct {
	ID           string
	WorkerID     string
	CameraID     uint64
	Generation   int64
	DetectedAt   time.Time
	Confidence   float32
	BBox         [4]int
	Embedding    []float32
	StaffMatchID *uint64 // Worker side pre-filter hit, if any
}

type EventResult struct {
	Known    bool
	PersonID uint64
	VisitID  *uint64
}

// checkFence verifies the worker still holds the camera at the given generation
func (s *Service) checkFence(ctx context.Context, workerID string, cameraID uint64, generation int64) (models.CameraSession, error) {
	session, err := s.GetSession(ctx, cameraID)
	if err != nil {
		return session, err
	}
	return session, fence(&session, workerID, generation)
}

func fence(session *models.CameraSession, workerID string, generation int64) error {
	if generation != session.Generation {
		return ErrStaleGeneration
	}
	if session.State != models.LeaseActive || !session.HeldBy(workerID) {
		return ErrNotLeaseHolder
	}
	return nil
}

// coord clamps a detector coordinate into the stored range
func coord(v int) uint16 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}

// IngestEvent stores one detection from the worker currently holding the camera
// and resolves it to a person (and, for non staff, a visit).
func (s *Service) IngestEvent(ctx context.Context, in EventInput, image []byte) (EventResult, error) {
	session, err := s.checkFence(ctx, in.WorkerID, in.CameraID, in.Generation)
	if err != nil {
		return EventResult{}, err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.DetectedAt.IsZero() {
		in.DetectedAt = s.Now()
	}
	site := models.Site{ID: session.SiteID}
	if err = s.DB.WithContext(ctx).Where("id = ?", session.SiteID).Take(&site).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return EventResult{}, err
	}
	day := site.LocalDay(in.DetectedAt)

	imagePath := ""
	if len(image) > 0 && s.Storage != nil {
		imagePath = fmt.Sprintf("%d/%d/%d/%s/%s.jpg", session.TenantID, session.SiteID, session.CameraID, day, in.ID)
		if _, err = s.Storage.Save(imagePath, bytes.NewReader(image), "image/jpeg"); err != nil {
			return EventResult{}, err
		}
	}

	// The lease may have moved while the image was stored
	unlock := s.lock(cameraKey(in.CameraID))
	defer unlock()
	result := EventResult{}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current := models.CameraSession{}
		if err := tx.Where("camera_id = ?", in.CameraID).Take(&current).Error; err != nil {
			return err
		}
		if err := fence(&current, in.WorkerID, in.Generation); err != nil {
			return err
		}
		person, known, err := s.matchPerson(tx, session.TenantID, in)
		if err != nil {
			return err
		}
		result.Known = known
		result.PersonID = person.ID
		if !person.IsStaff {
			visit, err := upsertVisit(tx, &person, session.SiteID, day, in.DetectedAt.Unix())
			if err != nil {
				return err
			}
			result.VisitID = &visit.ID
		}
		return tx.Create(&models.DetectionEvent{
			ID:         in.ID,
			TenantID:   session.TenantID,
			SiteID:     session.SiteID,
			DetectedAt: in.DetectedAt.Unix(),
			CameraID:   session.CameraID,
			WorkerID:   in.WorkerID,
			Generation: in.Generation,
			PersonID:   person.ID,
			VisitID:    result.VisitID,
			Confidence: in.Confidence,
			RectX1:     coord(in.BBox[0]),
			RectY1:     coord(in.BBox[1]),
			RectX2:     coord(in.BBox[2]),
			RectY2:     coord(in.BBox[3]),
			StaffMatch: in.StaffMatchID != nil,
			ImagePath:  imagePath,
		}).Error
	})
	if err != nil && imagePath != "" {
		_ = s.Storage.Delete(imagePath)
	}
	return result, err
}

func (s *Service) matchPerson(tx *gorm.DB, tenantID uint64, in EventInput) (person models.Person, known bool, err error) {
	seen := in.DetectedAt.Unix()
	if in.StaffMatchID != nil {
		err = tx.Where("id = ? AND tenant_id = ? AND is_staff = ?", *in.StaffMatchID, tenantID, true).Take(&person).Error
		if err == nil {
			return person, true, touchPerson(tx, &person, seen)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return
		}
	}
	var people []models.Person
	if err = tx.Select("id", "embedding").Where("tenant_id = ?", tenantID).Find(&people).Error; err != nil {
		return
	}
	candidates := make([]faces.Candidate, 0, len(people))
	for _, p := range people {
		candidates = append(candidates, faces.Candidate{ID: p.ID, Embedding: utils.ByteArrayToFloat32Array(p.Embedding)})
	}
	if best, _, ok := faces.BestMatch(in.Embedding, candidates, s.MatchThreshold); ok {
		if err = tx.Where("id = ?", best.ID).Take(&person).Error; err != nil {
			return
		}
		return person, true, touchPerson(tx, &person, seen)
	}
	person = models.Person{
		TenantID:    tenantID,
		Embedding:   utils.Float32ArrayToByteArray(in.Embedding),
		FirstSeenAt: seen,
		LastSeenAt:  seen,
		Detections:  1,
	}
	return person, false, tx.Create(&person).Error
}

func touchPerson(tx *gorm.DB, person *models.Person, seen int64) error {
	person.Detections++
	person.LastSeenAt = seen
	return tx.Model(person).Updates(map[string]interface{}{
		"last_seen_at": seen,
		"detections":   gorm.Expr("detections + 1"),
	}).Error
}

func upsertVisit(tx *gorm.DB, person *models.Person, siteID uint64, day string, seen int64) (visit models.Visit, err error) {
	err = tx.Where("person_id = ? AND site_id = ? AND day = ?", person.ID, siteID, day).Take(&visit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		visit = models.Visit{
			TenantID:    person.TenantID,
			PersonID:    person.ID,
			SiteID:      siteID,
			Day:         day,
			FirstSeenAt: seen,
			LastSeenAt:  seen,
			Detections:  1,
		}
		return visit, tx.Create(&visit).Error
	}
	if err != nil {
		return
	}
	err = tx.Model(&visit).Updates(map[string]interface{}{
		"last_seen_at": seen,
		"detections":   gorm.Expr("detections + 1"),
	}).Error
	return
}

// StaffEmbeddings lists the tenant's staff for the worker side pre-filter
func (s *Service) StaffEmbeddings(ctx context.Context, tenantID uint64) ([]faces.Candidate, error) {
	var staff []models.Person
	if err := s.DB.WithContext(ctx).Select("id", "embedding").
		Where("tenant_id = ? AND is_staff = ?", tenantID, true).Find(&staff).Error; err != nil {
		return nil, err
	}
	result := make([]faces.Candidate, 0, len(staff))
	for _, p := range staff {
		result = append(result, faces.Candidate{ID: p.ID, Embedding: utils.ByteArrayToFloat32Array(p.Embedding)})
	}
	return result, nil
}

func (s *Service) GetEvent(ctx context.Context, id string) (event models.DetectionEvent, err error) {
	err = s.DB.WithContext(ctx).Where("id = ?", id).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = ErrUnknownEvent
	}
	return
}

// ListEvents returns the newest events first, optionally for one camera only
func (s *Service) ListEvents(ctx context.Context, tenantID, cameraID uint64, limit int) (events []models.DetectionEvent, err error) {
	tx := s.DB.WithContext(ctx).Order("detected_at DESC").Limit(limit)
	if tenantID != 0 {
		tx = tx.Where("tenant_id = ?", tenantID)
	}
	if cameraID != 0 {
		tx = tx.Where("camera_id = ?", cameraID)
	}
	err = tx.Find(&events).Error
	return
}
