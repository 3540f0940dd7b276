package coordinator

import (
	"context"
	"io"
	"testing"
	"time"

	"camfleet/models"
	"camfleet/storage"
	"camfleet/utils"
)

func embedding(seed float32) []float32 {
	e := make([]float32, 128)
	for i := range e {
		e[i] = seed
		if i%2 == 0 {
			e[i] = -seed
		}
	}
	e[0] = 1
	return e
}

func TestIngestEventMatchesPeopleAndVisits(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	lat, lng := 42.6977, 23.3219
	if err := svc.DB.Create(&models.Site{ID: 1, TenantID: 1, Name: "Sofia", Latitude: &lat, Longitude: &lng}).Error; err != nil {
		t.Fatal(err)
	}
	cameraID := provision(t, svc, 1)
	worker, a := register(t, svc, "w", 1)
	gen := a.Session.Generation

	in := EventInput{WorkerID: worker.ID, CameraID: cameraID, Generation: gen, Confidence: 0.93, BBox: [4]int{10, 20, 110, 140}, Embedding: embedding(0.1)}
	first, err := svc.IngestEvent(ctx, in, []byte{0xff, 0xd8, 0xff, 0xd9})
	if err != nil {
		t.Fatal(err)
	}
	if first.Known || first.PersonID == 0 || first.VisitID == nil {
		t.Fatalf("first event = %+v", first)
	}

	clock.Advance(time.Minute)
	in.ID = ""
	second, err := svc.IngestEvent(ctx, in, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Known || second.PersonID != first.PersonID || second.VisitID == nil || *second.VisitID != *first.VisitID {
		t.Fatalf("second event = %+v, first = %+v", second, first)
	}
	visit := models.Visit{}
	svc.DB.Where("id = ?", *first.VisitID).Take(&visit)
	if visit.Detections != 2 || visit.Day != clock.Now().In(mustZone(t, "Europe/Sofia")).Format("2006-01-02") {
		t.Errorf("visit = %+v", visit)
	}

	// A different face is a different person
	in.Embedding = embedding(-0.7)
	third, err := svc.IngestEvent(ctx, in, nil)
	if err != nil || third.Known || third.PersonID == first.PersonID {
		t.Errorf("third event = %+v, %v", third, err)
	}

	var events []models.DetectionEvent
	svc.DB.Order("detected_at").Find(&events)
	if len(events) != 3 || events[0].ImagePath == "" || events[0].Generation != gen || events[0].RectX2 != 110 {
		t.Fatalf("events = %+v", events)
	}
	if _, err = svc.Storage.Load(events[0].ImagePath, io.Discard); err != nil {
		t.Errorf("stored image: %v", err)
	}
}

func mustZone(t *testing.T, name string) *time.Location {
	zone, err := time.LoadLocation(name)
	if err != nil {
		t.Skip("no tzdata: ", err)
	}
	return zone
}

func TestIngestEventIsFenced(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	cameraID := provision(t, svc, 1)
	holder, a := register(t, svc, "holder", 1)
	other, _ := register(t, svc, "other", 1)

	tests := []struct {
		name       string
		worker     string
		generation int64
		want       error
	}{
		{"old generation", holder.ID, a.Session.Generation - 1, ErrStaleGeneration},
		{"not holder", other.ID, a.Session.Generation, ErrNotLeaseHolder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.IngestEvent(ctx, EventInput{WorkerID: tt.worker, CameraID: cameraID, Generation: tt.generation, Embedding: embedding(0.3)}, []byte{1})
			if err != tt.want {
				t.Errorf("IngestEvent() = %v, want %v", err, tt.want)
			}
		})
	}
	var count int64
	svc.DB.Model(&models.DetectionEvent{}).Count(&count)
	if count != 0 {
		t.Errorf("%d fenced events stored", count)
	}
	if _, err := svc.IngestEvent(ctx, EventInput{WorkerID: holder.ID, CameraID: 404, Generation: 1}, nil); err != ErrUnknownCamera {
		t.Errorf("unknown camera = %v", err)
	}
}

// hookedStorage runs afterSave once the image is written
type hookedStorage struct {
	storage.StorageAPI
	afterSave func()
	saved     []string
}

func (s *hookedStorage) Save(path string, reader io.Reader, mimeType string) (int64, error) {
	n, err := s.StorageAPI.Save(path, reader, mimeType)
	s.saved = append(s.saved, path)
	if s.afterSave != nil {
		s.afterSave()
	}
	return n, err
}

func TestIngestEventLosesLeaseMidway(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	cameraID := provision(t, svc, 1)
	holder, a := register(t, svc, "holder", 1)
	register(t, svc, "other", 1)
	store := &hookedStorage{StorageAPI: svc.Storage}
	svc.Storage = store
	store.afterSave = func() {
		if _, err := svc.StopSignal(ctx, holder.ID, "SIGTERM"); err != nil {
			t.Error(err)
		}
		if _, err := svc.RequestCamera(ctx, "other"); err != nil {
			t.Error(err)
		}
	}

	in := EventInput{WorkerID: holder.ID, CameraID: cameraID, Generation: a.Session.Generation, Embedding: embedding(0.4)}
	if _, err := svc.IngestEvent(ctx, in, []byte{0xff, 0xd8, 0xff, 0xd9}); err != ErrStaleGeneration {
		t.Fatalf("IngestEvent() = %v, want %v", err, ErrStaleGeneration)
	}
	if s := session(t, svc, cameraID); !s.HeldBy("other") {
		t.Fatalf("session = %+v", s)
	}
	var count int64
	svc.DB.Model(&models.DetectionEvent{}).Count(&count)
	if count != 0 {
		t.Errorf("%d events stored after the lease moved", count)
	}
	if len(store.saved) != 1 {
		t.Fatalf("saved = %v", store.saved)
	}
	if _, err := store.Load(store.saved[0], io.Discard); err == nil {
		t.Error("image of a rejected event was kept")
	}
}

func TestBoundingBoxIsClamped(t *testing.T) {
	tests := []struct {
		name string
		bbox [4]int
		want [4]uint16
	}{
		{"inside", [4]int{10, 20, 110, 140}, [4]uint16{10, 20, 110, 140}},
		{"negative", [4]int{-5, -1, 30, 40}, [4]uint16{0, 0, 30, 40}},
		{"oversized", [4]int{100, 200, 70000, 65536}, [4]uint16{100, 200, 65535, 65535}},
		{"upper edge", [4]int{0, 0, 65535, 65535}, [4]uint16{0, 0, 65535, 65535}},
	}
	svc, _ := newTestService(t)
	ctx := context.Background()
	cameraID := provision(t, svc, 1)
	worker, a := register(t, svc, "w", 1)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := EventInput{ID: "bbox-" + tt.name, WorkerID: worker.ID, CameraID: cameraID, Generation: a.Session.Generation, BBox: tt.bbox, Embedding: embedding(0.5)}
			if _, err := svc.IngestEvent(ctx, in, nil); err != nil {
				t.Fatal(err)
			}
			event, err := svc.GetEvent(ctx, in.ID)
			if err != nil {
				t.Fatal(err)
			}
			got := [4]uint16{event.RectX1, event.RectY1, event.RectX2, event.RectY2}
			if got != tt.want {
				t.Errorf("stored bbox = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStaffEventsSkipVisits(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	staff := models.Person{TenantID: 1, Name: "guard", IsStaff: true, Embedding: utils.Float32ArrayToByteArray(embedding(0.2))}
	if err := svc.DB.Create(&staff).Error; err != nil {
		t.Fatal(err)
	}
	cameraID := provision(t, svc, 1)
	worker, a := register(t, svc, "w", 1)

	candidates, err := svc.StaffEmbeddings(ctx, 1)
	if err != nil || len(candidates) != 1 || candidates[0].ID != staff.ID || len(candidates[0].Embedding) != 128 {
		t.Fatalf("StaffEmbeddings() = %+v, %v", candidates, err)
	}
	if other, _ := svc.StaffEmbeddings(ctx, 2); len(other) != 0 {
		t.Errorf("staff leaked across tenants: %+v", other)
	}

	tests := []struct {
		name    string
		staffID *uint64
	}{
		{"worker pre-filter hit", &staff.ID},
		{"coordinator match", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := svc.IngestEvent(ctx, EventInput{WorkerID: worker.ID, CameraID: cameraID, Generation: a.Session.Generation, Embedding: embedding(0.2), StaffMatchID: tt.staffID}, nil)
			if err != nil {
				t.Fatal(err)
			}
			if !r.Known || r.PersonID != staff.ID || r.VisitID != nil {
				t.Errorf("IngestEvent() = %+v", r)
			}
		})
	}
	var visits int64
	svc.DB.Model(&models.Visit{}).Count(&visits)
	if visits != 0 {
		t.Errorf("staff produced %d visits", visits)
	}
}
