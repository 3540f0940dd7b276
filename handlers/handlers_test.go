package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"camfleet/api"
	"camfleet/config"
	"camfleet/coordinator"
	"camfleet/db"
	"camfleet/models"
	"camfleet/storage"

	"github.com/gin-contrib/sessions"
	gormsessions "github.com/gin-contrib/sessions/gorm"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type testServer struct {
	*httptest.Server
	handlers *Handlers
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	config.WORKER_API_KEY, config.OPERATOR_API_KEY = "worker-key", "operator-key"
	t.Cleanup(func() { config.WORKER_API_KEY, config.OPERATOR_API_KEY = "", "" })

	name := strings.ReplaceAll(t.Name(), "/", "_")
	database, err := db.Open("", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, _ := database.DB()
	t.Cleanup(func() { sqlDB.Close() })
	if err = models.Migrate(database); err != nil {
		t.Fatal(err)
	}
	store, _ := storage.New(&storage.Bucket{StorageType: storage.StorageTypeFile, Path: t.TempDir()})
	svc := coordinator.New(database, coordinator.Options{LeaseTTL: time.Minute, StaleAfter: time.Minute, PauseCooldown: time.Minute, MatchThreshold: 0.9, Storage: store})

	router := gin.New()
	router.Use(sessions.Sessions("token", gormsessions.NewStore(database, true, []byte("test key"))))
	h := New(svc)
	h.Register(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &testServer{Server: server, handlers: h}
}

func (s *testServer) login(t *testing.T, tenant uint64, key string) *http.Client {
	t.Helper()
	jar, _ := cookiejar.New(nil)
	client := &http.Client{Jar: jar}
	if code := call(t, client, s.URL+"/auth/login", api.LoginRequest{TenantID: tenant, APIKey: key}, nil); code != http.StatusOK {
		t.Fatalf("login = %d", code)
	}
	return client
}

func call(t *testing.T, client *http.Client, url string, body, out interface{}) int {
	t.Helper()
	var (
		resp *http.Response
		err  error
	)
	if body == nil {
		resp, err = client.Get(url)
	} else {
		data, _ := json.Marshal(body)
		resp, err = client.Post(url, "application/json", bytes.NewReader(data))
	}
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func (s *testServer) provision(t *testing.T, operator *http.Client) uint64 {
	t.Helper()
	session := models.CameraSession{}
	code := call(t, operator, s.URL+"/operator/camera/provision", CameraProvisionRequest{TenantID: 1, SiteID: 1, Type: "rtsp", RTSPURL: "rtsp://cam/1"}, &session)
	if code != http.StatusOK || session.State != models.LeasePending {
		t.Fatalf("provision = %d, %+v", code, session)
	}
	return session.CameraID
}

func TestAccessControl(t *testing.T) {
	s := newTestServer(t)
	anonymous := &http.Client{}
	worker := s.login(t, 1, "worker-key")

	tests := []struct {
		name   string
		client *http.Client
		path   string
		want   int
	}{
		{"anonymous worker route", anonymous, "/worker/staff", http.StatusUnauthorized},
		{"anonymous operator route", anonymous, "/operator/workers", http.StatusUnauthorized},
		{"worker on operator route", worker, "/operator/workers", http.StatusForbidden},
		{"worker route", worker, "/worker/staff", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := call(t, tt.client, s.URL+tt.path, nil, nil); code != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, code, tt.want)
			}
		})
	}
	if code := call(t, anonymous, s.URL+"/auth/login", api.LoginRequest{TenantID: 1, APIKey: "nope"}, nil); code != http.StatusUnauthorized {
		t.Errorf("bad key login = %d", code)
	}
}

func TestWorkerLifecycle(t *testing.T) {
	s := newTestServer(t)
	operator := s.login(t, 0, "operator-key")
	worker := s.login(t, 1, "worker-key")
	cameraID := s.provision(t, operator)

	registered := api.RegisterResponse{}
	code := call(t, worker, s.URL+"/worker/register", api.RegisterRequest{TenantID: 1, SiteID: 1, Hostname: "edge-1", Capabilities: api.Capabilities{Slots: 1}}, &registered)
	if code != http.StatusOK || registered.WorkerID == "" || registered.AssignedCameraID == nil || *registered.AssignedCameraID != cameraID {
		t.Fatalf("register = %d, %+v", code, registered)
	}
	if registered.Camera == nil || registered.Camera.RTSPURL != "rtsp://cam/1" || registered.Generation != 1 {
		t.Fatalf("register camera = %+v", registered.Camera)
	}

	beat := api.HeartbeatResponse{}
	code = call(t, worker, s.URL+"/worker/heartbeat", api.HeartbeatRequest{WorkerID: registered.WorkerID, Status: "processing", CameraID: &cameraID, Generation: 1}, &beat)
	if code != http.StatusOK || beat.AssignedCameraID == nil || beat.Shutdown {
		t.Fatalf("heartbeat = %d, %+v", code, beat)
	}
	// A stale claim is answered with the current lease
	code = call(t, worker, s.URL+"/worker/heartbeat", api.HeartbeatRequest{WorkerID: registered.WorkerID, Status: "processing", CameraID: &cameraID, Generation: 0}, &beat)
	if code != http.StatusOK || beat.AssignedCameraID == nil || *beat.AssignedCameraID != cameraID || beat.Generation != 1 {
		t.Fatalf("stale heartbeat = %d, %+v", code, beat)
	}
	if code = call(t, worker, s.URL+"/worker/heartbeat", api.HeartbeatRequest{WorkerID: registered.WorkerID, Status: "sleeping"}, nil); code != http.StatusBadRequest {
		t.Errorf("invalid status heartbeat = %d", code)
	}
	if code = call(t, worker, s.URL+"/worker/heartbeat", api.HeartbeatRequest{WorkerID: "forgotten", Status: "idle"}, nil); code != http.StatusNotFound {
		t.Errorf("unknown worker heartbeat = %d", code)
	}

	if code = call(t, worker, s.URL+"/worker/release", api.ReleaseRequest{WorkerID: registered.WorkerID, CameraID: cameraID, Generation: 0}, nil); code != http.StatusConflict {
		t.Errorf("stale release = %d", code)
	}

	if code = call(t, operator, s.URL+"/operator/worker/shutdown", OperatorWorkerRequest{WorkerID: registered.WorkerID}, nil); code != http.StatusOK {
		t.Fatalf("shutdown request = %d", code)
	}
	call(t, worker, s.URL+"/worker/heartbeat", api.HeartbeatRequest{WorkerID: registered.WorkerID, Status: "processing"}, &beat)
	if !beat.Shutdown {
		t.Error("shutdown not in heartbeat reply")
	}

	stopped := api.StopSignalResponse{}
	code = call(t, worker, s.URL+"/worker/stop-signal", api.StopSignalRequest{WorkerID: registered.WorkerID, Reason: "SIGTERM"}, &stopped)
	if code != http.StatusOK || !stopped.BackendCleanupCompleted || !stopped.CameraReleased || *stopped.ReleasedCameraID != cameraID {
		t.Fatalf("stop-signal = %d, %+v", code, stopped)
	}
	var sessionList []models.CameraSession
	call(t, operator, s.URL+"/operator/sessions?state=PENDING", nil, &sessionList)
	if len(sessionList) != 1 || sessionList[0].Generation != 2 {
		t.Errorf("sessions = %+v", sessionList)
	}
}

func TestOtherTenantIsRejected(t *testing.T) {
	s := newTestServer(t)
	mine := s.login(t, 1, "worker-key")
	theirs := s.login(t, 2, "worker-key")
	registered := api.RegisterResponse{}
	call(t, mine, s.URL+"/worker/register", api.RegisterRequest{TenantID: 1, SiteID: 1, Hostname: "edge"}, &registered)

	if code := call(t, theirs, s.URL+"/worker/heartbeat", api.HeartbeatRequest{WorkerID: registered.WorkerID, Status: "idle"}, nil); code != http.StatusForbidden {
		t.Errorf("cross-tenant heartbeat = %d", code)
	}
	if code := call(t, theirs, s.URL+"/worker/register", api.RegisterRequest{TenantID: 1, SiteID: 1, Hostname: "edge"}, nil); code != http.StatusForbidden {
		t.Errorf("cross-tenant register = %d", code)
	}
}

func TestOperatorCameraActions(t *testing.T) {
	s := newTestServer(t)
	operator := s.login(t, 0, "operator-key")
	cameraID := s.provision(t, operator)

	tests := []struct {
		path string
		body interface{}
		want int
	}{
		{"/operator/camera/provision", CameraProvisionRequest{TenantID: 1, SiteID: 1, Type: "rtsp"}, http.StatusBadRequest},
		{"/operator/camera/provision", CameraProvisionRequest{TenantID: 1, SiteID: 1, Type: "webcam"}, http.StatusBadRequest},
		{"/operator/camera/provision", CameraProvisionRequest{TenantID: 1, SiteID: 1, Type: "vhs"}, http.StatusBadRequest},
		{"/operator/camera/pause", CameraRequest{CameraID: cameraID}, http.StatusConflict},
		{"/operator/camera/resume", CameraRequest{CameraID: 999}, http.StatusNotFound},
		{"/operator/camera/deactivate", CameraRequest{CameraID: cameraID}, http.StatusOK},
		{"/operator/camera/deactivate", CameraRequest{CameraID: cameraID}, http.StatusConflict},
		{"/operator/worker/remove", OperatorWorkerRequest{WorkerID: "ghost"}, http.StatusNotFound},
		{"/operator/cleanup", struct{}{}, http.StatusOK},
	}
	for _, tt := range tests {
		if code := call(t, operator, s.URL+tt.path, tt.body, nil); code != tt.want {
			t.Errorf("POST %s %+v = %d, want %d", tt.path, tt.body, code, tt.want)
		}
	}
}

func TestEventUpload(t *testing.T) {
	s := newTestServer(t)
	operator := s.login(t, 0, "operator-key")
	worker := s.login(t, 1, "worker-key")
	cameraID := s.provision(t, operator)
	registered := api.RegisterResponse{}
	call(t, worker, s.URL+"/worker/register", api.RegisterRequest{TenantID: 1, SiteID: 1, Hostname: "edge"}, &registered)

	upload := func(generation int64) (int, api.EventResponse) {
		embedding := make([]float32, 128)
		embedding[3] = 1
		meta, _ := json.Marshal(api.Event{WorkerID: registered.WorkerID, CameraID: cameraID, Generation: generation, DetectedAt: time.Now().UnixMilli(), Embedding: embedding})
		body := &bytes.Buffer{}
		form := multipart.NewWriter(body)
		form.WriteField("event", string(meta))
		part, _ := form.CreateFormFile("image", "face.jpg")
		part.Write([]byte{0xff, 0xd8, 0xff, 0xd9})
		form.Close()
		resp, err := worker.Post(s.URL+"/worker/events", form.FormDataContentType(), body)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		result := api.EventResponse{}
		json.NewDecoder(resp.Body).Decode(&result)
		return resp.StatusCode, result
	}

	code, first := upload(1)
	if code != http.StatusOK || first.Match != api.MatchNew || first.VisitID == nil {
		t.Fatalf("first upload = %d, %+v", code, first)
	}
	code, second := upload(1)
	if code != http.StatusOK || second.Match != api.MatchKnown || second.PersonID != first.PersonID {
		t.Fatalf("second upload = %d, %+v", code, second)
	}
	if code, _ = upload(7); code != http.StatusConflict {
		t.Errorf("fenced upload = %d", code)
	}
	resp, _ := worker.Post(s.URL+"/worker/events", "application/x-www-form-urlencoded", strings.NewReader("event=garbage"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("garbage event = %d", resp.StatusCode)
	}

	var events []models.DetectionEvent
	if code = call(t, operator, fmt.Sprintf("%s/operator/events?camera=%d", s.URL, cameraID), nil, &events); code != http.StatusOK || len(events) != 2 {
		t.Fatalf("event list = %d, %d events", code, len(events))
	}
	resp, err := operator.Get(s.URL + "/operator/event/image?id=" + events[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	image, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(image) != 4 {
		t.Errorf("event image = %d, %d bytes", resp.StatusCode, len(image))
	}
	if code = call(t, operator, s.URL+"/operator/event/image?id=missing", nil, nil); code != http.StatusNotFound {
		t.Errorf("missing event image = %d", code)
	}
}

func TestFeedReceivesTransitions(t *testing.T) {
	s := newTestServer(t)
	operator := s.login(t, 0, "operator-key")

	dialer := websocket.Dialer{Jar: operator.Jar}
	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+"/operator/feed", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	for i := 0; s.handlers.Feed.Count() == 0; i++ {
		if i > 100 {
			t.Fatal("feed client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	worker := s.login(t, 1, "worker-key")
	cameraID := s.provision(t, operator)
	call(t, worker, s.URL+"/worker/register", api.RegisterRequest{TenantID: 1, SiteID: 1, Hostname: "edge"}, nil)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	transition := coordinator.Transition{}
	if err = json.Unmarshal(message, &transition); err != nil {
		t.Fatal(err)
	}
	if transition.CameraID != cameraID || transition.To != models.LeaseActive || transition.Generation != 1 {
		t.Errorf("transition = %+v", transition)
	}
}
