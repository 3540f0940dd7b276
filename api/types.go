// Package api holds the JSON bodies exchanged between workers and the coordinator.
package api

type Capabilities struct {
	DetectorType string `json:"detector_type"`
	EmbedderType string `json:"embedder_type"`
	FrameRate    int    `json:"frame_rate"`
	Slots        int    `json:"slots"`
	CPU          int    `json:"cpu"`
	GPU          int    `json:"gpu"`
	MemMB        int    `json:"mem_mb"`
}

// CameraInfo is what a worker needs to open an assigned camera
type CameraInfo struct {
	ID          uint64 `json:"id"`
	Type        string `json:"type"`
	RTSPURL     string `json:"rtsp_url,omitempty"`
	DeviceIndex *int   `json:"device_index,omitempty"`
}

// Assignment is the lease a worker currently holds, as seen by the coordinator.
// AssignedCameraID is nil when nothing is held.
type Assignment struct {
	AssignedCameraID *uint64     `json:"assigned_camera_id"`
	Generation       int64       `json:"generation"`
	Camera           *CameraInfo `json:"camera,omitempty"`
}

// LoginRequest starts a session. Operators may leave TenantID empty to manage every tenant.
type LoginRequest struct {
	TenantID uint64 `json:"tenant_id"`
	APIKey   string `json:"api_key" binding:"required"`
}

type RegisterRequest struct {
	WorkerID     string       `json:"worker_id"` // Previously issued identity, optional
	TenantID     uint64       `json:"tenant_id" binding:"required"`
	SiteID       uint64       `json:"site_id" binding:"required"`
	Hostname     string       `json:"hostname" binding:"required"`
	Capabilities Capabilities `json:"capabilities"`
}

type RegisterResponse struct {
	WorkerID string `json:"worker_id"`
	Assignment
}

// Worker statuses reported in heartbeats
const (
	StatusIdle       = "idle"
	StatusProcessing = "processing"
	StatusError      = "error"
)

type HeartbeatRequest struct {
	WorkerID            string        `json:"worker_id" binding:"required"`
	Status              string        `json:"status" binding:"required"`
	FacesProcessedDelta uint64        `json:"faces_processed_delta"`
	Capabilities        *Capabilities `json:"capabilities,omitempty"`
	CameraID            *uint64       `json:"camera_id,omitempty"` // What the worker believes it holds
	Generation          int64         `json:"generation"`
	LastError           string        `json:"last_error,omitempty"`
}

type HeartbeatResponse struct {
	Assignment
	Shutdown bool `json:"shutdown"`
}

type WorkerRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
}

type ReleaseRequest struct {
	WorkerID   string `json:"worker_id" binding:"required"`
	CameraID   uint64 `json:"camera_id" binding:"required"`
	Generation int64  `json:"generation"`
	Reason     string `json:"reason"`
}

type StopSignalRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
	Reason   string `json:"reason"`
}

type StopSignalResponse struct {
	BackendCleanupCompleted bool    `json:"backend_cleanup_completed"`
	CameraReleased          bool    `json:"camera_released"`
	ReleasedCameraID        *uint64 `json:"released_camera_id,omitempty"`
}

const (
	MatchNew   = "new"
	MatchKnown = "known"
)

// Event is the metadata part of the multipart events upload, the image goes in the "image" part
type Event struct {
	ID         string      `json:"id"`
	WorkerID   string      `json:"worker_id"`
	CameraID   uint64      `json:"camera_id"`
	Generation int64       `json:"generation"`
	DetectedAt int64       `json:"detected_at"` // UNIX milliseconds
	Confidence float32     `json:"confidence"`
	BBox       [4]int      `json:"bbox"` // x1, y1, x2, y2
	Landmarks  [][2]int    `json:"landmarks,omitempty"`
	Embedding  []float32   `json:"embedding"`
	StaffMatch *StaffMatch `json:"staff_match,omitempty"`
}

type StaffMatch struct {
	PersonID   uint64  `json:"person_id"`
	Similarity float64 `json:"similarity"`
}

type EventResponse struct {
	Match    string  `json:"match"`
	PersonID uint64  `json:"person_id"`
	VisitID  *uint64 `json:"visit_id,omitempty"`
}

type StaffEmbedding struct {
	PersonID  uint64    `json:"person_id"`
	Embedding []float32 `json:"embedding"`
}
