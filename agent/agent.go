// Package agent runs one worker: it registers with the coordinator, keeps the
// heartbeat going, runs the camera it is leased and negotiates shutdown.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"camfleet/api"
	"camfleet/capture"
	"camfleet/client"
	"camfleet/delivery"
	"camfleet/devices"
	"camfleet/faces"
	"camfleet/utils"

	"github.com/google/uuid"
)

const (
	cropMargin     = 0.2
	cropSize       = 160
	loopJoinWait   = 2 * time.Second
	defaultStopTry = 3
)

// Coordinator is the part of the coordinator API the agent talks to
type Coordinator interface {
	Register(ctx context.Context, req api.RegisterRequest) (api.RegisterResponse, error)
	Heartbeat(ctx context.Context, req api.HeartbeatRequest) (api.HeartbeatResponse, error)
	RequestCamera(ctx context.Context, workerID string) (api.Assignment, error)
	Release(ctx context.Context, req api.ReleaseRequest) error
	StopSignal(ctx context.Context, req api.StopSignalRequest) (api.StopSignalResponse, error)
	Staff(ctx context.Context) ([]api.StaffEmbedding, error)
}

type Options struct {
	WorkerID     string // Explicit identity, the identity file is not used when set
	IdentityFile string
	TenantID     uint64
	SiteID       uint64
	Hostname     string
	Capabilities api.Capabilities

	HeartbeatInterval    time.Duration
	RequestInterval      time.Duration
	StaffRefreshInterval time.Duration
	RequestTimeout       time.Duration
	RetryBaseDelay       time.Duration

	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	FrameBuffer          int
	FrameRate            int

	ShutdownTimeout    time.Duration
	StopSignalAttempts int
	StopSignalTimeout  time.Duration
}

func (o *Options) defaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.RequestInterval <= 0 {
		o.RequestInterval = 15 * time.Second
	}
	if o.StaffRefreshInterval <= 0 {
		o.StaffRefreshInterval = 5 * time.Minute
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = o.RetryBaseDelay
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 10 * time.Second
	}
	if o.StopSignalAttempts <= 0 {
		o.StopSignalAttempts = defaultStopTry
	}
	if o.StopSignalTimeout <= 0 {
		o.StopSignalTimeout = time.Second
	}
	if o.Capabilities.Slots != 1 {
		if o.Capabilities.Slots > 1 {
			log.Printf("agent runs a single camera, registering 1 slot instead of %d", o.Capabilities.Slots)
		}
		o.Capabilities.Slots = 1
	}
}

// lease is the camera this worker runs and the generation it holds it at
type lease struct {
	camera     api.CameraInfo
	generation int64
	stream     *capture.Stream
}

type Agent struct {
	FSM      *FSM
	Guard    *devices.Guard
	Delivery *delivery.Deliverer
	Staff    *faces.StaffCache
	// Source opens a camera, ffmpeg by default
	Source func(camera api.CameraInfo) capture.OpenFunc

	opts        Options
	coordinator Coordinator
	detector    faces.Detector

	// control serialises camera start and stop
	control sync.Mutex

	mutex     sync.Mutex
	workerID  string
	lease     *lease
	lastError string

	processed         atomic.Uint64
	stopping          atomic.Bool
	shutdownOnce      sync.Once
	requestOnce       sync.Once
	shutdownRequested chan struct{}

	ctx         context.Context
	cancelLoops context.CancelFunc
	loops       sync.WaitGroup
}

func New(coordinator Coordinator, detector faces.Detector, deliverer *delivery.Deliverer, staff *faces.StaffCache, opts Options) *Agent {
	opts.defaults()
	a := &Agent{
		FSM:               NewFSM(),
		Guard:             devices.NewGuard(opts.ShutdownTimeout / 4),
		Delivery:          deliverer,
		Staff:             staff,
		opts:              opts,
		coordinator:       coordinator,
		detector:          detector,
		shutdownRequested: make(chan struct{}),
	}
	a.Source = func(camera api.CameraInfo) capture.OpenFunc {
		return capture.FFmpeg(capture.Source{Camera: camera, FrameRate: opts.FrameRate})
	}
	a.ctx, a.cancelLoops = context.WithCancel(context.Background())
	return a
}

func (a *Agent) WorkerID() string {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.workerID
}

// Current is the camera being run and its lease generation
func (a *Agent) Current() (camera api.CameraInfo, generation int64, ok bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.lease == nil {
		return
	}
	return a.lease.camera, a.lease.generation, true
}

func (a *Agent) loadIdentity() {
	if a.opts.WorkerID != "" {
		a.workerID = a.opts.WorkerID
		return
	}
	if a.opts.IdentityFile == "" {
		return
	}
	id, err := LoadIdentity(a.opts.IdentityFile)
	switch {
	case err != nil:
		log.Printf("cannot read identity file %s: %v", a.opts.IdentityFile, err)
	case id.WorkerID != "" && id.TenantID != a.opts.TenantID:
		log.Printf("identity file %s belongs to tenant %d, registering a new worker", a.opts.IdentityFile, id.TenantID)
	default:
		a.workerID = id.WorkerID
	}
}

// Run registers, runs the background loops and blocks until ctx is done or
// the coordinator asks the worker to stop. The shutdown handshake has run by
// the time it returns.
func (a *Agent) Run(ctx context.Context) error {
	a.loadIdentity()
	assignment, err := a.registerUntilDone(ctx)
	if err != nil {
		a.cancelLoops()
		if stopErr := a.FSM.OnStopped("registration aborted"); stopErr != nil {
			log.Printf("agent: %v", stopErr)
		}
		return err
	}
	a.apply(assignment)

	a.every(a.opts.HeartbeatInterval, a.heartbeat)
	a.every(a.opts.RequestInterval, a.requestCamera)
	a.every(a.opts.StaffRefreshInterval, a.refreshStaff)
	a.loops.Add(1)
	go func() {
		defer a.loops.Done()
		a.Delivery.Run(a.ctx)
	}()

	select {
	case <-ctx.Done():
		a.Shutdown("terminated")
	case <-a.shutdownRequested:
		a.Shutdown("requested by coordinator")
	}
	return nil
}

func (a *Agent) every(interval time.Duration, fn func(ctx context.Context)) {
	a.loops.Add(1)
	go func() {
		defer a.loops.Done()
		fn(a.ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.ctx.Done():
				return
			case <-ticker.C:
				fn(a.ctx)
			}
		}
	}()
}

func (a *Agent) registerUntilDone(ctx context.Context) (api.Assignment, error) {
	delay := a.opts.RetryBaseDelay
	for {
		assignment, err := a.register(ctx)
		if err == nil {
			return assignment, nil
		}
		if client.IsPermanent(err) {
			return assignment, fmt.Errorf("registration rejected: %w", err)
		}
		log.Printf("register failed: %v", err)
		select {
		case <-ctx.Done():
			return assignment, ctx.Err()
		case <-time.After(utils.Jitter(delay)):
			delay = utils.NextBackoff(delay, a.opts.HeartbeatInterval)
		}
	}
}

func (a *Agent) register(ctx context.Context) (api.Assignment, error) {
	previous := a.WorkerID()
	rctx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
	defer cancel()
	resp, err := a.coordinator.Register(rctx, api.RegisterRequest{
		WorkerID:     previous,
		TenantID:     a.opts.TenantID,
		SiteID:       a.opts.SiteID,
		Hostname:     a.opts.Hostname,
		Capabilities: a.opts.Capabilities,
	})
	if err != nil {
		return api.Assignment{}, err
	}
	a.mutex.Lock()
	a.workerID = resp.WorkerID
	a.mutex.Unlock()
	log.Printf("registered as worker %s", resp.WorkerID)

	if a.opts.WorkerID == "" && a.opts.IdentityFile != "" && resp.WorkerID != previous {
		err = SaveIdentity(a.opts.IdentityFile, Identity{
			WorkerID:     resp.WorkerID,
			TenantID:     a.opts.TenantID,
			Hostname:     a.opts.Hostname,
			RegisteredAt: time.Now(),
		})
		if err != nil {
			log.Printf("cannot save identity: %v", err)
		}
	}

	var fsmErr error
	switch a.FSM.State() {
	case StateInit:
		fsmErr = a.FSM.Transition(StateRegistered, "registered as "+resp.WorkerID)
		if fsmErr == nil {
			fsmErr = a.FSM.Transition(StateIdle, "ready")
		}
	case StateReconnecting:
		fsmErr = a.FSM.OnReconnected("registered again as " + resp.WorkerID)
	}
	if fsmErr != nil {
		log.Printf("agent: %v", fsmErr)
	}
	return resp.Assignment, nil
}

func (a *Agent) heartbeat(ctx context.Context) {
	if a.stopping.Load() {
		return
	}
	delta := a.processed.Swap(0)
	a.mutex.Lock()
	req := api.HeartbeatRequest{
		WorkerID:            a.workerID,
		Status:              api.StatusIdle,
		FacesProcessedDelta: delta,
		LastError:           a.lastError,
	}
	if a.lease != nil {
		id := a.lease.camera.ID
		req.CameraID = &id
		req.Generation = a.lease.generation
		req.Status = api.StatusProcessing
	}
	if req.LastError != "" {
		req.Status = api.StatusError
	}
	a.mutex.Unlock()

	rctx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
	resp, err := a.coordinator.Heartbeat(rctx, req)
	cancel()
	if err != nil {
		a.processed.Add(delta)
		if ctx.Err() != nil {
			return
		}
		if client.IsNotFound(err) {
			log.Printf("coordinator does not know worker %s, registering again", req.WorkerID)
			if err := a.FSM.OnConnectionError("unknown to coordinator"); err != nil {
				log.Printf("agent: %v", err)
			}
			assignment, err := a.register(ctx)
			if err != nil {
				log.Printf("register failed: %v", err)
				return
			}
			a.apply(assignment)
			return
		}
		log.Printf("heartbeat failed: %v", err)
		if err := a.FSM.OnConnectionError("heartbeat failed"); err != nil {
			log.Printf("agent: %v", err)
		}
		return
	}

	if req.LastError != "" {
		a.mutex.Lock()
		if a.lastError == req.LastError {
			a.lastError = ""
		}
		a.mutex.Unlock()
	}
	if a.FSM.State() == StateReconnecting {
		if err := a.FSM.OnReconnected("heartbeat acknowledged"); err != nil {
			log.Printf("agent: %v", err)
		}
	}
	if resp.Shutdown {
		a.requestShutdown()
		return
	}
	a.apply(resp.Assignment)
}

func (a *Agent) requestCamera(ctx context.Context) {
	if a.stopping.Load() || a.FSM.State() != StateIdle {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
	defer cancel()
	assignment, err := a.coordinator.RequestCamera(rctx, a.WorkerID())
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("camera request failed: %v", err)
		}
		return
	}
	if assignment.AssignedCameraID != nil {
		a.apply(assignment)
	}
}

func (a *Agent) refreshStaff(ctx context.Context) {
	if a.Staff == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
	defer cancel()
	staff, err := a.coordinator.Staff(rctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("staff refresh failed: %v", err)
		}
		return
	}
	candidates := make([]faces.Candidate, 0, len(staff))
	for _, s := range staff {
		candidates = append(candidates, faces.Candidate{ID: s.PersonID, Embedding: s.Embedding})
	}
	a.Staff.Replace(candidates)
}

func (a *Agent) requestShutdown() {
	a.requestOnce.Do(func() { close(a.shutdownRequested) })
}

// apply makes the running camera match what the coordinator says we hold
func (a *Agent) apply(assignment api.Assignment) {
	a.control.Lock()
	defer a.control.Unlock()
	if a.stopping.Load() {
		return
	}
	a.mutex.Lock()
	current := a.lease
	a.mutex.Unlock()

	switch {
	case assignment.AssignedCameraID == nil:
		if current != nil {
			a.stopCamera("lease revoked")
		}
	case current != nil && current.camera.ID == *assignment.AssignedCameraID:
		if current.generation != assignment.Generation {
			log.Printf("camera %d lease generation %d -> %d", current.camera.ID, current.generation, assignment.Generation)
			a.mutex.Lock()
			current.generation = assignment.Generation
			a.mutex.Unlock()
		}
	default:
		if current != nil {
			a.stopCamera(fmt.Sprintf("lease moved to camera %d", *assignment.AssignedCameraID))
		}
		if assignment.Camera == nil {
			log.Printf("assignment of camera %d has no connection details", *assignment.AssignedCameraID)
			return
		}
		a.startCamera(*assignment.Camera, assignment.Generation)
	}
}

// startCamera must be called with control held
func (a *Agent) startCamera(camera api.CameraInfo, generation int64) {
	var stream *capture.Stream
	err := a.FSM.OnStartCamera(camera.ID, fmt.Sprintf("leased at generation %d", generation), func() error {
		return a.Guard.StartStream(camera.ID, camera.DeviceIndex, func() (devices.Stream, error) {
			stream = capture.Start(context.Background(), a.Source(camera), capture.Options{
				MaxReconnectAttempts: a.opts.MaxReconnectAttempts,
				BaseDelay:            a.opts.ReconnectDelay,
				MaxDelay:             a.opts.HeartbeatInterval,
				FrameBuffer:          a.opts.FrameBuffer,
				OnReconnecting: func(attempt int, err error) {
					log.Printf("camera %d reconnecting (%d/%d): %v", camera.ID, attempt, a.opts.MaxReconnectAttempts, err)
				},
				OnReconnected: func() {
					log.Printf("camera %d reconnected", camera.ID)
				},
			})
			return stream, nil
		})
	})
	if err != nil {
		log.Printf("cannot start camera %d: %v", camera.ID, err)
		if errors.Is(err, devices.ErrDeviceBusy) {
			go a.release(camera.ID, generation, "device busy")
		}
		return
	}
	l := &lease{camera: camera, generation: generation, stream: stream}
	a.mutex.Lock()
	a.lease = l
	a.mutex.Unlock()
	log.Printf("running camera %d at generation %d", camera.ID, generation)
	go a.process(l)
	go a.watch(l)
}

// stopCamera must be called with control held
func (a *Agent) stopCamera(reason string) {
	a.mutex.Lock()
	current := a.lease
	a.lease = nil
	a.mutex.Unlock()
	if current == nil {
		return
	}
	a.Guard.StopStream(current.camera.ID)
	if err := a.FSM.OnStopCamera(reason); err != nil {
		log.Printf("agent: %v", err)
	}
	log.Printf("stopped camera %d: %s", current.camera.ID, reason)
}

func (a *Agent) release(cameraID uint64, generation int64, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.RequestTimeout)
	defer cancel()
	err := a.coordinator.Release(ctx, api.ReleaseRequest{
		WorkerID:   a.WorkerID(),
		CameraID:   cameraID,
		Generation: generation,
		Reason:     reason,
	})
	switch {
	case err == nil:
		log.Printf("released camera %d: %s", cameraID, reason)
	case client.IsConflict(err):
		log.Printf("release of camera %d was fenced: %v", cameraID, err)
	default:
		log.Printf("release of camera %d failed: %v", cameraID, err)
	}
}

// watch gives the camera up once its capture fails for good
func (a *Agent) watch(l *lease) {
	<-l.stream.Done()
	err := l.stream.Err()
	if err == nil {
		return
	}
	a.control.Lock()
	a.mutex.Lock()
	current := a.lease
	generation := l.generation
	if current == l {
		a.lastError = fmt.Sprintf("camera %d: %v", l.camera.ID, err)
	}
	a.mutex.Unlock()
	if current != l {
		a.control.Unlock()
		return
	}
	log.Printf("camera %d failed: %v", l.camera.ID, err)
	a.stopCamera("capture failed")
	a.control.Unlock()
	a.release(l.camera.ID, generation, "capture failed: "+err.Error())
}

// process feeds frames to the detector and reports every face found
func (a *Agent) process(l *lease) {
	for frame := range l.stream.Frames() {
		if a.stopping.Load() {
			continue
		}
		detections, err := a.detector.Detect(frame)
		if err != nil {
			log.Printf("detection on camera %d failed: %v", l.camera.ID, err)
			continue
		}
		for _, d := range detections {
			a.report(l, frame, d)
		}
	}
}

func (a *Agent) report(l *lease, frame []byte, d faces.Detection) {
	a.mutex.Lock()
	if a.lease != l {
		a.mutex.Unlock()
		return
	}
	event := api.Event{
		ID:         uuid.NewString(),
		WorkerID:   a.workerID,
		CameraID:   l.camera.ID,
		Generation: l.generation,
		DetectedAt: time.Now().UnixMilli(),
		Confidence: d.Confidence,
		BBox:       [4]int{d.Rect.Min.X, d.Rect.Min.Y, d.Rect.Max.X, d.Rect.Max.Y},
		Embedding:  d.Embedding,
	}
	a.mutex.Unlock()
	a.processed.Add(1)

	for _, p := range d.Landmarks {
		event.Landmarks = append(event.Landmarks, [2]int{p.X, p.Y})
	}
	if a.Staff != nil {
		if staff, similarity, ok := a.Staff.Match(d.Embedding); ok {
			event.StaffMatch = &api.StaffMatch{PersonID: staff.ID, Similarity: similarity}
		}
	}
	var image []byte
	if crop, err := utils.CropFace(frame, d.Rect, cropMargin, cropSize); err == nil {
		image = crop.JPEG
	} else {
		log.Printf("cannot crop face on camera %d: %v", l.camera.ID, err)
	}

	_, err := a.Delivery.Deliver(a.ctx, event, image)
	switch {
	case err == nil:
	case errors.Is(err, delivery.ErrQueued):
		log.Printf("event %s: %v", event.ID, err)
	default:
		log.Printf("event %s rejected: %v", event.ID, err)
	}
}

// Shutdown runs the stop handshake once. Every step is bounded and failures
// are only logged so the process can always exit afterwards.
func (a *Agent) Shutdown(reason string) {
	a.shutdownOnce.Do(func() { a.shutdown(reason) })
}

func (a *Agent) shutdown(reason string) {
	start := time.Now()
	deadline := start.Add(a.opts.ShutdownTimeout)
	a.stopping.Store(true)
	log.Printf("shutting down: %s", reason)

	a.sendStopSignal(reason, deadline)

	a.control.Lock()
	a.mutex.Lock()
	a.lease = nil
	a.mutex.Unlock()
	if err := a.FSM.OnDrain(reason, a.Guard.CleanupAll); err != nil {
		log.Printf("agent: %v", err)
	}
	a.Guard.CleanupAll()
	a.control.Unlock()

	a.cancelLoops()
	wait := time.Until(deadline)
	if wait > loopJoinWait {
		wait = loopJoinWait
	}
	done := make(chan struct{})
	go func() {
		a.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(wait):
		log.Printf("background loops did not stop within %v", wait)
	}
	if err := a.FSM.OnStopped(reason); err != nil {
		log.Printf("agent: %v", err)
	}
	log.Printf("shutdown finished in %v", time.Since(start).Round(time.Millisecond))
}

func (a *Agent) sendStopSignal(reason string, deadline time.Time) {
	workerID := a.WorkerID()
	if workerID == "" {
		return
	}
	for attempt := 1; attempt <= a.opts.StopSignalAttempts; attempt++ {
		if time.Until(deadline) <= 0 {
			log.Printf("no time left for the stop signal")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), a.opts.StopSignalTimeout)
		resp, err := a.coordinator.StopSignal(ctx, api.StopSignalRequest{WorkerID: workerID, Reason: reason})
		cancel()
		if err == nil {
			if resp.CameraReleased && resp.ReleasedCameraID != nil {
				log.Printf("stop signal acknowledged, camera %d released", *resp.ReleasedCameraID)
			} else {
				log.Printf("stop signal acknowledged")
			}
			return
		}
		log.Printf("stop signal attempt %d/%d failed: %v", attempt, a.opts.StopSignalAttempts, err)
		if client.IsPermanent(err) {
			return
		}
	}
}
