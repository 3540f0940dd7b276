// Package devices makes sure a local capture device is only ever opened for
// one camera at a time.
package devices

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"
)

var ErrDeviceBusy = errors.New("capture device held by another camera")

// Stream is a running capture
type Stream interface {
	Stop()
	Done() <-chan struct{}
}

// OpenFunc starts the capture once the device lock is held
type OpenFunc func() (Stream, error)

type DeviceLock struct {
	Device   int    `json:"device"`
	CameraID uint64 `json:"camera_id"`
}

type Duplicate struct {
	CameraID uint64 `json:"camera_id"`
	Devices  []int  `json:"devices"`
}

// Report is the result of Diagnose. Nothing is repaired.
type Report struct {
	OrphanedLocks []DeviceLock `json:"orphaned_locks"`
	Duplicates    []Duplicate  `json:"duplicates"`
	Streams       int          `json:"streams"`
}

func (r *Report) Healthy() bool {
	return len(r.OrphanedLocks) == 0 && len(r.Duplicates) == 0
}

type Guard struct {
	// JoinTimeout bounds how long stopping a stream waits for it to finish
	JoinTimeout time.Duration

	mutex   sync.Mutex
	devices map[int]uint64
	streams map[uint64]Stream
}

func NewGuard(joinTimeout time.Duration) *Guard {
	return &Guard{
		JoinTimeout: joinTimeout,
		devices:     map[int]uint64{},
		streams:     map[uint64]Stream{},
	}
}

// StartStream starts a capture for cameraID. When device is set it must be
// free or already held by the same camera, in which case the old stream is
// stopped first. Any other device the camera held is released. A busy device
// is rejected without any state change. The mutex only covers the maps,
// opening and joining streams happens outside it.
func (g *Guard) StartStream(cameraID uint64, device *int, open OpenFunc) error {
	g.mutex.Lock()
	if device != nil {
		if holder, ok := g.devices[*device]; ok && holder != cameraID {
			g.mutex.Unlock()
			return ErrDeviceBusy
		}
		g.devices[*device] = cameraID
	}
	g.releaseOthers(cameraID, device)
	old, restart := g.streams[cameraID]
	delete(g.streams, cameraID)
	g.mutex.Unlock()

	if restart {
		g.join(cameraID, old)
	}
	stream, err := open()

	g.mutex.Lock()
	defer g.mutex.Unlock()
	if err != nil {
		if device != nil && g.devices[*device] == cameraID {
			delete(g.devices, *device)
		}
		return err
	}
	if device != nil {
		if holder, ok := g.devices[*device]; ok && holder != cameraID {
			// Stopped and taken over while opening
			go g.join(cameraID, stream)
			return ErrDeviceBusy
		}
		g.devices[*device] = cameraID
	}
	g.releaseOthers(cameraID, device)
	if other, ok := g.streams[cameraID]; ok {
		go g.join(cameraID, other)
	}
	g.streams[cameraID] = stream
	return nil
}

// releaseOthers drops every lock of cameraID except keep. Callers hold the mutex.
func (g *Guard) releaseOthers(cameraID uint64, keep *int) {
	for device, holder := range g.devices {
		if holder == cameraID && (keep == nil || device != *keep) {
			delete(g.devices, device)
		}
	}
}

// StopStream stops the camera's capture and releases its device locks
func (g *Guard) StopStream(cameraID uint64) {
	g.mutex.Lock()
	g.releaseOthers(cameraID, nil)
	stream, ok := g.streams[cameraID]
	delete(g.streams, cameraID)
	g.mutex.Unlock()
	if ok {
		g.join(cameraID, stream)
	}
}

// CleanupAll stops every stream and clears every lock
func (g *Guard) CleanupAll() {
	g.mutex.Lock()
	streams := g.streams
	g.streams = map[uint64]Stream{}
	g.devices = map[int]uint64{}
	g.mutex.Unlock()

	var wg sync.WaitGroup
	for id, s := range streams {
		wg.Add(1)
		go func(id uint64, s Stream) {
			defer wg.Done()
			g.join(id, s)
		}(id, s)
	}
	wg.Wait()
}

func (g *Guard) join(cameraID uint64, s Stream) {
	s.Stop()
	select {
	case <-s.Done():
	case <-time.After(g.JoinTimeout):
		log.Printf("capture for camera %d did not stop within %v", cameraID, g.JoinTimeout)
	}
}

// Active lists cameras with a running stream
func (g *Guard) Active() []uint64 {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	ids := make([]uint64, 0, len(g.streams))
	for id, s := range g.streams {
		if !finished(s) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func finished(s Stream) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

// Diagnose finds locks without a live stream and cameras holding several devices
func (g *Guard) Diagnose() Report {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	report := Report{Streams: len(g.streams)}
	byCamera := map[uint64][]int{}
	for device, cameraID := range g.devices {
		byCamera[cameraID] = append(byCamera[cameraID], device)
		if s, ok := g.streams[cameraID]; !ok || finished(s) {
			report.OrphanedLocks = append(report.OrphanedLocks, DeviceLock{Device: device, CameraID: cameraID})
		}
	}
	for cameraID, devices := range byCamera {
		if len(devices) > 1 {
			sort.Ints(devices)
			report.Duplicates = append(report.Duplicates, Duplicate{CameraID: cameraID, Devices: devices})
		}
	}
	sort.Slice(report.OrphanedLocks, func(i, j int) bool { return report.OrphanedLocks[i].Device < report.OrphanedLocks[j].Device })
	sort.Slice(report.Duplicates, func(i, j int) bool { return report.Duplicates[i].CameraID < report.Duplicates[j].CameraID })
	return report
}
