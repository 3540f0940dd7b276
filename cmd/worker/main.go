package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"camfleet/agent"
	"camfleet/api"
	"camfleet/client"
	"camfleet/config"
	"camfleet/delivery"
	"camfleet/faces"
	"camfleet/faces/dlib"

	"golang.org/x/sys/unix"
)

func main() {
	hostname := config.HOSTNAME
	if hostname == "" {
		var err error
		if hostname, err = os.Hostname(); err != nil {
			log.Fatalf("Cannot determine hostname: %v", err)
		}
	}
	recognizer, err := dlib.New(config.FACE_MODELS_DIR, config.FACE_DETECT_CNN)
	if err != nil {
		log.Fatalf("Failed to load face models from %s: %v", config.FACE_MODELS_DIR, err)
	}
	defer recognizer.Close()

	coordinator := client.New(config.COORDINATOR_URL, uint64(config.TENANT_ID), config.WORKER_API_KEY, config.REQUEST_TIMEOUT)
	deliverer := delivery.New(coordinator, delivery.Options{
		MaxAPIRetries:   config.MAX_API_RETRIES,
		BaseDelay:       config.RETRY_BASE_DELAY,
		MaxDelay:        config.RETRY_INTERVAL,
		RetryInterval:   config.RETRY_INTERVAL,
		MaxQueueRetries: config.MAX_QUEUE_RETRIES,
	})
	worker := agent.New(coordinator, recognizer, deliverer, &faces.StaffCache{Threshold: config.STAFF_THRESHOLD}, agent.Options{
		WorkerID:     config.WORKER_ID,
		IdentityFile: config.WORKER_IDENTITY_FILE,
		TenantID:     uint64(config.TENANT_ID),
		SiteID:       uint64(config.SITE_ID),
		Hostname:     hostname,
		Capabilities: api.Capabilities{
			DetectorType: config.DETECTOR_TYPE,
			EmbedderType: config.EMBEDDER_TYPE,
			FrameRate:    config.FRAME_RATE,
			Slots:        config.CAPACITY_SLOTS,
			CPU:          config.CAPACITY_CPU,
			GPU:          config.CAPACITY_GPU,
			MemMB:        config.CAPACITY_MEM_MB,
		},
		HeartbeatInterval:    config.HEARTBEAT_INTERVAL,
		RequestInterval:      config.REQUEST_CAMERA_INTERVAL,
		StaffRefreshInterval: config.STAFF_REFRESH_INTERVAL,
		RequestTimeout:       config.REQUEST_TIMEOUT,
		RetryBaseDelay:       config.RETRY_BASE_DELAY,
		MaxReconnectAttempts: config.MAX_RECONNECT_ATTEMPTS,
		FrameBuffer:          config.FRAME_BUFFER,
		FrameRate:            config.FRAME_RATE,
		ShutdownTimeout:      config.SHUTDOWN_TIMEOUT,
	})

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGTERM, unix.SIGINT)
	defer stop()
	if err = worker.Run(ctx); err != nil {
		log.Fatalf("Worker stopped: %v", err)
	}
	stats := deliverer.Stats()
	log.Printf("Worker stopped, %d events delivered, %d dropped, %d still queued", stats.Delivered, stats.Dropped, stats.Queued)
}
