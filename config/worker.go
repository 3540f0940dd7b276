package config

import "time"

// Worker settings
var (
	COORDINATOR_URL         = "http://127.0.0.1:8080"
	WORKER_ID               = "" // Explicit identity, overrides the identity file
	WORKER_IDENTITY_FILE    = "./worker-identity.yaml"
	TENANT_ID               = 1
	SITE_ID                 = 1
	HOSTNAME                = "" // Defaults to os.Hostname()
	CAPACITY_SLOTS          = 1
	CAPACITY_CPU            = 0
	CAPACITY_GPU            = 0
	CAPACITY_MEM_MB         = 0
	DETECTOR_TYPE           = "dlib-hog"
	EMBEDDER_TYPE           = "dlib-resnet"
	FRAME_RATE              = 5
	REQUEST_CAMERA_INTERVAL = 15 * time.Second
	REQUEST_TIMEOUT         = 10 * time.Second
	MAX_API_RETRIES         = 3
	RETRY_BASE_DELAY        = 1 * time.Second
	RETRY_INTERVAL          = 30 * time.Second
	MAX_QUEUE_RETRIES       = 5
	STAFF_THRESHOLD         = 0.78
	STAFF_REFRESH_INTERVAL  = 5 * time.Minute
	FACE_MODELS_DIR         = "./models"
	FACE_DETECT_CNN         = false // Use CNN detection instead of HOG. Much slower
	MAX_RECONNECT_ATTEMPTS  = 5
	FRAME_BUFFER            = 4
	SHUTDOWN_TIMEOUT        = 10 * time.Second
)

func readWorkerEnv() {
	readEnvString("COORDINATOR_URL", &COORDINATOR_URL)
	readEnvString("WORKER_ID", &WORKER_ID)
	readEnvString("WORKER_IDENTITY_FILE", &WORKER_IDENTITY_FILE)
	readEnvInt("TENANT_ID", &TENANT_ID)
	readEnvInt("SITE_ID", &SITE_ID)
	readEnvString("WORKER_HOSTNAME", &HOSTNAME)
	readEnvInt("CAPACITY_SLOTS", &CAPACITY_SLOTS)
	readEnvInt("CAPACITY_CPU", &CAPACITY_CPU)
	readEnvInt("CAPACITY_GPU", &CAPACITY_GPU)
	readEnvInt("CAPACITY_MEM_MB", &CAPACITY_MEM_MB)
	readEnvString("DETECTOR_TYPE", &DETECTOR_TYPE)
	readEnvString("EMBEDDER_TYPE", &EMBEDDER_TYPE)
	readEnvInt("FRAME_RATE", &FRAME_RATE)
	readEnvDuration("REQUEST_CAMERA_INTERVAL", &REQUEST_CAMERA_INTERVAL)
	readEnvDuration("REQUEST_TIMEOUT", &REQUEST_TIMEOUT)
	readEnvInt("MAX_API_RETRIES", &MAX_API_RETRIES)
	readEnvDuration("RETRY_BASE_DELAY", &RETRY_BASE_DELAY)
	readEnvDuration("RETRY_INTERVAL", &RETRY_INTERVAL)
	readEnvInt("MAX_QUEUE_RETRIES", &MAX_QUEUE_RETRIES)
	readEnvFloat("STAFF_THRESHOLD", &STAFF_THRESHOLD)
	readEnvDuration("STAFF_REFRESH_INTERVAL", &STAFF_REFRESH_INTERVAL)
	readEnvString("FACE_MODELS_DIR", &FACE_MODELS_DIR)
	readEnvBool("FACE_DETECT_CNN", &FACE_DETECT_CNN)
	readEnvInt("MAX_RECONNECT_ATTEMPTS", &MAX_RECONNECT_ATTEMPTS)
	readEnvInt("FRAME_BUFFER", &FRAME_BUFFER)
	readEnvDuration("SHUTDOWN_TIMEOUT", &SHUTDOWN_TIMEOUT)
}
