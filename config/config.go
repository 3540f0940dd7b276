package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Coordinator settings
var (
	TLS_DOMAINS        = "" // e.g. "example.com,example2.com"
	MYSQL_DSN          = "" // MySQL will be used if this is set
	SQLITE_FILE        = "" // SQLite will be used if MYSQL_DSN is not configured and this is set
	BIND_ADDRESS       = "0.0.0.0:8080"
	DEBUG_MODE         = true
	SESSION_KEY        = "change me, please"
	WORKER_API_KEY     = "" // Shared secret workers log in with
	OPERATOR_API_KEY   = "" // Shared secret for the operator surface
	LEASE_TTL          = 120 * time.Second
	HEARTBEAT_INTERVAL = 30 * time.Second
	WORKER_STALE_AFTER = 120 * time.Second
	SWEEP_INTERVAL     = 15 * time.Second
	PAUSE_COOLDOWN     = 60 * time.Second // Worker-released cameras go back to the pool after this
	MATCH_THRESHOLD    = 0.6              // Cosine similarity to consider two embeddings the same person
	STORAGE_TYPE       = "disk"           // disk or s3
	STORAGE_PATH       = "./events"       // Directory for disk, key prefix for s3
	S3_BUCKET          = ""
	S3_REGION          = ""
	S3_ENDPOINT        = ""
	S3_AUTH            = "" // "key:secret"
	TMP_DIR            = "/tmp"
	PUSH_SERVER        = "" // Operator alerts are sent here if configured
	PUSH_TOKENS        = "" // Comma separated operator device tokens
)

func init() {
	readEnvString("TLS_DOMAINS", &TLS_DOMAINS)
	readEnvString("MYSQL_DSN", &MYSQL_DSN)
	readEnvString("SQLITE_FILE", &SQLITE_FILE)
	readEnvString("BIND_ADDRESS", &BIND_ADDRESS)
	readEnvBool("DEBUG_MODE", &DEBUG_MODE)
	readEnvString("SESSION_KEY", &SESSION_KEY)
	readEnvString("WORKER_API_KEY", &WORKER_API_KEY)
	readEnvString("OPERATOR_API_KEY", &OPERATOR_API_KEY)
	readEnvDuration("LEASE_TTL", &LEASE_TTL)
	readEnvDuration("HEARTBEAT_INTERVAL", &HEARTBEAT_INTERVAL)
	readEnvDuration("WORKER_STALE_AFTER", &WORKER_STALE_AFTER)
	readEnvDuration("SWEEP_INTERVAL", &SWEEP_INTERVAL)
	readEnvDuration("PAUSE_COOLDOWN", &PAUSE_COOLDOWN)
	readEnvFloat("MATCH_THRESHOLD", &MATCH_THRESHOLD)
	readEnvString("STORAGE_TYPE", &STORAGE_TYPE)
	readEnvString("STORAGE_PATH", &STORAGE_PATH)
	readEnvString("S3_BUCKET", &S3_BUCKET)
	readEnvString("S3_REGION", &S3_REGION)
	readEnvString("S3_ENDPOINT", &S3_ENDPOINT)
	readEnvString("S3_AUTH", &S3_AUTH)
	readEnvString("TMP_DIR", &TMP_DIR)
	readEnvString("PUSH_SERVER", &PUSH_SERVER)
	readEnvString("PUSH_TOKENS", &PUSH_TOKENS)

	readWorkerEnv()
}

// MinLeaseTTL returns the smallest lease TTL that tolerates two missed heartbeats
func MinLeaseTTL(heartbeat time.Duration) time.Duration {
	return 3 * heartbeat
}

// ValidateLease raises LEASE_TTL to 3x HEARTBEAT_INTERVAL if configured lower
func ValidateLease() {
	if min := MinLeaseTTL(HEARTBEAT_INTERVAL); LEASE_TTL < min {
		log.Printf("LEASE_TTL %v is below 3x HEARTBEAT_INTERVAL, using %v", LEASE_TTL, min)
		LEASE_TTL = min
	}
}

func readEnvString(name string, value *string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	*value = v
}

func readEnvBool(name string, value *bool) {
	v := strings.ToLower(os.Getenv(name))
	if v == "true" || v == "1" || v == "yes" || v == "on" {
		*value = true
	} else if v == "false" || v == "0" || v == "no" || v == "off" {
		*value = false
	}
}

func readEnvFloat(name string, value *float64) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return
	}
	*value = f
}

func readEnvInt(name string, value *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	f, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*value = f
}

// readEnvDuration accepts Go durations ("90s") or plain seconds ("90")
func readEnvDuration(name string, value *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*value = d
		return
	}
	if s, err := strconv.Atoi(v); err == nil {
		*value = time.Duration(s) * time.Second
	}
}
