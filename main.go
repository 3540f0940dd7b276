package main

import (
	"context"
	"log"
	"strings"
	"time"

	"camfleet/config"
	"camfleet/coordinator"
	"camfleet/db"
	"camfleet/handlers"
	"camfleet/models"
	"camfleet/push"
	"camfleet/storage"
	"camfleet/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-contrib/sessions"
	gormsessions "github.com/gin-contrib/sessions/gorm"
	"github.com/gin-gonic/autotls"
	"github.com/gin-gonic/gin"
)

const (
	sessionCookieName     = "token"
	sessionExpirationTime = 7 * 86400
)

func main() {
	config.ValidateLease()
	database, err := db.Open(config.MYSQL_DSN, config.SQLITE_FILE)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err = models.Migrate(database); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	storageType, err := storage.ParseStorageType(config.STORAGE_TYPE)
	if err != nil {
		log.Fatal(err)
	}
	eventStorage, err := storage.New(&storage.Bucket{
		Name:        config.S3_BUCKET,
		StorageType: storageType,
		Path:        config.STORAGE_PATH,
		Region:      config.S3_REGION,
		Endpoint:    config.S3_ENDPOINT,
		AuthDetails: config.S3_AUTH,
	})
	if err != nil {
		log.Fatalf("Failed to initialise event storage: %v", err)
	}

	service := coordinator.New(database, coordinator.Options{
		LeaseTTL:       config.LEASE_TTL,
		StaleAfter:     config.WORKER_STALE_AFTER,
		PauseCooldown:  config.PAUSE_COOLDOWN,
		MatchThreshold: config.MATCH_THRESHOLD,
		Storage:        eventStorage,
	})
	service.OnTransition(push.LeaseAlerts())
	go service.Run(context.Background(), config.SWEEP_INTERVAL)

	if !config.DEBUG_MODE {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	_ = router.SetTrustedProxies([]string{})
	if config.DEBUG_MODE {
		router.Use(utils.ErrorLogMiddleware)
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           30 * 24 * time.Hour,
	}))
	cookieStore := gormsessions.NewStore(database, true, []byte(config.SESSION_KEY))
	cookieStore.Options(sessions.Options{Path: "/", MaxAge: sessionExpirationTime, HttpOnly: true})
	router.Use(sessions.Sessions(sessionCookieName, cookieStore))
	if !config.DEBUG_MODE {
		router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/operator/feed"})))
	}
	router.Use((&utils.CacheRouter{
		Default: utils.CacheNoCache,
		Paths:   map[string]int{"/operator/event/image": 86400, "/operator/feed": utils.CacheCustom},
	}).Handler())

	handlers.New(service).Register(router)

	if config.TLS_DOMAINS != "" {
		err = autotls.Run(router, strings.Split(config.TLS_DOMAINS, ",")...)
	} else {
		err = router.Run(config.BIND_ADDRESS)
	}
	log.Fatalf("Server stopped: %v", err)
}
