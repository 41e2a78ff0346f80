package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/markjsapp/Haven-sub000/internal/auth"
	"github.com/markjsapp/Haven-sub000/internal/cache"
	"github.com/markjsapp/Haven-sub000/internal/cleanup"
	"github.com/markjsapp/Haven-sub000/internal/config"
	haven "github.com/markjsapp/Haven-sub000/internal/crypto"
	"github.com/markjsapp/Haven-sub000/internal/db"
	"github.com/markjsapp/Haven-sub000/internal/gateway"
	"github.com/markjsapp/Haven-sub000/internal/permissions"
	"github.com/markjsapp/Haven-sub000/internal/ratelimit"
	"github.com/markjsapp/Haven-sub000/internal/rest"
	"github.com/markjsapp/Haven-sub000/internal/storage"
	"github.com/markjsapp/Haven-sub000/internal/voice"
)

func main() {
	configPath := flag.String("config", "haven.toml", "path to the TOML configuration file")
	flag.Parse()

	log.Println("[Server] starting havend...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[Server] failed to load config: %v", err)
	}

	database, err := db.Open(cfg.DatabaseURL, cfg.DatabaseReplicaURL, cfg.DBMaxConnections)
	if err != nil {
		log.Fatalf("[Server] failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.RunMigrations("migrations"); err != nil {
		log.Fatalf("[Server] failed to run migrations: %v", err)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("[Server] invalid redis_url: %v", err)
		}
		rdb = redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("[WARN] redis unreachable: %v (running single-instance)", err)
			rdb = nil
		}
		cancel()
	} else {
		log.Println("[Server] no redis_url configured, running single-instance")
	}

	storageKey, err := hex.DecodeString(cfg.StorageEncryptionKey)
	if err != nil || len(storageKey) != 32 {
		log.Fatalf("[Server] storage_encryption_key must be 64 hex characters")
	}
	// separate key for path obfuscation so the envelope key never doubles
	// as an HMAC key
	pathKey, err := haven.DeriveKey(storageKey, nil, []byte("haven storage path"), 32)
	if err != nil {
		log.Fatalf("[Server] failed to derive storage path key: %v", err)
	}

	backend, err := buildStorage(cfg, storageKey)
	if err != nil {
		log.Fatalf("[Server] failed to initialize storage backend: %v", err)
	}

	c := cache.New(rdb)
	presence := cache.NewPresence(rdb)
	pow := cache.NewPoWChallenges(rdb)
	voiceRooms := cache.NewVoiceRooms()
	bus := cache.NewBus(rdb)

	limiter, err := ratelimit.New(rdb)
	if err != nil {
		log.Fatalf("[Server] failed to initialize rate limiter: %v", err)
	}

	authService := auth.NewService(database, cfg, pow)
	resolver := permissions.NewResolver(database, c)
	voiceService := voice.NewService(cfg.VoiceSFUURL, cfg.VoiceSFUAPIKey, cfg.VoiceSFUAPISecret)

	hub := gateway.NewHub(cfg, database, c, presence, voiceRooms, bus, limiter, resolver, authService)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	hub.Run(hubCtx)

	handlers := rest.NewHandlers(cfg, database, c, presence, voiceRooms, authService,
		limiter, backend, pathKey, hub, resolver, voiceService)

	scheduler := cleanup.Start(cfg, database, c, pow, hub)
	defer scheduler.Stop()

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handlers.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		var err error
		if cfg.TLSEnabled {
			certPath, keyPath, certErr := ensureCertificate(cfg)
			if certErr != nil {
				log.Fatalf("[Server] TLS setup failed: %v", certErr)
			}
			// HTTP/2 can't carry the WebSocket upgrade; advertise http/1.1 only
			httpServer.TLSConfig = &tls.Config{NextProtos: []string{"http/1.1"}}
			log.Printf("[Server] HTTPS listening on %s", cfg.ListenAddr)
			err = httpServer.ListenAndServeTLS(certPath, keyPath)
		} else {
			log.Printf("[Server] HTTP listening on %s", cfg.ListenAddr)
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Server] failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[Server] shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("[Server] forced shutdown: %v", err)
	}
	log.Println("[Server] exited gracefully")
}

func buildStorage(cfg *config.Config, key []byte) (storage.Backend, error) {
	switch cfg.StorageBackend {
	case "s3":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return storage.NewS3(ctx, storage.S3Config{
			Endpoint:      cfg.S3Endpoint,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			Region:        cfg.S3Region,
			UseSSL:        cfg.S3UseSSL,
			EncryptionKey: key,
		})
	default:
		return storage.NewLocal(cfg.StorageDir, key)
	}
}
