package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ILLUVRSE/docflow/internal/admin"
	"github.com/ILLUVRSE/docflow/internal/audit"
	"github.com/ILLUVRSE/docflow/internal/auth"
	"github.com/ILLUVRSE/docflow/internal/clock"
	"github.com/ILLUVRSE/docflow/internal/config"
	"github.com/ILLUVRSE/docflow/internal/engine"
	"github.com/ILLUVRSE/docflow/internal/httpserver"
	"github.com/ILLUVRSE/docflow/internal/ledger"
	"github.com/ILLUVRSE/docflow/internal/lock"
	"github.com/ILLUVRSE/docflow/internal/models"
	"github.com/ILLUVRSE/docflow/internal/roles"
	"github.com/ILLUVRSE/docflow/internal/signer"
	"github.com/ILLUVRSE/docflow/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sig, err := newSigner(cfg)
	if err != nil {
		log.Fatalf("signer init: %v", err)
	}
	sealer := audit.NewSealer(sig)
	log.Printf("[docflow] audit signer %s public key %s", cfg.SignerID, base64.StdEncoding.EncodeToString(sealer.PublicKey()))

	var (
		st  store.Store
		clk clock.Clock = clock.System{}
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("db ping: %v", err)
		}
		st = store.NewPGStore(db, sealer)
		clk = clock.PGClock{DB: db}
	} else {
		log.Printf("[docflow] no database configured; using in-memory store")
		st = store.NewMemoryStore(sealer)
	}

	locks, closeLocks, err := newLocker(ctx, cfg)
	if err != nil {
		log.Fatalf("lock init: %v", err)
	}
	defer closeLocks()

	reg := roles.NewRegistry(st, locks, clk)
	if err := reg.Bootstrap(ctx, models.Principal(cfg.BootstrapAdmin)); err != nil {
		log.Fatalf("bootstrap admin: %v", err)
	}
	ctl := admin.NewControl(st, reg, locks, clk)
	if state, err := ctl.State(ctx); err != nil {
		log.Fatalf("admin state: %v", err)
	} else if state.Paused {
		log.Printf("[docflow] engine is paused; create requests will be refused")
	}

	eng := engine.New(engine.Deps{
		Ledger: ledger.New(st),
		Index:  ledger.NewIndex(st),
		Roles:  reg,
		Admin:  ctl,
		Events: st,
		Locks:  locks,
		Clock:  clk,
	}, engine.Config{MaxApprovers: cfg.MaxApprovers})

	resolver, err := newResolver(cfg)
	if err != nil {
		log.Fatalf("auth init: %v", err)
	}

	var wg sync.WaitGroup
	if cfg.SweepInterval > 0 {
		sweeper := engine.NewSweeper(eng, st, clk, cfg.SweepInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sweeper.Run(ctx)
		}()
	}

	if cfg.StreamingEnabled() {
		streamer, err := newStreamer(ctx, cfg, st)
		if err != nil {
			log.Fatalf("audit streamer init: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = streamer.Run(ctx)
		}()
	} else {
		log.Printf("[docflow] KAFKA_BROKERS/KAFKA_TOPIC not set; audit events stay in the outbox")
	}

	server := httpserver.New(eng, reg, ctl, st, resolver, httpserver.Options{
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[docflow] listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	wg.Wait()
	log.Printf("[docflow] stopped")
}

func newSigner(cfg config.Config) (signer.Signer, error) {
	if cfg.SignerKeyB64 == "" {
		log.Printf("[docflow] DOCFLOW_SIGNER_KEY_B64 not set; generated an ephemeral audit signing key")
		return signer.NewLocalSigner(cfg.SignerID), nil
	}
	return signer.FromBase64(cfg.SignerID, cfg.SignerKeyB64)
}

func newLocker(ctx context.Context, cfg config.Config) (lock.Locker, func(), error) {
	if cfg.RedisAddr == "" {
		return lock.NewKeyedMutexWait(cfg.LockWait), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	locker, err := lock.NewRedisLocker(client, lock.RedisConfig{TTL: cfg.LockTTL, MaxWait: cfg.LockWait})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	log.Printf("[docflow] using redis locks at %s", cfg.RedisAddr)
	return locker, func() { _ = client.Close() }, nil
}

func newResolver(cfg config.Config) (auth.Resolver, error) {
	var chain auth.ChainResolver
	if cfg.JWTEnabled() {
		jwtRes, err := auth.NewJWTResolver(auth.JWTConfig{
			HS256Secret:    []byte(cfg.JWTSecret),
			PublicKeysFile: cfg.JWTPublicKeysFile,
			Issuer:         cfg.JWTIssuer,
			Audience:       cfg.JWTAudience,
		})
		if err != nil {
			return nil, err
		}
		chain = append(chain, jwtRes)
	}
	if cfg.AllowDevPrincipal {
		log.Printf("[docflow] WARNING: trusting %s header (dev mode)", auth.HeaderPrincipal)
		chain = append(chain, auth.HeaderResolver{})
	}
	return chain, nil
}

// newStreamer wires Kafka and the optional S3 archive. The streamer closes the producer when Run returns.
func newStreamer(ctx context.Context, cfg config.Config, outbox audit.Outbox) (*audit.Streamer, error) {
	producer, err := audit.NewKafkaProducer(audit.KafkaProducerConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
	})
	if err != nil {
		return nil, err
	}
	var archiver audit.Archiver
	if cfg.S3Bucket != "" {
		a, err := audit.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			_ = producer.Close()
			return nil, err
		}
		archiver = a
	}
	s := audit.NewStreamer(outbox, producer, archiver, audit.StreamerConfig{
		BatchSize:      cfg.StreamBatchSize,
		PollInterval:   cfg.StreamPollInterval,
		MaxConcurrency: cfg.StreamMaxConcurrency,
	})
	return s, nil
}
