// Command gateway is ORIGIN's API server: the composition root that
// assembles configuration, storage, the signer, the encryption provider,
// the task broker, and every domain service, then serves the HTTP surface.
// All singletons are built here once and passed down as explicit
// dependencies; nothing module-level mutates after startup.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"origin/pkg/auth"
	"origin/pkg/blobstore"
	"origin/pkg/certificate"
	"origin/pkg/encryption"
	"origin/pkg/evidence"
	"origin/pkg/features"
	"origin/pkg/hardening"
	"origin/pkg/identity"
	"origin/pkg/inference"
	"origin/pkg/ingest"
	"origin/pkg/ledger"
	"origin/pkg/metrics"
	"origin/pkg/policy"
	"origin/pkg/ratelimit"
	"origin/pkg/readiness"
	"origin/pkg/signer"
	"origin/pkg/statebus"
	"origin/pkg/store"
	"origin/pkg/telemetry"
	"origin/pkg/webhook"
)

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1"
}

func main() {
	if err := run(func(srv *http.Server) error { return srv.ListenAndServe() }); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}

func run(listen func(*http.Server) error) error {
	ctx := context.Background()
	environment := env("ENVIRONMENT", "development")
	development := !hardening.IsProductionLike(environment) && environment != "test"

	if err := hardening.ValidateStartup(hardening.Options{
		Service:                   "origin-api",
		Environment:               environment,
		SigningKeyProvider:        env("SIGNING_KEY_PROVIDER", "local"),
		WebhookEncryptionProvider: env("WEBHOOK_ENCRYPTION_PROVIDER", "local"),
		LocalEncryptionSalt:       env("LOCAL_ENCRYPTION_SALT", ""),
		BlobEndpoint:              env("BLOB_ENDPOINT", ""),
		BlobAccessKey:             env("BLOB_ACCESS_KEY", ""),
		BlobSecretKey:             env("BLOB_SECRET_KEY", ""),
		BlobBucket:                env("BLOB_BUCKET", ""),
		CORSAllowedOrigins:        env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "API_KEY_SERVER_SECRET", Value: env("API_KEY_SERVER_SECRET", "")},
		},
	}); err != nil {
		return err
	}

	logger, err := buildLogger(environment)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := telemetry.Init(ctx, "origin-api")
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(ctx) }()

	pool, err := store.NewPostgresPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	repo := store.NewRepository(pool)

	redisClient, redisErr := store.NewRedis(ctx)
	if redisErr != nil {
		if !development {
			return redisErr
		}
		logger.Warn("cache unavailable, development falls back in-process", zap.Error(redisErr))
	}
	cache := store.NewCache(ctx, redisClient)

	rateLimitTTL := time.Duration(envInt("RATE_LIMIT_TTL_SECONDS", 600)) * time.Second
	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, rateLimitTTL)
	} else {
		limiter = ratelimit.NewInMemory(rateLimitTTL)
	}

	blobs, err := buildBlobStore(ctx, development)
	if err != nil {
		return err
	}

	sgn, err := buildSigner(ctx)
	if err != nil {
		return err
	}

	enc, err := buildEncryptionProvider(ctx)
	if err != nil {
		return err
	}

	evidenceProducer, err := statebus.NewKafkaProducer(statebus.KafkaConfig{
		Brokers: strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
		Topic:   env("EVIDENCE_TASK_TOPIC", "origin.evidence.tasks"),
	})
	if err != nil {
		return err
	}
	defer func() { _ = evidenceProducer.Close() }()

	webhookProducer, err := statebus.NewKafkaProducer(statebus.KafkaConfig{
		Brokers: strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
		Topic:   env("WEBHOOK_DELIVERY_TOPIC", "origin.webhook.deliveries"),
	})
	if err != nil {
		return err
	}
	defer func() { _ = webhookProducer.Close() }()

	inferenceSvc, err := inference.NewService(env("MODEL_ARTIFACT_PATH", ""))
	if err != nil {
		return err
	}

	certSvc := &certificate.Service{Signer: sgn}
	registry := metrics.NewRegistry()
	dispatcher := webhook.NewDispatcher(webhookProducer, logger)

	ingestSvc := &ingest.Service{
		Repo:         repo,
		Identity:     &identity.Resolver{DB: repo.DB},
		Features:     &features.Service{DB: repo.DB},
		Inference:    inferenceSvc,
		Profiles:     &policy.ProfileStore{DB: repo.DB},
		Certificates: certSvc,
		Webhooks:     dispatcher,
		Logger:       logger,
	}

	evidenceSvc := &evidence.Service{
		Repo:         repo,
		Ledger:       &ledger.Service{DB: repo.DB},
		Broker:       evidenceProducer,
		Blobs:        blobs,
		SignedURLTTL: envInt("EVIDENCE_SIGNED_URL_TTL", 3600),
		Logger:       logger,
	}

	sender := webhook.NewSender(repo, enc, telemetry.InstrumentClient(&http.Client{Timeout: 10 * time.Second}), registry, logger)

	var migrations readiness.MigrationVersioner
	if m, err := migrate.New("file://"+env("MIGRATIONS_DIR", "migrations"), env("DATABASE_URL", "")); err == nil {
		migrations = m
	} else {
		logger.Warn("migration source unavailable; readiness will report it", zap.Error(err))
	}

	ready := &readiness.Checker{
		DB:          repo,
		Cache:       cache,
		Blobs:       blobs,
		Migrations:  migrations,
		HeadVersion: uint(envInt("MIGRATIONS_HEAD_VERSION", 1)),
		Signer: readiness.SignerProbe{JWKS: func(ctx context.Context) error {
			_, err := sgn.PublicJWKS(ctx)
			return err
		}},
		Development: development,
	}

	srv := &Server{
		Logger:      logger,
		Repo:        repo,
		Auth:        &auth.Authenticator{Store: repo, ServerSecret: []byte(env("API_KEY_SERVER_SECRET", "dev-secret")), LegacyBcryptFallback: envBool("LEGACY_APIKEY_FALLBACK", false)},
		Ingest:      ingestSvc,
		Evidence:    evidenceSvc,
		Ledger:      &ledger.Service{DB: repo.DB},
		Signer:      sgn,
		Inference:   inferenceSvc,
		Encryption:  enc,
		Sender:      sender,
		Limiter:     limiter,
		Metrics:     registry,
		Ready:       ready,
		Blobs:       blobs,
		IPFailOpen:  resolveIPFailOpen(environment),
		Environment: environment,
	}

	router := srv.Routes(env("CORS_ALLOWED_ORIGINS", ""))

	addr := env("ADDR", ":8080")
	logger.Info("origin gateway listening", zap.String("addr", addr), zap.String("environment", environment))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(httpServer)
}

func buildLogger(environment string) (*zap.Logger, error) {
	if hardening.IsProductionLike(environment) {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// resolveIPFailOpen: parse failures fail-closed in production/staging,
// fail-open in development; the explicit flag wins.
func resolveIPFailOpen(environment string) bool {
	if v := strings.TrimSpace(os.Getenv("IP_ALLOWLIST_FAIL_OPEN")); v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return !hardening.IsProductionLike(environment)
}

func buildBlobStore(ctx context.Context, development bool) (blobstore.Store, error) {
	endpoint := env("BLOB_ENDPOINT", "")
	if endpoint == "" {
		if !development {
			return nil, errors.New("BLOB_ENDPOINT has no default outside development")
		}
		return blobstore.NewFilesystemStore(env("BLOB_LOCAL_DIR", "./data/blobs"))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(env("BLOB_REGION", "us-east-1")),
		awsconfig.WithCredentialsProvider(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     env("BLOB_ACCESS_KEY", ""),
				SecretAccessKey: env("BLOB_SECRET_KEY", ""),
			}, nil
		})),
	)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	return &blobstore.S3Store{
		Client:    client,
		Presigner: s3.NewPresignClient(client),
		Bucket:    env("BLOB_BUCKET", "origin-evidence"),
	}, nil
}

func buildSigner(ctx context.Context) (signer.Signer, error) {
	switch env("SIGNING_KEY_PROVIDER", "local") {
	case "aws_kms":
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(env("AWS_REGION", "us-east-1")))
		if err != nil {
			return nil, err
		}
		return signer.NewKMSSigner(ctx, kms.NewFromConfig(cfg), env("SIGNING_KEY_ID", ""))
	case "local":
		return signer.NewLocalSigner(env("SIGNING_KEY_PATH", "./data/signing_key.pem"), env("SIGNING_KEY_ID", "local-dev-key"))
	default:
		return nil, errors.New("SIGNING_KEY_PROVIDER must be local or aws_kms")
	}
}

func buildEncryptionProvider(ctx context.Context) (encryption.Provider, error) {
	switch env("WEBHOOK_ENCRYPTION_PROVIDER", "local") {
	case "aws_kms":
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(env("AWS_REGION", "us-east-1")))
		if err != nil {
			return nil, err
		}
		return &encryption.KMSProvider{Client: kms.NewFromConfig(cfg), KeyID: env("WEBHOOK_ENCRYPTION_KEY_ID", "")}, nil
	case "local":
		return encryption.NewLocalProvider(
			[]byte(env("WEBHOOK_ENCRYPTION_SECRET", "dev-encryption-secret")),
			[]byte(env("LOCAL_ENCRYPTION_SALT", "")),
		)
	default:
		return nil, errors.New("WEBHOOK_ENCRYPTION_PROVIDER must be local or aws_kms")
	}
}
