// Command worker is ORIGIN's async half: it drains the evidence-pack task
// topic (rendering and storing artifacts) and the webhook-delivery topic
// (signing and sending events), and periodically requeues stuck pending
// evidence packs. It shares the gateway's storage and crypto configuration
// but binds no HTTP surface beyond a health listener.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"origin/pkg/blobstore"
	"origin/pkg/encryption"
	"origin/pkg/evidence"
	"origin/pkg/hardening"
	"origin/pkg/ledger"
	"origin/pkg/metrics"
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

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker: %v", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	environment := env("ENVIRONMENT", "development")
	development := !hardening.IsProductionLike(environment) && environment != "test"

	if err := hardening.ValidateStartup(hardening.Options{
		Service:                   "origin-worker",
		Environment:               environment,
		SigningKeyProvider:        env("SIGNING_KEY_PROVIDER", "local"),
		WebhookEncryptionProvider: env("WEBHOOK_ENCRYPTION_PROVIDER", "local"),
		LocalEncryptionSalt:       env("LOCAL_ENCRYPTION_SALT", ""),
		BlobEndpoint:              env("BLOB_ENDPOINT", ""),
		BlobAccessKey:             env("BLOB_ACCESS_KEY", ""),
		BlobSecretKey:             env("BLOB_SECRET_KEY", ""),
		BlobBucket:                env("BLOB_BUCKET", ""),
		SkipCORSCheck:             true,
	}); err != nil {
		return err
	}

	var logger *zap.Logger
	var err error
	if hardening.IsProductionLike(environment) {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := telemetry.Init(ctx, "origin-worker")
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	pool, err := store.NewPostgresPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	repo := store.NewRepository(pool)

	blobs, err := buildBlobStore(ctx, development)
	if err != nil {
		return err
	}
	enc, err := buildEncryptionProvider(ctx)
	if err != nil {
		return err
	}

	brokers := strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ",")
	evidenceConsumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{
		Brokers: brokers,
		Topic:   env("EVIDENCE_TASK_TOPIC", "origin.evidence.tasks"),
		GroupID: env("EVIDENCE_CONSUMER_GROUP", "origin-evidence-worker"),
	})
	if err != nil {
		return err
	}
	defer func() { _ = evidenceConsumer.Close() }()

	deliveryConsumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{
		Brokers: brokers,
		Topic:   env("WEBHOOK_DELIVERY_TOPIC", "origin.webhook.deliveries"),
		GroupID: env("WEBHOOK_CONSUMER_GROUP", "origin-webhook-worker"),
	})
	if err != nil {
		return err
	}
	defer func() { _ = deliveryConsumer.Close() }()

	evidenceProducer, err := statebus.NewKafkaProducer(statebus.KafkaConfig{
		Brokers: brokers,
		Topic:   env("EVIDENCE_TASK_TOPIC", "origin.evidence.tasks"),
	})
	if err != nil {
		return err
	}
	defer func() { _ = evidenceProducer.Close() }()

	registry := metrics.NewRegistry()
	ledgerSvc := &ledger.Service{DB: repo.DB}

	evidenceWorker := &evidence.Worker{
		Repo:     repo,
		Ledger:   ledgerSvc,
		Blobs:    blobs,
		Consumer: evidenceConsumer,
		Logger:   logger,
	}
	evidenceSvc := &evidence.Service{
		Repo:   repo,
		Ledger: ledgerSvc,
		Broker: evidenceProducer,
		Blobs:  blobs,
		Logger: logger,
	}
	sender := webhook.NewSender(repo, enc, telemetry.InstrumentClient(&http.Client{Timeout: 10 * time.Second}), registry, logger)

	errCh := make(chan error, 3)
	go func() { errCh <- evidenceWorker.Run(ctx) }()
	go func() { errCh <- sender.Run(ctx, deliveryConsumer) }()
	go func() { errCh <- runStuckRequeuer(ctx, evidenceSvc, logger) }()

	go serveHealth(env("WORKER_HEALTH_ADDR", ":8090"), registry)

	logger.Info("origin worker running", zap.String("environment", environment))
	return <-errCh
}

// runStuckRequeuer periodically re-enqueues pending evidence packs whose
// last update is older than the stuck threshold.
func runStuckRequeuer(ctx context.Context, svc *evidence.Service, logger *zap.Logger) error {
	interval := time.Duration(envInt("EVIDENCE_REQUEUE_INTERVAL_SECONDS", 60)) * time.Second
	stuckAge := time.Duration(envInt("EVIDENCE_STUCK_AGE_SECONDS", 600)) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			requeued, err := svc.RequeueStuck(ctx, now.Add(-stuckAge), now.Unix())
			if err != nil {
				logger.Warn("stuck requeue pass failed", zap.Error(err))
				continue
			}
			if requeued > 0 {
				logger.Info("requeued stuck evidence packs", zap.Int("count", requeued))
			}
		}
	}
}

func serveHealth(addr string, registry *metrics.Registry) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","service":"origin-worker"}`))
	})
	mux.HandleFunc("/metrics", registry.PrometheusHandler())
	_ = http.ListenAndServe(addr, mux)
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
