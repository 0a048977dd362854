// Command masstock-worker runs the MasStock execution worker: it pulls
// workflow jobs off the Redis queue, generates images and writes results.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/masstock/masstock/api"
	"github.com/masstock/masstock/artifact"
	"github.com/masstock/masstock/config"
	"github.com/masstock/masstock/creds"
	"github.com/masstock/masstock/imagegen"
	"github.com/masstock/masstock/metrics"
	"github.com/masstock/masstock/objstore"
	"github.com/masstock/masstock/queue"
	"github.com/masstock/masstock/ratelimit"
	"github.com/masstock/masstock/store"
	"github.com/masstock/masstock/worker"
)

func main() {
	configSystem := flag.String("configSource", "file", "The configuration system to use (file or rigel)")
	configFilePath := flag.String("configFile", "./config.json", "The path to the configuration file")
	etcdEndpoints := flag.String("etcdEndpoints", "localhost:2379", "Comma-separated etcd endpoints for Rigel")
	rigelConfigName := flag.String("configName", "masstock", "The name of the configuration")
	rigelSchemaName := flag.String("schemaName", "masstock", "The name of the schema")
	rigelSchemaVersion := flag.Int("schemaVersion", 1, "The version of the schema")
	metricsPort := flag.String("metricsPort", "2112", "Port for the Prometheus metrics endpoint")
	migrate := flag.Bool("migrate", false, "Run database migrations and exit")
	flag.Parse()

	var appConfig config.AppConfig
	if err := loadConfig(*configSystem, *configFilePath, *etcdEndpoints, *rigelSchemaName, *rigelSchemaVersion, *rigelConfigName, &appConfig); err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	appConfig.ApplyDefaults()
	appConfig.FromEnv()

	lctx := logharbour.NewLoggerContext(logharbour.DefaultPriority)
	logger := logharbour.NewLogger(lctx, "masstock-worker", os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *migrate {
		conn, err := pgx.Connect(ctx, appConfig.DBConnURL)
		if err != nil {
			log.Fatalf("Failed to connect for migration: %v", err)
		}
		defer conn.Close(ctx)
		if err := store.MigrateDatabase(ctx, conn); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		logger.Info().LogActivity("Migrations applied", nil)
		return
	}

	pool, err := pgxpool.New(ctx, appConfig.DBConnURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddr,
		Password: appConfig.RedisPassword,
	})
	defer rdb.Close()

	minioClient, err := minio.New(appConfig.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(appConfig.MinioAccessKey, appConfig.MinioSecretKey, ""),
		Secure: appConfig.MinioUseSSL,
	})
	if err != nil {
		log.Fatalf("Failed to create minio client: %v", err)
	}

	m := metrics.NewPrometheusMetrics()
	m.SetCustomBuckets(metrics.GenerationSeconds, metrics.GenerationBuckets)
	m.SetCustomBuckets(metrics.RateGateWaitSeconds, metrics.GateWaitBuckets)
	metrics.RegisterExecutionMetrics(m)
	go m.StartMetricsServer(*metricsPort)

	repo := store.NewRepo(pool)
	jobQueue := queue.NewQueue(rdb)
	artifacts := artifact.NewStore(objstore.NewMinioObjectStore(minioClient), appConfig.StorageBucket, appConfig.PublicBaseURL)
	statusCache := api.NewStatusCache(rdb)

	limits := map[string]ratelimit.Limit{
		imagegen.ModelFlash: {Capacity: appConfig.RateLimitFlash, Window: appConfig.RateWindow()},
		imagegen.ModelPro:   {Capacity: appConfig.RateLimitPro, Window: appConfig.RateWindow()},
	}
	var gate ratelimit.Gate
	if appConfig.RateGateMode == "memory" {
		gate = ratelimit.NewMemoryGate(limits)
	} else {
		gate = ratelimit.NewRedisGate(rdb, limits).WithMetrics(m)
	}

	resolver, err := creds.NewResolver(repo, appConfig.EncryptionKey, appConfig.GeminiAPIKey)
	if err != nil {
		log.Fatalf("Failed to build credential resolver: %v", err)
	}

	w := worker.New(repo, artifacts, gate, imagegen.NewGemini(""), resolver, logger, worker.Config{
		PromptConcurrencyFlash: appConfig.PromptConcFlash,
		PromptConcurrencyPro:   appConfig.PromptConcPro,
	}).WithMetrics(m)

	// The status cache is dropped after every handled job so pollers see the
	// new state immediately instead of after the cache TTL.
	handle := func(hctx context.Context, job queue.Job, progress queue.ProgressFunc) error {
		err := w.Handle(hctx, job, progress)
		statusCache.Invalidate(context.Background(), job.ExecutionID)
		return err
	}
	onDead := func(dctx context.Context, job queue.Job, cause error) {
		w.OnDead(dctx, job, cause)
		statusCache.Invalidate(context.Background(), job.ExecutionID)
	}

	consumer := queue.NewConsumer(jobQueue, handle, onDead, logger, queue.ConsumerConfig{
		Concurrency: appConfig.WorkerConcurrency,
		MaxAttempts: appConfig.JobMaxAttempts,
		BaseDelay:   appConfig.JobBaseDelay(),
	}).WithMetrics(m)

	logger.Info().LogActivity("Worker starting", map[string]any{
		"instanceID":  consumer.InstanceID(),
		"concurrency": appConfig.WorkerConcurrency,
		"rateGate":    appConfig.RateGateMode,
	})

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Consumer stopped: %v", err)
	}
	logger.Info().LogActivity("Worker stopped", nil)
}

func loadConfig(system, filePath, etcdEndpoints, schemaName string, schemaVersion int, configName string, into *config.AppConfig) error {
	var src config.Config
	switch system {
	case "rigel":
		client, err := config.NewRigelClient(etcdEndpoints)
		if err != nil {
			return err
		}
		src = &config.Rigel{
			Client:        client,
			SchemaName:    schemaName,
			SchemaVersion: schemaVersion,
			ConfigName:    configName,
		}
	default:
		src = &config.File{ConfigFilePath: filePath}
	}
	return config.Load(src, into)
}
