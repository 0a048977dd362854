// Command masstock runs the MasStock execution API server.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/masstock/masstock/api"
	"github.com/masstock/masstock/artifact"
	"github.com/masstock/masstock/config"
	"github.com/masstock/masstock/objstore"
	"github.com/masstock/masstock/queue"
	"github.com/masstock/masstock/router"
	"github.com/masstock/masstock/service"
	"github.com/masstock/masstock/store"
)

const requestTimeout = 30 * time.Second

func main() {
	configSystem := flag.String("configSource", "file", "The configuration system to use (file or rigel)")
	configFilePath := flag.String("configFile", "./config.json", "The path to the configuration file")
	etcdEndpoints := flag.String("etcdEndpoints", "localhost:2379", "Comma-separated etcd endpoints for Rigel")
	rigelConfigName := flag.String("configName", "masstock", "The name of the configuration")
	rigelSchemaName := flag.String("schemaName", "masstock", "The name of the schema")
	rigelSchemaVersion := flag.Int("schemaVersion", 1, "The version of the schema")
	flag.Parse()

	var appConfig config.AppConfig
	if err := loadConfig(*configSystem, *configFilePath, *etcdEndpoints, *rigelSchemaName, *rigelSchemaVersion, *rigelConfigName, &appConfig); err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	appConfig.ApplyDefaults()
	appConfig.FromEnv()

	lctx := logharbour.NewLoggerContext(logharbour.DefaultPriority)
	logger := logharbour.NewLogger(lctx, "masstock-api", os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	repo := store.NewRepo(pool)
	jobQueue := queue.NewQueue(rdb)
	artifacts := artifact.NewStore(objstore.NewMinioObjectStore(minioClient), appConfig.StorageBucket, appConfig.PublicBaseURL)
	statusCache := api.NewStatusCache(rdb)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(router.LogRequest(router.NewLogHarbourAdapter(logger)))
	r.Use(gin.Recovery())
	r.Use(router.TimeoutMiddleware(requestTimeout))

	r.GET("/health", func(c *gin.Context) {
		if err := pool.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
			return
		}
		if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s := service.NewService(r).
		WithLogger(logger).
		WithDatabase(pool).
		WithDependency("redis", rdb).
		WithDependency("queue", jobQueue)

	auth := router.NewAuthMiddleware([]byte(appConfig.JWTSecret), router.NewRedisTokenCache(rdb, 0), logger)
	handler := api.NewHandler(repo, jobQueue, artifacts, statusCache, logger)

	v1 := s.CreateGroup("/api/v1")
	v1.Group.Use(auth.MiddlewareFunc())
	v1.RegisterRoute(http.MethodGet, "/workflows", handler.ListWorkflows)
	v1.RegisterRoute(http.MethodGet, "/workflows/:workflow_id", handler.GetWorkflow)
	v1.RegisterRoute(http.MethodPost, "/workflows/:workflow_id/execute", handler.ExecuteWorkflow)
	v1.RegisterRoute(http.MethodGet, "/workflows/:workflow_id/executions", handler.ListWorkflowExecutions)
	v1.RegisterRoute(http.MethodGet, "/executions", handler.ListExecutions)
	v1.RegisterRoute(http.MethodGet, "/executions/:execution_id", handler.GetExecution)
	v1.RegisterRoute(http.MethodGet, "/executions/:execution_id/batch-results", handler.ListBatchResults)

	srv := &http.Server{
		Addr:    ":" + appConfig.AppServerPort,
		Handler: r,
	}

	go func() {
		logger.Info().LogActivity("API server listening", map[string]any{"port": appConfig.AppServerPort})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(err).LogActivity("Server shutdown failed", nil)
	}
	logger.Info().LogActivity("API server stopped", nil)
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
