package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/streamspace/relayd/internal/auth"
	"github.com/streamspace/relayd/internal/backend"
	"github.com/streamspace/relayd/internal/logger"
	"github.com/streamspace/relayd/internal/relay"
	"github.com/streamspace/relayd/internal/transport"
)

func main() {
	logLevel := getEnv("LOG_LEVEL", "info")
	logPretty := getEnv("LOG_PRETTY", "false") == "true"
	logger.Initialize(logLevel, logPretty)

	port := getEnv("PORT", "8080")
	ginMode := getEnv("GIN_MODE", gin.ReleaseMode)
	gin.SetMode(ginMode)

	redisHost := getEnv("REDIS_HOST", "localhost")
	redisPort := getEnv("REDIS_PORT", "6379")
	redisPass := getEnv("REDIS_PASS", "")
	redisDB := getEnvInt("REDIS_DB", 0)

	codespaceExpire := getEnvInt("CODESPACE_EXPIRE_UPDATE", 3600)
	tmpCodespaceExpire := getEnvInt("TMP_CODESPACE_EXPIRE_UPDATE", 300)

	authAPIBase := getEnv("AUTH_API_BASE", "http://localhost:8000/api/v1")

	corsOrigins := getEnv("CORS_ALLOWED_ORIGINS", "")
	var allowedOrigins []string
	if corsOrigins != "" {
		allowedOrigins = strings.Split(corsOrigins, ",")
	}

	shutdownTimeout := 30 * time.Second
	if raw := os.Getenv("SHUTDOWN_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			shutdownTimeout = d
		}
	}

	logger.Log.Info().Msg("starting relayd")

	be, err := backend.NewClient(backend.Config{
		Host:     redisHost,
		Port:     redisPort,
		Password: redisPass,
		DB:       redisDB,
	})
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to connect to backend")
	}
	defer be.Close()

	authClient := auth.NewClient(authAPIBase)

	expireSeconds := relay.ExpireSeconds{
		Codespace:    codespaceExpire,
		TmpCodespace: tmpCodespaceExpire,
	}
	handler := relay.NewMessageHandler(be)
	registry := relay.NewRegistry(be, handler, expireSeconds)
	connectionHandler := relay.NewConnectionHandler(authClient, registry)

	router := gin.New()
	router.Use(transport.RequestID())
	router.Use(gin.Recovery())
	router.Use(transport.StructuredLogger())
	router.Use(transport.Timeout(transport.DefaultTimeoutConfig()))
	router.Use(transport.CORS(transport.CORSConfig{AllowedOrigins: allowedOrigins}))

	server := transport.NewServer(connectionHandler, registry, be)
	server.Register(router)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		logger.Log.Info().Str("port", port).Msg("relayd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal().Err(err).Msg("relayd server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Log.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Warn().Err(err).Msg("server forced to shutdown")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
