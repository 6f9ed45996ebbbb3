package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	grpcapi "conversation-stream-coordinator/internal/api/grpc"
	"conversation-stream-coordinator/internal/app"
	"conversation-stream-coordinator/internal/config"
	"conversation-stream-coordinator/internal/events"
	httpapi "conversation-stream-coordinator/internal/http"
	"conversation-stream-coordinator/internal/observability"
	"conversation-stream-coordinator/internal/observability/logging"
	"conversation-stream-coordinator/internal/observability/metrics"
	"conversation-stream-coordinator/internal/schema"
	"conversation-stream-coordinator/internal/service/coordinator"
	"conversation-stream-coordinator/internal/service/session"
	"conversation-stream-coordinator/internal/service/timing"
	"conversation-stream-coordinator/internal/transport/realtime"
)

func main() {
	cfg := config.Load()

	logging.Init(logging.Config{
		Level:      cfg.Observability.LogLevel,
		Format:     cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
	})
	application := app.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Turns and response requests go to separate topics
	publisher := events.New(&events.Config{
		Enabled:        cfg.Kafka.Enabled,
		Brokers:        cfg.Kafka.Brokers,
		TopicTurns:     cfg.Kafka.TopicTurns,
		TopicResponses: cfg.Kafka.TopicResponses,
		Principal:      cfg.Kafka.Principal,
	})
	defer publisher.Close()

	obsServer := observability.NewServer(cfg.Observability.MetricsAddr, application.Ready)
	obsServer.Start()

	opts := session.Options{
		Coordinator:   coordinator.Config{DebounceWindow: cfg.Coordinator.DebounceWindow},
		WordDuration:  cfg.Coordinator.WordDuration,
		DrainInterval: cfg.Coordinator.DrainInterval,
		AudioFormat: timing.AudioFormat{
			Format:     cfg.Audio.Format,
			SampleRate: cfg.Audio.SampleRateHz,
			Channels:   cfg.Audio.Channels,
		},
		Publisher: publisher,
	}
	registry := session.NewRegistry(ctx, opts)
	defer registry.Close()

	if cfg.Realtime.URL != "" {
		if err := startRealtimeSession(ctx, cfg, registry, opts); err != nil {
			log.Fatal().Err(err).Msg("Failed to start realtime session")
		}
	}

	lis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
	if err != nil {
		log.Fatal().Err(err).Str("port", cfg.Service.GRPCPort).Msg("Failed to listen")
	}

	server := grpc.NewServer(
		grpc.UnaryInterceptor(observability.UnaryServerInterceptor()),
		grpc.StreamInterceptor(observability.StreamServerInterceptor(metrics.DefaultMetrics)),
	)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcapi.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	grpcapi.Register(server, registry)

	// Enable gRPC reflection for debugging tools like grpcurl
	reflection.Register(server)

	go func() {
		log.Info().Str("port", cfg.Service.GRPCPort).Msg("gRPC ingest listening")
		if err := server.Serve(lis); err != nil {
			log.Fatal().Err(err).Msg("gRPC serve failed")
		}
	}()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Service.HTTPPort,
		Handler:      httpapi.NewRouter(application, registry, schema.New()),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
	}
	go func() {
		log.Info().Str("port", cfg.Service.HTTPPort).Msg("HTTP state API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP serve failed")
		}
	}()

	if err := application.Start(); err != nil {
		log.Fatal().Err(err).Msg("Application start failed")
	}

	<-ctx.Done()

	application.Shutdown()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	server.GracefulStop()
	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Observability shutdown failed")
	}
	log.Info().Msg("Shutdown complete")
}

// startRealtimeSession dials the voice API and binds the connection to a
// new session that it both feeds and responds through.
func startRealtimeSession(ctx context.Context, cfg *config.Configuration, registry *session.Registry, opts session.Options) error {
	sess, err := session.New(uuid.NewString(), opts)
	if err != nil {
		return err
	}

	client, err := realtime.Dial(ctx, realtime.Config{
		URL:    cfg.Realtime.URL,
		APIKey: cfg.Realtime.APIKey,
		Model:  cfg.Realtime.Model,
	}, sess)
	if err != nil {
		return err
	}
	sess.SetResponder(client)

	if err := client.UpdateSession(ctx, realtime.SessionUpdate{
		InputAudioFormat:   cfg.Audio.Format,
		OutputAudioFormat:  cfg.Audio.Format,
		TranscriptionModel: "whisper-1",
		ServerVAD:          true,
	}); err != nil {
		client.Close()
		return err
	}
	if err := registry.Add(sess); err != nil {
		client.Close()
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-client.Done():
			logger := logging.WithSession(sess.ID())
			logger.Warn().Msg("Realtime connection ended")
		}
	}()
	log.Info().Str("sessionId", sess.ID()).Msg("Realtime session started")
	return nil
}
