//go:build opencv

package main

import (
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/felixge/fgprof"
	"github.com/rs/zerolog/log"

	_ "github.com/kai5263499/zone-counter/backend/docs" // Swagger docs
	"github.com/kai5263499/zone-counter/backend/internal/config"
	"github.com/kai5263499/zone-counter/backend/internal/counting"
	"github.com/kai5263499/zone-counter/backend/internal/logger"
	"github.com/kai5263499/zone-counter/backend/internal/metrics"
	"github.com/kai5263499/zone-counter/backend/internal/server"
	"github.com/kai5263499/zone-counter/backend/internal/store"
	"github.com/kai5263499/zone-counter/backend/pkg/camera"
)

// @title Zone Counter API
// @version 0.1.0
// @description Vehicle counting API for video streams with two-zone direction detection
// @termsOfService http://swagger.io/terms/

// @contact.name API Support
// @contact.url https://github.com/kai5263499/zone-counter

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http

// @tag.name Streams
// @tag.description Stream counting control and live output

// @tag.name Vehicles
// @tag.description Recorded vehicle crossings

// @tag.name Snapshots
// @tag.description Event snapshot images

// @tag.name System
// @tag.description System status and configuration

func openStream(sc config.StreamConfig) (camera.Source, error) {
	s := camera.NewStream(sc.Name, sc.URL, sc.Width, sc.Height)
	if err := s.Open(); err != nil {
		return nil, err
	}
	return s, nil
}

func main() {
	logger.Init("info")

	configPath := os.Getenv("ZONE_COUNTER_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	// Start pprof and fgprof server on separate port for performance profiling
	go func() {
		log.Info().Msg("Starting profiling server on :6060")
		log.Info().Str("pprof", "http://localhost:6060/debug/pprof").Msg("Standard pprof available")
		log.Info().Str("fgprof", "http://localhost:6060/debug/fgprof").Msg("Full goroutine profiler available")

		http.DefaultServeMux.Handle("/debug/fgprof", fgprof.Handler())

		if err := http.ListenAndServe(":6060", nil); err != nil {
			log.Error().Err(err).Msg("Profiling server error")
		}
	}()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load configuration")
	}
	snap := cfg.Get()
	logger.Init(snap.LogLevel)

	log.Info().Str("version", counting.Version).Msg("Starting zone-counter")
	log.Info().Int("streams", len(snap.Streams)).Msg("Loaded streams")

	db, err := store.Open(snap.Storage.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", snap.Storage.DBPath).Msg("Failed to open vehicle store")
	}
	defer db.Close()

	var m *metrics.Metrics
	if !snap.Metrics.Disabled {
		m = metrics.New()
	}

	mgr := counting.NewManager(cfg, db, m, openStream, counting.OpenTracker)
	if err := mgr.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start counting")
	}
	defer mgr.Stop()

	apiServer := server.New(cfg, configPath, mgr, db, m)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start API server")
		}
	}()

	log.Info().Int("port", snap.Server.Port).Msg("Swagger UI available at /swagger/index.html")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down gracefully...")
	_ = apiServer.Stop()
}
