// frogd is the headless control daemon for the instrument: it owns the device
// registry and exposes a small HTTP API for scripts and frontends, plus
// Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"frog/bus"
	"frog/config"
	"frog/hardware"
	"frog/metrics"

	// Device builders register themselves on import.
	_ "frog/devices/ftsw500"
	_ "frog/devices/opus"
	_ "frog/devices/seneca"
	_ "frog/devices/st10"
	_ "frog/devices/tc4820"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	b := bus.New()
	promReg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promReg)
	registry := hardware.NewRegistry(b, recorder)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newRouter(b, registry, recorder, promReg),
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	registry.Shutdown()
}
