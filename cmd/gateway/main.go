// cmd/gateway/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zaydabash/real-time-iot-edge-agent/internal/auth"
	"github.com/zaydabash/real-time-iot-edge-agent/internal/config"
	"github.com/zaydabash/real-time-iot-edge-agent/internal/detector"
	"github.com/zaydabash/real-time-iot-edge-agent/internal/detector/external"
	"github.com/zaydabash/real-time-iot-edge-agent/internal/detector/mediandeviation"
	"github.com/zaydabash/real-time-iot-edge-agent/internal/detector/zscore"
	"github.com/zaydabash/real-time-iot-edge-agent/internal/eventbus"
	"github.com/zaydabash/real-time-iot-edge-agent/internal/pipeline"
	"github.com/zaydabash/real-time-iot-edge-agent/internal/ratelimit"
	"github.com/zaydabash/real-time-iot-edge-agent/internal/store"
	"github.com/zaydabash/real-time-iot-edge-agent/internal/transport/httpedge"
	"github.com/zaydabash/real-time-iot-edge-agent/internal/transport/mqttedge"
	"github.com/zaydabash/real-time-iot-edge-agent/internal/transport/wsgateway"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("gateway exited with error", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// --- Initialize Components ---
	db, err := store.Open(cfg.DBPath, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	det, engineName, err := buildDetector(cfg, log)
	if err != nil {
		return fmt.Errorf("build detector: %w", err)
	}

	bus := eventbus.New()

	pl := pipeline.New(db, det, bus, pipeline.Config{
		AllowAutoDevice: cfg.AllowAutoDevice,
		MQTTBatchSize:   cfg.MQTTBatchSize,
		MQTTFlushEvery:  cfg.MQTTFlushEvery,
		IdleTimeout:     cfg.IdleWorkerTimeout,
	}, log)

	checker, err := auth.NewChecker(cfg.IngestAPIKey)
	if err != nil {
		return fmt.Errorf("build auth checker: %w", err)
	}
	limiter := ratelimit.New(20)
	edge := httpedge.New(pl, db, checker, limiter, string(engineName), log)

	wsGate := wsgateway.New(bus, log)

	dataServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.DataPort),
		Handler: edge.Router(),
	}

	uiMux := http.NewServeMux()
	uiMux.HandleFunc("/ws", wsGate.ServeHTTP)
	uiServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.UIPort),
		Handler: uiMux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var mqttBridge *mqttedge.Bridge
	if cfg.MQTTEnable {
		mqttBridge, err = mqttedge.New(cfg.MQTTBrokerURL, "iot-gateway", pl, log)
		if err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		defer mqttBridge.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting data ingestion server", zap.Int("port", cfg.DataPort))
		if err := dataServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("data server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info("starting dashboard websocket server", zap.Int("port", cfg.UIPort))
		if err := uiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("ui server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()

		dataServer.Shutdown(shutdownCtx)
		uiServer.Shutdown(shutdownCtx)
		pl.Shutdown(shutdownCtx)
		return nil
	})

	return g.Wait()
}

func buildDetector(cfg *config.Config, log *zap.Logger) (detector.Detector, config.Engine, error) {
	switch cfg.Engine {
	case config.EngineZScore:
		return zscore.New(cfg.WindowSize, cfg.ZScoreThreshold), config.EngineZScore, nil
	case config.EngineExternal:
		if !cfg.ExternalMLEnable {
			log.Warn("EXTERNAL_ML_ENABLE is false but ANOMALY_ENGINE=external; falling back to zscore")
			return zscore.New(cfg.WindowSize, cfg.ZScoreThreshold), config.EngineZScore, nil
		}
		timeout := cfg.ExternalMLTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		return external.New(cfg.ExternalMLURL, timeout, cfg.WindowSize, cfg.ZScoreThreshold, log), config.EngineExternal, nil
	case config.EngineMedianDeviation, "":
		return mediandeviation.New(cfg.WindowSize, cfg.ThresholdPercentile), config.EngineMedianDeviation, nil
	default:
		return nil, "", fmt.Errorf("unknown ANOMALY_ENGINE %q", cfg.Engine)
	}
}
