package main

import (
	"HumanCountServer/config"
	"HumanCountServer/engine"
	backend "HumanCountServer/gRPC"
	"HumanCountServer/handler"
	iface "HumanCountServer/interface"
	"HumanCountServer/logger"
	"HumanCountServer/monitor"
	"HumanCountServer/service"
	"HumanCountServer/worker"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const shutdownTimeout = 10 * time.Second

// newBackend picks the model implementation. The ONNX detector is loaded on
// the first request rather than at startup.
func newBackend(ctx context.Context, cfg config.ModelConfig) (iface.Backend, func() bool, error) {
	switch cfg.Backend {
	case "remote":
		r := engine.NewRemote(cfg.RemoteURL, cfg.RemoteTimeout)
		if err := r.CheckHealth(ctx); err != nil {
			logger.Log().Warn("remote detector not healthy yet", zap.Error(err))
		}
		return r, func() bool { return true }, nil
	case "onnx":
		lazy := engine.NewLazy(func() (iface.Backend, error) {
			names, err := engine.LoadNames(cfg.Labels)
			if err != nil {
				return nil, fmt.Errorf("load labels: %w", err)
			}
			d := &engine.Detector{InputSize: cfg.InputSize}
			d.New(cfg.Replicas)
			if err := d.LoadModel(cfg.Path, names, cfg.Conf, cfg.Iou, cfg.UseGPU); err != nil {
				return nil, err
			}
			logger.Log().Info("model loaded",
				zap.String("path", cfg.Path),
				zap.Int("replicas", cfg.Replicas),
				zap.Bool("gpu", cfg.UseGPU))
			return d, nil
		})
		return lazy, lazy.Loaded, nil
	default:
		return nil, nil, fmt.Errorf("unsupported model backend: %s", cfg.Backend)
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Failed to load config:", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Server.Mode); err != nil {
		fmt.Println("Failed to initialize logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	fmt.Println(strings.Repeat("#", 64))
	fmt.Printf("CPU Cores: %d\n", runtime.NumCPU())
	fmt.Println(" HTTP  Port:", cfg.Server.Port)
	fmt.Println("Configured Workers Num:", cfg.Workers.Num)
	fmt.Println("Model Replicas:", cfg.Model.Replicas)
	fmt.Println(strings.Repeat("#", 64))
	if cfg.Model.UseGPU {
		fmt.Println("If you need GPU acceleration, please make sure that your GPU has enough memory to hold every replica.")
	}

	logger.S().Infof("model backend %s (%s), detect threshold %.2f", cfg.Model.Backend, cfg.Model.Path, cfg.Detect.Threshold)
	handler.Version = Version
	if err := run(cfg); err != nil {
		logger.Log().Error("server exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Log().Info("Safely exited")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Storage.TempDir, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	model, loaded, err := newBackend(ctx, cfg.Model)
	if err != nil {
		return err
	}
	defer model.Destroy()

	pool := worker.New(cfg.Workers.Num)
	pool.Start()
	defer pool.Stop()

	var mon *monitor.Monitor
	if cfg.Monitor.Enabled {
		mon = monitor.New()
	}

	artifacts := service.NewArtifactStore(cfg.Storage.TempDir)
	predictor := service.NewPredictor(artifacts, model, pool, service.Options{
		Threshold:    cfg.Detect.Threshold,
		TargetClass:  cfg.Detect.TargetClass,
		ChunkSize:    cfg.Storage.ChunkSize,
		MaxInFlight:  cfg.Workers.MaxInFlight,
		QueueTimeout: cfg.Workers.QueueTimeout,
		Monitor:      mon,
	})

	router := handler.NewRouter(cfg.Server.Mode,
		handler.NewPredictHandler(predictor, artifacts, mon),
		handler.Health(cfg.Model.Path, loaded))
	httpSrv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Log().Info("server starting", zap.String("port", cfg.Server.Port), zap.String("version", Version))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if cfg.GRPC.Enabled {
		rpc := backend.NewServer(predictor, artifacts, mon)
		grpcSrv, lis, err := backend.StartGRPCServer(cfg.GRPC.Port, rpc)
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			if err := grpcSrv.Serve(lis); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-rpc.CloseChannel:
				stop()
			}
			grpcSrv.GracefulStop()
			return nil
		})
	}

	if mon != nil {
		g.Go(func() error {
			return mon.Run(gctx, cfg.Monitor.Port, cfg.Monitor.SampleInterval)
		})
	}

	if cfg.Storage.ArtifactTTL > 0 {
		janitor := &service.Janitor{Dir: cfg.Storage.TempDir, TTL: cfg.Storage.ArtifactTTL}
		g.Go(func() error {
			return janitor.Run(gctx, cfg.Storage.SweepInterval)
		})
	}

	err = g.Wait()
	logger.Log().Info("shutting down")
	return err
}
