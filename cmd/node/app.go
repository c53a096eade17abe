package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"k8s.io/client-go/kubernetes"

	"scaletozero/internal/coordinator"
	"scaletozero/internal/hpa"
	"scaletozero/internal/idledetector"
	"scaletozero/internal/kernelmap"
	"scaletozero/internal/kernelmirror"
	"scaletozero/internal/metrics"
	"scaletozero/internal/packetconsumer"
	"scaletozero/internal/packetsource"
	"scaletozero/internal/registry"
	"scaletozero/internal/scheduler"
	"scaletozero/internal/watcher"
	k8sapi "scaletozero/internal/workloadapi/k8s"
	"scaletozero/pkg/config"
	"scaletozero/pkg/logger"
)

// Application manages the lifecycle of one node's scaling engine,
// following the teacher's cmd/app.go shape: an ordered Initialize()
// step table, a Start() that launches every long-running loop as a
// tracked goroutine, and a Shutdown(timeout) that cancels, waits on
// those goroutines bounded by timeout, then runs cleanup in reverse.
type Application struct {
	config *config.Config

	clientset kubernetes.Interface
	workload  *k8sapi.Client
	registry  *registry.Registry

	table  *kernelmap.EBPFTable
	bridge *kernelmap.Bridge

	source   packetsource.Source
	consumer *packetconsumer.Consumer
	detector *idledetector.Detector

	hpaMgr      *hpa.Manager
	sched       *scheduler.Scheduler
	watcher     *watcher.Watcher
	coord       *coordinator.Coordinator
	mirror      *kernelmirror.Mirror
	metricsReg  *metrics.Registry
	metricsSrv  *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cleanupFuncs []func()
}

// NewApplication returns an Application ready for Initialize().
func NewApplication() *Application {
	ctx, cancel := context.WithCancel(context.Background())
	return &Application{
		ctx:          ctx,
		cancel:       cancel,
		cleanupFuncs: make([]func(), 0),
	}
}

func (app *Application) registerCleanup(cleanup func()) {
	app.cleanupFuncs = append(app.cleanupFuncs, cleanup)
}

// Initialize wires every component in dependency order, failing fast on
// the first step that errors.
func (app *Application) Initialize() error {
	var err error

	steps := []struct {
		name string
		fn   func() error
	}{
		{"Configuration", app.initConfig},
		{"Logging", app.initLogger},
		{"Kubernetes Client", app.initKubernetes},
		{"Registry", app.initRegistry},
		{"Kernel Map Bridge", app.initKernelMap},
		{"Packet Source", app.initPacketSource},
		{"Autoscaler Manager", app.initAutoscaler},
		{"Scheduler", app.initScheduler},
		{"Packet Consumer", app.initPacketConsumer},
		{"Idle Detector", app.initIdleDetector},
		{"Cluster Watcher", app.initWatcher},
		{"Coordinator", app.initCoordinator},
		{"Kernel Map Mirror", app.initKernelMirror},
		{"Metrics", app.initMetrics},
	}

	for _, step := range steps {
		logger.InfoCtx(app.ctx, "Initializing %s...", step.name)
		if err = step.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
		logger.InfoCtx(app.ctx, "%s initialized successfully", step.name)
	}

	logger.InfoCtx(app.ctx, "Application initialization completed")
	return nil
}

// Start launches every long-running loop as a goroutine tracked by
// app.wg, so Shutdown can wait for them to drain.
func (app *Application) Start() error {
	logger.InfoCtx(app.ctx, "Starting application components...")

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.bridge.Run(app.ctx)
	}()

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.consumer.Run(app.ctx)
	}()

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.detector.Run(app.ctx)
	}()

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.watcher.Run(app.ctx); err != nil {
			logger.ErrorCtx(app.ctx, "cluster watcher stopped: %v", err)
		}
	}()

	if app.coord != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.coord.Run(app.ctx)
		}()
	}

	if app.mirror != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.mirror.Run(app.ctx, app.bridge)
		}()
	}

	if app.metricsSrv != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			logger.InfoCtx(app.ctx, "metrics server listening on %s", app.metricsSrv.Addr)
			if err := app.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.ErrorCtx(app.ctx, "metrics server error: %v", err)
			}
		}()
	}

	if app.metricsReg != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.runMetricsGaugeLoop(app.ctx)
		}()
	}

	logger.InfoCtx(app.ctx, "All components started successfully")
	return nil
}

// Shutdown cancels app's context, waits up to timeout for every
// tracked goroutine to exit, then runs registered cleanups in reverse.
func (app *Application) Shutdown(timeout time.Duration) error {
	logger.InfoCtx(app.ctx, "Starting graceful shutdown (timeout: %v)...", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	app.cancel()

	if app.metricsSrv != nil {
		if err := app.metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.ErrorCtx(app.ctx, "metrics server shutdown error: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.InfoCtx(app.ctx, "All background tasks completed")
	case <-shutdownCtx.Done():
		logger.WarnCtx(app.ctx, "Shutdown timeout, some tasks may not have completed")
	}

	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		app.cleanupFuncs[i]()
	}

	logger.Sync()
	return nil
}

func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return err
	}
	app.config = config.GlobalConfig
	app.ctx = logger.WithNodeID(app.ctx, app.config.NodeID)
	return nil
}

func (app *Application) initLogger() error {
	return logger.Init()
}

func (app *Application) initKubernetes() error {
	clientset, err := k8sapi.NewClientset(app.config.Cluster.Kubeconfig)
	if err != nil {
		return err
	}
	app.clientset = clientset
	app.workload = k8sapi.NewClientFromClientset(clientset)
	return nil
}

func (app *Application) initRegistry() error {
	app.registry = registry.New()
	return nil
}

func (app *Application) initKernelMap() error {
	table, err := kernelmap.OpenPinned(app.config.KernelMap.PinPath)
	if err != nil {
		return err
	}
	app.table = table
	app.registerCleanup(func() {
		if err := app.table.Close(); err != nil {
			logger.ErrorCtx(app.ctx, "kernel map close error: %v", err)
		}
	})
	app.bridge = kernelmap.New(table, app.registry, app.config.KernelMap.ReconcilerInterval)
	return nil
}

func (app *Application) initPacketSource() error {
	reader, err := packetsource.OpenPinnedRingBuffer(app.config.KernelMap.PacketSourcePin)
	if err != nil {
		return err
	}
	app.source = packetsource.NewRingBufferSource(reader)
	return nil
}

func (app *Application) initAutoscaler() error {
	app.hpaMgr = hpa.New(app.clientset)
	return nil
}

func (app *Application) initScheduler() error {
	app.sched = scheduler.New(app.registry, app.bridge, app.workload, app.hpaMgr, scheduler.Config{
		RateWindow:     app.config.Scheduler.ScaleUpRateWindow,
		ReadyTimeout:   app.config.Scheduler.ScaleUpReadyTimeout,
		InterStepDelay: app.config.Scheduler.InterServiceDelay,
		RecreateDelay:  app.config.Autoscaler.RecreateDelay,
	})
	return nil
}

func (app *Application) initPacketConsumer() error {
	app.consumer = packetconsumer.New(app.registry, app.source, app.sched)
	return nil
}

func (app *Application) initIdleDetector() error {
	app.detector = idledetector.New(app.registry, app.sched, time.Second)
	return nil
}

func (app *Application) initWatcher() error {
	app.watcher = watcher.New(app.clientset, app.registry, app.bridge, app.workload, app.hpaMgr, app.config.Cluster.Namespace)
	return nil
}

func (app *Application) initCoordinator() error {
	if !app.config.Coordinator.Enabled {
		return nil
	}
	coord, err := coordinator.New(coordinator.Config{
		Endpoints:    app.config.Coordinator.Endpoints,
		NodeID:       app.config.NodeID,
		SyncInterval: app.config.Coordinator.SyncInterval,
		LeaderTTL:    app.config.Coordinator.LeaderTTL,
	}, app.registry, app.bridge)
	if err != nil {
		return err
	}
	app.coord = coord
	app.consumer.SetActivityPublisher(coord)
	app.registerCleanup(func() {
		if err := app.coord.Close(); err != nil {
			logger.ErrorCtx(app.ctx, "coordinator close error: %v", err)
		}
	})
	return nil
}

func (app *Application) initKernelMirror() error {
	if app.config.Coordinator.Enabled || app.config.KernelMirror.Addr == "" {
		return nil
	}
	mirror, err := kernelmirror.New(app.config.KernelMirror.Addr, app.config.KernelMirror.Password, app.config.KernelMirror.DB)
	if err != nil {
		return err
	}
	app.mirror = mirror
	app.registerCleanup(func() {
		if err := app.mirror.Close(); err != nil {
			logger.ErrorCtx(app.ctx, "kernel map mirror close error: %v", err)
		}
	})
	return nil
}

func (app *Application) initMetrics() error {
	if !app.config.Metrics.Enabled {
		return nil
	}
	reg, promReg := metrics.New()
	app.metricsReg = reg
	app.sched.SetMetrics(reg)
	app.consumer.SetLatencyObserver(reg.PacketEventLatency)
	app.detector.SetCycleObserver(reg.IdleCycleDuration)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(promReg))
	app.metricsSrv = &http.Server{Addr: app.config.Metrics.Addr, Handler: mux}
	return nil
}

// runMetricsGaugeLoop keeps the registry-size and coordinator
// LOCAL_ONLY gauges current: unlike the counters/histograms the other
// components push directly through their optional-hook setters, these
// two read point-in-time state nothing else observes as it happens, so
// cmd/node samples them itself on the idle detector's cadence.
func (app *Application) runMetricsGaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			app.metricsReg.RegistrySize.Set(float64(app.registry.Len()))
			if app.coord != nil {
				localOnly := 0.0
				if app.coord.LocalOnly() {
					localOnly = 1.0
				}
				app.metricsReg.CoordinatorLocalOnly.Set(localOnly)
			}
		}
	}
}
