// dehydratord is the dehydrator controller daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kilnworks/dehydrator/config"
	"github.com/kilnworks/dehydrator/internal/actuator"
	"github.com/kilnworks/dehydrator/internal/calib"
	"github.com/kilnworks/dehydrator/internal/controller"
	"github.com/kilnworks/dehydrator/internal/errors"
	"github.com/kilnworks/dehydrator/internal/handler"
	"github.com/kilnworks/dehydrator/internal/hw"
	"github.com/kilnworks/dehydrator/internal/loader"
	"github.com/kilnworks/dehydrator/internal/logging"
	"github.com/kilnworks/dehydrator/internal/nvs"
	"github.com/kilnworks/dehydrator/internal/server"
	"github.com/kilnworks/dehydrator/internal/storage/keylog"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("main")

func main() {
	// CLI flags
	cfgPath := flag.String("config", "dehydrator.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	noTLS := flag.Bool("no-tls", false, "disable TLS")
	dataDir := flag.String("data", "", "data directory (overrides config)")
	backend := flag.String("backend", "", "storage backend: file, duckdb or memory (overrides config)")
	sim := flag.Bool("sim", false, "use simulated hardware")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (overrides config)")
	flag.Parse()

	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = loader.DefaultConfig()
		} else {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}

	// CLI overrides
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *noTLS {
		cfg.TLS.CertFile = ""
		cfg.TLS.KeyFile = ""
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
	}
	if *sim {
		cfg.Hardware.Mode = loader.ModeSim
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	if err := loader.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format == "json")
	log.Info("dehydratord starting", "version", Version, "config", *cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error("dehydratord failed", "error", err)
		os.Exit(1)
	}
	log.Info("dehydratord stopped")
}

func run(ctx context.Context, cfg *loader.Config) error {
	// =========================================================================
	// Raw store
	// =========================================================================

	fileOpts := loader.ToFileOptions(&cfg.Storage)
	if cfg.Storage.Backend != nvs.BackendMemory {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	measured, err := nvs.Open(cfg.Storage.Backend, cfg.Storage.DataDir, cfg.Storage.MeasuredPartition, fileOpts)
	if err != nil {
		return fmt.Errorf("open %s partition: %w", cfg.Storage.MeasuredPartition, err)
	}
	defer measured.Close()

	settings, err := nvs.Open(cfg.Storage.Backend, cfg.Storage.DataDir, cfg.Storage.NVSPartition, fileOpts)
	if err != nil {
		return fmt.Errorf("open %s partition: %w", cfg.Storage.NVSPartition, err)
	}
	defer settings.Close()

	comp, err := measured.Namespace(config.NamespaceComp)
	if err != nil {
		return err
	}
	compMeta, err := measured.Namespace(config.NamespaceCompMeta)
	if err != nil {
		return err
	}
	calNS, err := settings.Namespace(config.NamespaceCalib)
	if err != nil {
		return err
	}

	mlog, err := keylog.Open(comp, compMeta)
	if err != nil {
		return fmt.Errorf("open measurement log: %w", err)
	}
	st := mlog.Stats()
	log.Info("measurement log opened",
		"backend", cfg.Storage.Backend, "batches", mlog.Len(), "source", st.Source)

	// =========================================================================
	// Hardware
	// =========================================================================

	var devices *hw.Devices
	switch cfg.Hardware.Mode {
	case loader.ModePeriph:
		devices, err = hw.OpenPeriph(loader.ToPeriphConfig(&cfg.Hardware))
		if err != nil {
			return fmt.Errorf("open peripherals: %w", err)
		}
	default:
		devices = hw.OpenSim(time.Now()).Devices
	}
	defer devices.Close()

	store := calib.NewStore(calNS)
	pair := calib.NewPair(
		calib.NewSensor(config.SensorCurrent, devices.Current, store),
		calib.NewSensor(config.SensorMass, devices.Mass, store),
	)
	if err := pair.Load(); err != nil {
		return fmt.Errorf("load calibrations: %w", err)
	}

	log.Info("homing damper")
	damper, err := actuator.Home(devices.Motor, devices.Proximity, loader.ToActuatorOptions(&cfg.Actuator))
	if err != nil {
		return fmt.Errorf("home damper: %w", err)
	}
	lo, hi := damper.Bounds()
	log.Info("damper homed", "min", lo, "max", hi, "pos", damper.Position())

	// =========================================================================
	// Controller and control plane
	// =========================================================================

	boot := loader.BootSchedule(&cfg.Sampler, time.Now())
	ctrl := controller.New(controller.Deps{
		Inside:      devices.Inside,
		Outside:     devices.Outside,
		Calibration: pair,
		Log:         mlog,
		Damper:      damper,
		Shutdown:    devices.Shutdown,
	}, controller.Options{
		ActuationTick: cfg.Actuator.Tick.Duration(),
		Boot:          &boot,
	})

	h := handler.NewHandler(ctrl, mlog, loader.ToHandlerOptions(cfg))
	srv := server.New(loader.ToServerConfig(cfg, h.Router()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		addr := srv.Addr(ctx)
		if addr != nil {
			log.Info("control plane listening", "addr", addr.String(), "tls", cfg.TLS.CertFile != "")
		}
		return nil
	})
	return g.Wait()
}
