// Package loader handles daemon configuration file loading and validation.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Validating the result
//   - Converting sections into the options of the packages they configure
package loader

import (
	"fmt"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/kilnworks/dehydrator/internal/actuator"
	"github.com/kilnworks/dehydrator/internal/errors"
	"github.com/kilnworks/dehydrator/internal/handler"
	"github.com/kilnworks/dehydrator/internal/hw"
	"github.com/kilnworks/dehydrator/internal/nvs"
	"github.com/kilnworks/dehydrator/internal/schedule"
	"github.com/kilnworks/dehydrator/internal/server"
	"github.com/kilnworks/dehydrator/internal/storage/parquet"
	"gopkg.in/yaml.v3"
)

// Hardware modes.
const (
	ModeSim    = "sim"
	ModePeriph = "periph"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file. Keys missing from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses a YAML document over the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	if cfg.Listen == "" {
		errs.AddField("listen", "cannot be empty")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		errs.AddField("tls", "cert_file and key_file must be set together")
	}
	if cfg.MaxRequestSize <= 0 {
		errs.AddField("max_request_size", "must be positive")
	}

	if !slices.Contains([]string{"debug", "info", "warn", "warning", "error"}, cfg.Log.Level) {
		errs.AddField("log.level", fmt.Sprintf("unknown level %q", cfg.Log.Level))
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		errs.AddField("log.format", "must be text or json")
	}

	switch cfg.Storage.Backend {
	case nvs.BackendFile, nvs.BackendDuckDB:
		if cfg.Storage.DataDir == "" {
			errs.AddField("storage.data_dir", "cannot be empty")
		}
	case nvs.BackendMemory:
	default:
		errs.AddField("storage.backend", fmt.Sprintf("unknown backend %q", cfg.Storage.Backend))
	}
	if cfg.Storage.MeasuredPartition == "" {
		errs.AddField("storage.measured_partition", "cannot be empty")
	}
	if cfg.Storage.NVSPartition == "" {
		errs.AddField("storage.nvs_partition", "cannot be empty")
	}
	if cfg.Storage.MeasuredPartition == cfg.Storage.NVSPartition {
		errs.AddField("storage.nvs_partition", "must differ from measured_partition")
	}

	switch cfg.Export.ParquetCompression {
	case "snappy", "zstd", "lz4", "gzip", "none":
	default:
		errs.AddField("export.parquet_compression", fmt.Sprintf("unknown codec %q", cfg.Export.ParquetCompression))
	}

	validateHardware(errs, &cfg.Hardware)

	if cfg.Actuator.StepDelay < 0 {
		errs.AddField("actuator.step_delay", "cannot be negative")
	}
	if cfg.Actuator.HomingMaxSteps <= 0 {
		errs.AddField("actuator.homing_max_steps", "must be positive")
	}
	if cfg.Actuator.Tick <= 0 {
		errs.AddField("actuator.tick", "must be positive")
	}

	if cfg.Sampler.MeasurementPeriod.Duration() < time.Millisecond {
		errs.AddField("sampler.measurement_period", "must be at least 1ms")
	}

	return errs.Err()
}

func validateHardware(errs *errors.ValidationErrors, h *HardwareConfig) {
	switch h.Mode {
	case ModeSim:
		return
	case ModePeriph:
	default:
		errs.AddField("hardware.mode", fmt.Sprintf("unknown mode %q", h.Mode))
		return
	}

	if h.InsideAddr == h.OutsideAddr {
		errs.AddField("hardware.outside_addr", "must differ from inside_addr")
	}
	if len(h.MotorPins) != 4 {
		errs.AddField("hardware.motor_pins", "needs exactly 4 pins")
	}
	if len(h.HallPins) != 3 {
		errs.AddField("hardware.hall_pins", "needs exactly 3 pins")
	}
	if h.ShutdownPin == "" {
		errs.AddField("hardware.shutdown_pin", "cannot be empty")
	}
	if h.SerialPort == "" {
		errs.AddField("hardware.serial_port", "cannot be empty")
	}
	if h.SerialBaud <= 0 {
		errs.AddField("hardware.serial_baud", "must be positive")
	}
}

// =============================================================================
// Conversion
// =============================================================================

// ToPeriphConfig converts the hardware section. Call after Validate.
func ToPeriphConfig(h *HardwareConfig) hw.PeriphConfig {
	pc := hw.PeriphConfig{
		I2CBus:        h.I2CBus,
		InsideAddr:    h.InsideAddr,
		OutsideAddr:   h.OutsideAddr,
		ShutdownPin:   h.ShutdownPin,
		ShutdownPulse: h.ShutdownPulse.Duration(),
		SerialPort:    h.SerialPort,
		SerialBaud:    h.SerialBaud,
		SerialTimeout: h.SerialTimeout.Duration(),
	}
	copy(pc.MotorPins[:], h.MotorPins)
	copy(pc.HallPins[:], h.HallPins)
	return pc
}

// ToActuatorOptions converts the actuator section.
func ToActuatorOptions(a *ActuatorConfig) actuator.Options {
	return actuator.Options{
		StepDelay: a.StepDelay.Duration(),
		MaxSteps:  a.HomingMaxSteps,
	}
}

// ToFileOptions converts the storage section for nvs.Open.
func ToFileOptions(s *StorageConfig) nvs.FileOptions {
	return nvs.FileOptions{
		Sync:          s.Sync,
		MaxRecordSize: int(s.MaxRecordSize.Bytes()),
	}
}

// ToParquetOptions converts the export section.
func ToParquetOptions(e *ExportConfig) parquet.Options {
	return parquet.Options{
		Compression:    parquet.ParseCompressionType(e.ParquetCompression),
		PageBufferSize: int(e.ParquetPageBuffer.Bytes()),
	}
}

// ToHandlerOptions builds the control plane options.
func ToHandlerOptions(cfg *Config) handler.Options {
	return handler.Options{
		MaxRequestBytes: cfg.MaxRequestSize.Bytes(),
		Parquet:         ToParquetOptions(&cfg.Export),
	}
}

// ToServerConfig builds the HTTP server configuration around h.
func ToServerConfig(cfg *Config, h http.Handler) *server.Config {
	return &server.Config{
		Handler:         h,
		Listen:          cfg.Listen,
		TLSCertFile:     cfg.TLS.CertFile,
		TLSKeyFile:      cfg.TLS.KeyFile,
		ShutdownTimeout: cfg.ShutdownTimeout.Duration(),
	}
}

// BootSchedule returns the profile the controller starts with. The clock
// starts at now.
func BootSchedule(s *SamplerConfig, now time.Time) schedule.Config {
	c := schedule.Default(now)
	c.MeasurementPeriodMs = uint32(s.MeasurementPeriod.Duration() / time.Millisecond)
	c.NWavelets = s.NWavelets
	c.WCut = s.WCut
	return c
}
