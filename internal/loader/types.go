// Package loader - Configuration Types
//
// Defines the YAML configuration structure for dehydratord.
//
//	listen, tls:  control plane address and transport security
//	log:          level and format of the structured log
//	storage:      raw store backend and partition names
//	export:       Parquet export settings
//	hardware:     simulated rig or real peripherals
//	actuator:     damper stepping and homing
//	sampler:      boot measurement profile (runtime changes go through POST /config)
package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kilnworks/dehydrator/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for dehydratord.
type Config struct {
	// Listen is the HTTP control plane listen address.
	// Format: "host:port" or ":port"
	// Default: "0.0.0.0:8080"
	Listen string `yaml:"listen"`

	// TLS configures transport layer security.
	TLS TLSConfig `yaml:"tls"`

	// ShutdownTimeout is how long in-flight requests may run on stop.
	// Default: 5s
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// MaxRequestSize limits POST bodies.
	// Default: 64KB
	MaxRequestSize ByteSize `yaml:"max_request_size"`

	// Log configures the structured logger.
	Log LogConfig `yaml:"log"`

	// Storage configures the raw store.
	Storage StorageConfig `yaml:"storage"`

	// Export configures the measurement downloads.
	Export ExportConfig `yaml:"export"`

	// Hardware selects and configures the peripherals.
	Hardware HardwareConfig `yaml:"hardware"`

	// Actuator configures the damper motor.
	Actuator ActuatorConfig `yaml:"actuator"`

	// Sampler is the boot measurement profile.
	Sampler SamplerConfig `yaml:"sampler"`
}

// TLSConfig configures transport layer security.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	// Leave empty to serve plain HTTP.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: "info"
	Level string `yaml:"level"`

	// Format is "text" or "json".
	// Default: "text"
	Format string `yaml:"format"`
}

// =============================================================================
// Storage Configuration
// =============================================================================

// StorageConfig configures the raw store.
type StorageConfig struct {
	// Backend is file, duckdb or memory. memory loses everything on exit.
	// Default: "file"
	Backend string `yaml:"backend"`

	// DataDir holds one file per partition.
	// Default: "data"
	DataDir string `yaml:"data_dir"`

	// MeasuredPartition holds measurement batches and log markers.
	// Default: "measured"
	MeasuredPartition string `yaml:"measured_partition"`

	// NVSPartition holds calibrations.
	// Default: "nvs"
	NVSPartition string `yaml:"nvs_partition"`

	// Sync fsyncs every record of the file backend.
	// Default: true
	Sync bool `yaml:"sync"`

	// MaxRecordSize rejects larger records in the file backend.
	// Default: 1MB
	MaxRecordSize ByteSize `yaml:"max_record_size"`
}

// ExportConfig configures the measurement downloads.
type ExportConfig struct {
	// ParquetCompression is snappy, zstd, lz4, gzip or none.
	// Default: "zstd"
	ParquetCompression string `yaml:"parquet_compression"`

	// ParquetPageBuffer is the Parquet page buffer size.
	// Default: 256KB
	ParquetPageBuffer ByteSize `yaml:"parquet_page_buffer"`
}

// =============================================================================
// Hardware Configuration
// =============================================================================

// HardwareConfig selects the peripherals.
type HardwareConfig struct {
	// Mode is "sim" for the simulated rig or "periph" for the board.
	// Default: "sim"
	Mode string `yaml:"mode"`

	// I2CBus names the bus of both climate sensors. Empty picks the first.
	I2CBus string `yaml:"i2c_bus"`

	// InsideAddr is the I²C address of the inside SHT3x.
	// Default: 0x44
	InsideAddr uint16 `yaml:"inside_addr"`

	// OutsideAddr is the I²C address of the outside SHT3x.
	// Default: 0x45
	OutsideAddr uint16 `yaml:"outside_addr"`

	// MotorPins are the four coil pins of the damper motor, in phase order.
	MotorPins []string `yaml:"motor_pins"`

	// HallPins are the min, mid and max proximity sensor pins.
	HallPins []string `yaml:"hall_pins"`

	// ShutdownPin drives the power-off circuit.
	// Default: "GPIO26"
	ShutdownPin string `yaml:"shutdown_pin"`

	// ShutdownPulse is the power-off pulse width.
	// Default: 100ms
	ShutdownPulse Duration `yaml:"shutdown_pulse"`

	// SerialPort is the ADC bridge device.
	// Default: "/dev/ttyUSB0"
	SerialPort string `yaml:"serial_port"`

	// SerialBaud is the ADC bridge line speed.
	// Default: 115200
	SerialBaud int `yaml:"serial_baud"`

	// SerialTimeout bounds one bridge request.
	// Default: 500ms
	SerialTimeout Duration `yaml:"serial_timeout"`
}

// ActuatorConfig configures the damper motor.
type ActuatorConfig struct {
	// StepDelay is the pause before every half step.
	// Default: 20ms
	StepDelay Duration `yaml:"step_delay"`

	// HomingMaxSteps bounds each homing sweep.
	// Default: 4096
	HomingMaxSteps int `yaml:"homing_max_steps"`

	// Tick is the actuation period.
	// Default: 1s
	Tick Duration `yaml:"tick"`
}

// SamplerConfig is the measurement profile applied at boot.
type SamplerConfig struct {
	// MeasurementPeriod is the wait between samples.
	// Default: 2s
	MeasurementPeriod Duration `yaml:"measurement_period"`

	// NWavelets is handed to the web client.
	// Default: 40
	NWavelets uint16 `yaml:"n_wavelets"`

	// WCut is the absolute humidity threshold in g/m³.
	// Default: 12
	WCut float32 `yaml:"w_cut"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Listen:          config.DefaultListenAddress,
		ShutdownTimeout: Duration(config.DefaultShutdownTimeoutSec * time.Second),
		MaxRequestSize:  config.DefaultMaxRequestBytes,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Backend:           "file",
			DataDir:           config.DefaultDataDir,
			MeasuredPartition: config.DefaultMeasuredPartition,
			NVSPartition:      config.DefaultNVSPartition,
			Sync:              true,
			MaxRecordSize:     1024 * 1024,
		},
		Export: ExportConfig{
			ParquetCompression: "zstd",
			ParquetPageBuffer:  256 * 1024,
		},
		Hardware: HardwareConfig{
			Mode:          config.DefaultHardwareMode,
			I2CBus:        config.DefaultI2CBus,
			InsideAddr:    config.DefaultInsideAddr,
			OutsideAddr:   config.DefaultOutsideAddr,
			MotorPins:     config.DefaultMotorPins[:],
			HallPins:      config.DefaultHallPins[:],
			ShutdownPin:   config.DefaultShutdownPin,
			ShutdownPulse: Duration(config.DefaultShutdownPulse),
			SerialPort:    config.DefaultSerialPort,
			SerialBaud:    config.DefaultSerialBaud,
			SerialTimeout: Duration(config.DefaultSerialTimeout),
		},
		Actuator: ActuatorConfig{
			StepDelay:      Duration(config.DefaultStepDelay),
			HomingMaxSteps: config.DefaultHomingMaxSteps,
			Tick:           Duration(config.DefaultActuationTick),
		},
		Sampler: SamplerConfig{
			MeasurementPeriod: Duration(config.DefaultMeasurementPeriodMs * time.Millisecond),
			NWavelets:         config.DefaultNWavelets,
			WCut:              config.DefaultWCut,
		},
	}
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
// Accepts "250ms", "5s" or a plain number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		// Quoted plain numbers are seconds too.
		if n, nerr := strconv.Atoi(strings.TrimSpace(s)); nerr == nil {
			*d = Duration(time.Duration(n) * time.Second)
			return nil
		}
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports: "64KB", "1MB" or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int64
		if err := unmarshal(&i); err != nil {
			return err
		}
		*b = ByteSize(i)
		return nil
	}
	size, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// byteUnits is ordered longest suffix first so "KB" wins over "B".
var byteUnits = []struct {
	suffix string
	mult   int64
}{
	{"GB", 1024 * 1024 * 1024},
	{"MB", 1024 * 1024},
	{"KB", 1024},
	{"B", 1},
}

// parseByteSize parses a size string like "64KB" or "1MB".
func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			n, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse byte size %q: %w", s, err)
			}
			return n * u.mult, nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", s, err)
	}
	return n, nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}
