// Package config provides configuration defaults for the dehydrator controller.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via dehydrator.yaml or command line flags.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default control plane listen address.
	// Override via config: listen
	DefaultListenAddress = "0.0.0.0:8080"

	// DefaultMaxRequestBytes limits POST bodies on the control plane.
	// The largest legitimate body is a Config document of about 1 KiB.
	DefaultMaxRequestBytes = 64 * 1024

	// DefaultShutdownTimeoutSec is how long the HTTP server waits for in-flight
	// requests when the process is asked to stop.
	DefaultShutdownTimeoutSec = 5
)

// =============================================================================
// Sampling Defaults
// =============================================================================

const (
	// BatchSize is the number of samples per channel in one compressed batch.
	BatchSize = 100

	// DefaultMeasurementPeriodMs is the wait between two samples.
	// Override at runtime via POST /config: measurement_period_ms
	DefaultMeasurementPeriodMs = 2000

	// DefaultNWavelets is the smoothing parameter handed to the web UI.
	DefaultNWavelets = 40

	// DefaultWCut is the inside absolute humidity (g/m³) below which a sample
	// counts as a cutoff.
	DefaultWCut = 12.0

	// MinMeasurementPeriod guards the sampler against a zero period.
	MinMeasurementPeriod = 100 * time.Millisecond
)

// =============================================================================
// Schedule Defaults
// =============================================================================

const (
	// ScheduleSteps is the fixed capacity of the position profile.
	ScheduleSteps = 20

	// DefaultActuationTick is the period of the actuation actor.
	DefaultActuationTick = time.Second
)

// =============================================================================
// Actuator Defaults
// =============================================================================

const (
	// DefaultStepDelay is the pause between two half steps of the damper motor.
	// 512 half steps at 20 ms is a full turn in about 10 s.
	DefaultStepDelay = 20 * time.Millisecond

	// DefaultHomingMaxSteps bounds each homing sweep.
	DefaultHomingMaxSteps = 4096
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultDataDir holds the partitions of the file backend.
	DefaultDataDir = "data"

	// DefaultMeasuredPartition is the partition holding measurement batches.
	DefaultMeasuredPartition = "measured"

	// DefaultNVSPartition is the partition holding calibrations.
	DefaultNVSPartition = "nvs"

	// NamespaceComp names compressed measurement batches.
	NamespaceComp = "comp"

	// NamespaceCompMeta holds the committed-key markers of the measurement log.
	NamespaceCompMeta = "comp.meta"

	// NamespaceCalib names persisted sensor calibrations.
	NamespaceCalib = "calib"

	// CodecLevel is the zstd level used for every channel blob.
	CodecLevel = 8
)

// =============================================================================
// Sensor names
// =============================================================================

const (
	// SensorCurrent is the persisted name of the ACS712 current sensor.
	SensorCurrent = "ACS712"

	// SensorMass is the persisted name of the HX711 load cell.
	SensorMass = "HX711"
)

// =============================================================================
// Hardware Defaults
// =============================================================================

const (
	// DefaultHardwareMode selects the simulated rig. Use "periph" on the
	// board.
	DefaultHardwareMode = "sim"

	// DefaultI2CBus is the bus carrying both SHT3x sensors. Empty selects
	// the first bus periph finds.
	DefaultI2CBus = ""

	// DefaultInsideAddr is the SHT3x with ADDR pulled low.
	DefaultInsideAddr = 0x44

	// DefaultOutsideAddr is the SHT3x with ADDR pulled high.
	DefaultOutsideAddr = 0x45

	// DefaultShutdownPulse is the width of the power-off pulse.
	DefaultShutdownPulse = 100 * time.Millisecond

	// DefaultSerialPort is the ADC bridge carrying HX711 and ACS712 readings.
	DefaultSerialPort = "/dev/ttyUSB0"

	// DefaultSerialBaud is the ADC bridge line speed.
	DefaultSerialBaud = 115200

	// DefaultSerialTimeout bounds one bridge request.
	DefaultSerialTimeout = 500 * time.Millisecond
)

// Default GPIO names of the Raspberry Pi wiring.
var (
	DefaultMotorPins   = [4]string{"GPIO17", "GPIO18", "GPIO27", "GPIO22"}
	DefaultHallPins    = [3]string{"GPIO5", "GPIO6", "GPIO13"}
	DefaultShutdownPin = "GPIO26"
)
