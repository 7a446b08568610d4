// Package scd4x provides a driver for the Sensirion SCD40/SCD41 CO2,
// temperature and humidity sensor.
//
// The device speaks 16-bit command words over I2C; every data word on the
// wire is followed by a CRC-8 byte. Periodic measurement modes are started
// and stopped explicitly; while a periodic mode runs, only a small set of
// commands is legal (read measurement, data-ready, stop).
//
// NOTE: I2C.Tx MUST perform a write followed by a repeated-start read when
// both w and r are provided, without releasing the bus.
package scd4x

import (
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"tinygo.org/x/drivers"
)

// I2C address. SCD40 and SCD41 only support this one.
const Address = 0x62

// Variant selects the sensor model. Single-shot measurement is an SCD41
// feature only.
type Variant uint8

const (
	SCD40 Variant = iota
	SCD41
)

// Command words (per datasheet).
const (
	cmdStartPeriodic         = 0x21b1
	cmdStartLowPowerPeriodic = 0x21ac
	cmdMeasureSingleShot     = 0x219d
	cmdStopPeriodic          = 0x3f86
	cmdReadMeasurement       = 0xec05
	cmdGetDataReady          = 0xe4b8
	cmdGetSerialNumber       = 0x3682
	cmdGetTempOffset         = 0x2318
	cmdSetTempOffset         = 0x241d
	cmdGetAltitude           = 0x2322
	cmdSetAltitude           = 0x2427
	cmdGetASCEnabled         = 0x2313
	cmdSetASCEnabled         = 0x2416
	cmdPersistSettings       = 0x3615
	cmdPerformFactoryReset   = 0x3632
	cmdPerformSelfTest       = 0x3639
	cmdReinit                = 0x3646
	cmdWakeUp                = 0x36f6
)

// Errors returned by the driver.
var (
	ErrNotDetected = errors.New("scd4x: sensor not detected")
	ErrNotReady    = errors.New("scd4x: data not ready")
	ErrCRC         = errors.New("scd4x: invalid crc")
	ErrUnsupported = errors.New("scd4x: unsupported on this variant")
	ErrSelfTest    = errors.New("scd4x: self-test reported malfunction")
)

// Config controls probe behaviour and the long command execution delays.
// All delay fields default to datasheet values; tests shrink them.
type Config struct {
	// Address defaults to 0x62 if zero.
	Address uint16
	// AutoCalibrate enables the sensor's automatic self-calibration at
	// Configure time.
	AutoCalibrate bool

	// CommandDelay is the settle time after short write-only commands.
	// Default 1 ms.
	CommandDelay time.Duration
	// StopDelay is the settle time after stop_periodic_measurement.
	// Default 500 ms.
	StopDelay time.Duration
	// PersistDelay covers persist_settings (datasheet: up to 800 ms).
	PersistDelay time.Duration
	// ResetDelay covers perform_factory_reset (datasheet: up to 1200 ms).
	ResetDelay time.Duration
	// SelfTestDelay covers perform_self_test (datasheet: up to 10 s).
	SelfTestDelay time.Duration
}

// Measurement is one completed sample.
type Measurement struct {
	// CO2 concentration in parts per million.
	CO2 uint16
	// Raw 16-bit temperature and humidity words.
	RawTemp     uint16
	RawHumidity uint16
}

// Celsius returns the temperature in °C.
func (m Measurement) Celsius() float32 {
	return -45 + 175*float32(m.RawTemp)/65535
}

// RelHumidity returns relative humidity in %RH.
func (m Measurement) RelHumidity() float32 {
	return 100 * float32(m.RawHumidity) / 65535
}

// DeciCelsius returns tenths of °C.
func (m Measurement) DeciCelsius() int32 {
	return (-45*65535 + 175*int32(m.RawTemp)) * 10 / 65535
}

// DeciRelHumidity returns tenths of %RH.
func (m Measurement) DeciRelHumidity() int32 {
	return int32(m.RawHumidity) * 1000 / 65535
}

// Device wraps an I2C connection to an SCD4x sensor.
type Device struct {
	bus     drivers.I2C
	Address uint16
	variant Variant
	cfg     Config
	buf     [9]byte
}

// New creates a new SCD4x connection. The I2C bus must already be configured.
// This function only creates the Device object; it does not touch the device.
func New(bus drivers.I2C, variant Variant) *Device {
	return &Device{bus: bus, Address: Address, variant: variant}
}

func (d *Device) Variant() Variant { return d.variant }

// Configure wakes the sensor, forces it out of any running periodic mode,
// probes it via a serial-number read and applies the auto-self-calibration
// setting. It returns ErrNotDetected when the sensor does not answer.
func (d *Device) Configure(cfg Config) error {
	if cfg.Address != 0 {
		d.Address = cfg.Address
	}
	if cfg.CommandDelay <= 0 {
		cfg.CommandDelay = time.Millisecond
	}
	if cfg.StopDelay <= 0 {
		cfg.StopDelay = 500 * time.Millisecond
	}
	if cfg.PersistDelay <= 0 {
		cfg.PersistDelay = 800 * time.Millisecond
	}
	if cfg.ResetDelay <= 0 {
		cfg.ResetDelay = 1200 * time.Millisecond
	}
	if cfg.SelfTestDelay <= 0 {
		cfg.SelfTestDelay = 10 * time.Second
	}
	d.cfg = cfg

	// The wake-up command is not acknowledged while a periodic measurement
	// runs; a stop makes the idle state certain either way.
	if err := d.command(cmdWakeUp); err != nil {
		if err := d.StopPeriodicMeasurement(); err != nil {
			return ErrNotDetected
		}
	}
	time.Sleep(30 * time.Millisecond)

	if _, err := d.SerialNumber(); err != nil {
		return ErrNotDetected
	}
	return d.SetAutoCalibration(cfg.AutoCalibrate)
}

// -----------------------------------------------------------------------------
// Measurement lifecycle
// -----------------------------------------------------------------------------

// StartPeriodicMeasurement begins free-running sampling (~5 s cadence).
func (d *Device) StartPeriodicMeasurement() error {
	return d.command(cmdStartPeriodic)
}

// StartLowPowerPeriodicMeasurement begins low-power sampling (~30 s cadence).
func (d *Device) StartLowPowerPeriodicMeasurement() error {
	return d.command(cmdStartLowPowerPeriodic)
}

// StopPeriodicMeasurement halts sampling. The sensor needs ~500 ms before it
// accepts further commands.
func (d *Device) StopPeriodicMeasurement() error {
	if err := d.writeCommand(cmdStopPeriodic); err != nil {
		return err
	}
	time.Sleep(d.stopDelay())
	return nil
}

// MeasureSingleShot requests one on-demand sample (SCD41 only). The result
// becomes readable after roughly 5 s.
func (d *Device) MeasureSingleShot() error {
	if d.variant != SCD41 {
		return ErrUnsupported
	}
	return d.command(cmdMeasureSingleShot)
}

// DataReady reports whether a completed measurement is waiting.
func (d *Device) DataReady() (bool, error) {
	words, err := d.readWords(cmdGetDataReady, 1)
	if err != nil {
		return false, err
	}
	return words[0]&0x07ff != 0, nil
}

// ReadMeasurement fetches one completed sample. It returns ErrNotReady when
// the sensor has nothing new to report.
func (d *Device) ReadMeasurement() (Measurement, error) {
	ready, err := d.DataReady()
	if err != nil {
		return Measurement{}, err
	}
	if !ready {
		return Measurement{}, ErrNotReady
	}
	words, err := d.readWords(cmdReadMeasurement, 3)
	if err != nil {
		return Measurement{}, err
	}
	return Measurement{CO2: words[0], RawTemp: words[1], RawHumidity: words[2]}, nil
}

// -----------------------------------------------------------------------------
// Identity and settings
// -----------------------------------------------------------------------------

// SerialNumber reads the 48-bit unique serial and returns it as 12 upper-case
// hex characters. Only legal while periodic measurement is stopped.
func (d *Device) SerialNumber() (string, error) {
	words, err := d.readWords(cmdGetSerialNumber, 3)
	if err != nil {
		return "", err
	}
	raw := []byte{
		byte(words[0] >> 8), byte(words[0]),
		byte(words[1] >> 8), byte(words[1]),
		byte(words[2] >> 8), byte(words[2]),
	}
	return strings.ToUpper(hex.EncodeToString(raw)), nil
}

// SensorAltitude returns the configured altitude compensation in metres.
func (d *Device) SensorAltitude() (uint16, error) {
	words, err := d.readWords(cmdGetAltitude, 1)
	if err != nil {
		return 0, err
	}
	return words[0], nil
}

// SetSensorAltitude sets altitude compensation in metres (not persisted).
func (d *Device) SetSensorAltitude(metres uint16) error {
	return d.writeWord(cmdSetAltitude, metres)
}

// TemperatureOffset returns the configured offset in °C.
func (d *Device) TemperatureOffset() (float32, error) {
	words, err := d.readWords(cmdGetTempOffset, 1)
	if err != nil {
		return 0, err
	}
	return 175 * float32(words[0]) / 65535, nil
}

// SetTemperatureOffset sets the offset in °C (not persisted).
func (d *Device) SetTemperatureOffset(offset float32) error {
	return d.writeWord(cmdSetTempOffset, uint16(offset*65535/175+0.5))
}

// AutoCalibrationEnabled reports the automatic self-calibration setting.
func (d *Device) AutoCalibrationEnabled() (bool, error) {
	words, err := d.readWords(cmdGetASCEnabled, 1)
	if err != nil {
		return false, err
	}
	return words[0] != 0, nil
}

// SetAutoCalibration switches automatic self-calibration on or off.
func (d *Device) SetAutoCalibration(enabled bool) error {
	var v uint16
	if enabled {
		v = 1
	}
	return d.writeWord(cmdSetASCEnabled, v)
}

// -----------------------------------------------------------------------------
// Maintenance
// -----------------------------------------------------------------------------

// PersistSettings writes altitude/offset/ASC settings to the sensor EEPROM.
// Slow: blocks up to PersistDelay (~800 ms).
func (d *Device) PersistSettings() error {
	if err := d.writeCommand(cmdPersistSettings); err != nil {
		return err
	}
	time.Sleep(d.cfg.PersistDelay)
	return nil
}

// PerformFactoryReset restores factory settings, including EEPROM content.
// Blocks up to ResetDelay (~1.2 s).
func (d *Device) PerformFactoryReset() error {
	if err := d.writeCommand(cmdPerformFactoryReset); err != nil {
		return err
	}
	time.Sleep(d.cfg.ResetDelay)
	return nil
}

// PerformSelfTest runs the built-in self-test and returns ErrSelfTest when
// the sensor reports a malfunction. Blocks up to SelfTestDelay (~10 s).
func (d *Device) PerformSelfTest() error {
	w := []byte{cmdPerformSelfTest >> 8, cmdPerformSelfTest & 0xff}
	if err := d.bus.Tx(d.Address, w, nil); err != nil {
		return err
	}
	time.Sleep(d.cfg.SelfTestDelay)
	r := d.buf[:3]
	if err := d.bus.Tx(d.Address, nil, r); err != nil {
		return err
	}
	if crc8(r[:2]) != r[2] {
		return ErrCRC
	}
	if r[0] != 0 || r[1] != 0 {
		return ErrSelfTest
	}
	return nil
}

// Reinit reloads settings from EEPROM.
func (d *Device) Reinit() error {
	if err := d.writeCommand(cmdReinit); err != nil {
		return err
	}
	time.Sleep(30 * time.Millisecond)
	return nil
}

// -----------------------------------------------------------------------------
// Wire helpers
// -----------------------------------------------------------------------------

func (d *Device) stopDelay() time.Duration {
	if d.cfg.StopDelay > 0 {
		return d.cfg.StopDelay
	}
	return 500 * time.Millisecond
}

func (d *Device) commandDelay() time.Duration {
	if d.cfg.CommandDelay > 0 {
		return d.cfg.CommandDelay
	}
	return time.Millisecond
}

// writeCommand sends a bare 16-bit command word.
func (d *Device) writeCommand(cmd uint16) error {
	return d.bus.Tx(d.Address, []byte{byte(cmd >> 8), byte(cmd)}, nil)
}

// command sends a bare command and waits the short execution time.
func (d *Device) command(cmd uint16) error {
	if err := d.writeCommand(cmd); err != nil {
		return err
	}
	time.Sleep(d.commandDelay())
	return nil
}

// writeWord sends a command with one CRC-protected argument word.
func (d *Device) writeWord(cmd, val uint16) error {
	w := []byte{byte(cmd >> 8), byte(cmd), byte(val >> 8), byte(val), 0}
	w[4] = crc8(w[2:4])
	if err := d.bus.Tx(d.Address, w, nil); err != nil {
		return err
	}
	time.Sleep(d.commandDelay())
	return nil
}

// readWords sends a command and reads n CRC-protected words back.
func (d *Device) readWords(cmd uint16, n int) ([]uint16, error) {
	w := []byte{byte(cmd >> 8), byte(cmd)}
	r := d.buf[:3*n]
	if err := d.bus.Tx(d.Address, w, r); err != nil {
		return nil, err
	}
	words := make([]uint16, n)
	for i := 0; i < n; i++ {
		if crc8(r[3*i:3*i+2]) != r[3*i+2] {
			return nil, ErrCRC
		}
		words[i] = uint16(r[3*i])<<8 | uint16(r[3*i+1])
	}
	return words, nil
}

// crc8 is the Sensirion CRC (poly 0x31, init 0xFF).
func crc8(data []byte) byte {
	crc := byte(0xff)
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
