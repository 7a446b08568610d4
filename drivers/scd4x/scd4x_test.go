package scd4x

import (
	"errors"
	"math"
	"testing"
	"time"

	"airsense-go/drivers/scd4x/scd4xtest"
)

func fastConfig() Config {
	return Config{
		CommandDelay:  time.Microsecond,
		StopDelay:     time.Millisecond,
		PersistDelay:  time.Millisecond,
		ResetDelay:    time.Millisecond,
		SelfTestDelay: time.Millisecond,
	}
}

func newDevice(t *testing.T, sim *scd4xtest.Sim) *Device {
	t.Helper()
	d := New(sim, SCD41)
	if err := d.Configure(fastConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	return d
}

func TestConfigure_Probe(t *testing.T) {
	sim := scd4xtest.NewSim()
	d := New(sim, SCD41)

	cfg := fastConfig()
	cfg.AutoCalibrate = true
	if err := d.Configure(cfg); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if !sim.ASC {
		t.Error("auto-self-calibration not applied")
	}
}

func TestConfigure_NotDetected(t *testing.T) {
	sim := scd4xtest.NewSim()
	sim.Absent = true
	d := New(sim, SCD41)

	if err := d.Configure(fastConfig()); !errors.Is(err, ErrNotDetected) {
		t.Fatalf("expected ErrNotDetected, got %v", err)
	}
}

func TestConfigure_StopsRunningPeriodic(t *testing.T) {
	sim := scd4xtest.NewSim()
	sim.Periodic = true
	d := New(sim, SCD41)

	if err := d.Configure(fastConfig()); err != nil {
		t.Fatalf("configure with running sensor: %v", err)
	}
	if sim.Stops == 0 {
		t.Error("periodic measurement was not stopped")
	}
	if sim.Periodic {
		t.Error("sensor still in periodic mode after configure")
	}
}

func TestSerialNumber(t *testing.T) {
	d := newDevice(t, scd4xtest.NewSim())

	sn, err := d.SerialNumber()
	if err != nil {
		t.Fatalf("serial number: %v", err)
	}
	if sn != "F4A5C3112233" {
		t.Fatalf("serial = %q, want F4A5C3112233", sn)
	}
}

func TestReadMeasurement(t *testing.T) {
	sim := scd4xtest.NewSim()
	d := newDevice(t, sim)

	if _, err := d.ReadMeasurement(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady before sample, got %v", err)
	}

	sim.SetSample(820, 0x6666, 0x8000)
	m, err := d.ReadMeasurement()
	if err != nil {
		t.Fatalf("read measurement: %v", err)
	}
	if m.CO2 != 820 {
		t.Errorf("co2 = %d, want 820", m.CO2)
	}
	if math.Abs(float64(m.Celsius())-25.0) > 0.01 {
		t.Errorf("temperature = %.3f, want 25.0", m.Celsius())
	}
	if math.Abs(float64(m.RelHumidity())-50.0) > 0.01 {
		t.Errorf("humidity = %.3f, want 50.0", m.RelHumidity())
	}
	// Sample consumed.
	if _, err := d.ReadMeasurement(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady after consuming sample, got %v", err)
	}
}

func TestTemperatureOffset_RoundTrip(t *testing.T) {
	d := newDevice(t, scd4xtest.NewSim())

	if err := d.SetTemperatureOffset(1.75); err != nil {
		t.Fatalf("set offset: %v", err)
	}
	got, err := d.TemperatureOffset()
	if err != nil {
		t.Fatalf("get offset: %v", err)
	}
	if math.Abs(float64(got)-1.75) > 0.01 {
		t.Errorf("offset = %.4f, want 1.75", got)
	}
}

func TestSensorAltitude_RoundTrip(t *testing.T) {
	d := newDevice(t, scd4xtest.NewSim())

	if err := d.SetSensorAltitude(1608); err != nil {
		t.Fatalf("set altitude: %v", err)
	}
	got, err := d.SensorAltitude()
	if err != nil {
		t.Fatalf("get altitude: %v", err)
	}
	if got != 1608 {
		t.Errorf("altitude = %d, want 1608", got)
	}
}

func TestMeasureSingleShot_VariantGate(t *testing.T) {
	sim := scd4xtest.NewSim()

	d40 := New(sim, SCD40)
	if err := d40.Configure(fastConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := d40.MeasureSingleShot(); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported on SCD40, got %v", err)
	}

	d41 := newDevice(t, sim)
	if err := d41.MeasureSingleShot(); err != nil {
		t.Fatalf("single shot on SCD41: %v", err)
	}
	if sim.SingleShots != 1 {
		t.Errorf("single shots = %d, want 1", sim.SingleShots)
	}
}

func TestSelfTest(t *testing.T) {
	sim := scd4xtest.NewSim()
	d := newDevice(t, sim)

	if err := d.PerformSelfTest(); err != nil {
		t.Fatalf("self-test pass: %v", err)
	}
	sim.SelfTestResult = 0x0100
	if err := d.PerformSelfTest(); !errors.Is(err, ErrSelfTest) {
		t.Fatalf("self-test error = %v, want ErrSelfTest", err)
	}
	if sim.SelfTests != 2 {
		t.Errorf("self-tests = %d, want 2", sim.SelfTests)
	}
}

func TestFactoryResetAndPersist(t *testing.T) {
	sim := scd4xtest.NewSim()
	d := newDevice(t, sim)

	if err := d.SetSensorAltitude(500); err != nil {
		t.Fatal(err)
	}
	if err := d.PersistSettings(); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if sim.Persists != 1 {
		t.Errorf("persists = %d, want 1", sim.Persists)
	}

	if err := d.PerformFactoryReset(); err != nil {
		t.Fatalf("factory reset: %v", err)
	}
	alt, err := d.SensorAltitude()
	if err != nil {
		t.Fatal(err)
	}
	if alt != 0 {
		t.Errorf("altitude after factory reset = %d, want 0", alt)
	}
}

func TestCRC8(t *testing.T) {
	// Reference value from the Sensirion datasheet: CRC(0xBEEF) = 0x92.
	if got := crc8([]byte{0xbe, 0xef}); got != 0x92 {
		t.Fatalf("crc8(0xBEEF) = 0x%02x, want 0x92", got)
	}
}
