// services/hal/adaptor_scd4x.go
package hal

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"airsense-go/drivers/scd4x"
	"airsense-go/errcode"
	"airsense-go/types"
	"airsense-go/x/strx"
	"airsense-go/x/timex"

	"tinygo.org/x/drivers"
)

// Measurement modes. Normal and low-power run the sensor's free-running
// periodic modes; single-shot (SCD41 only) fires one measurement per cycle.
const (
	scd4xModeNormal     = "normal"
	scd4xModeLowPower   = "low_power"
	scd4xModeSingleShot = "single_shot"
)

// Read cadence per mode, plus the short delays used when a read comes up
// empty or after the sensor has been stopped for maintenance.
const (
	scd4xReadDelayNormal     = 5000 * time.Millisecond
	scd4xReadDelayLowPower   = 30000 * time.Millisecond
	scd4xReadDelaySingleShot = 5000 * time.Millisecond
	scd4xExtendDelay         = 500 * time.Millisecond
	scd4xStopDelay           = 500 * time.Millisecond
)

// Fallback confirmation digits used when no serial number is available.
const scd4xFallbackDigits = "2022"

// SCD4XParams is the device-specific config shape.
type SCD4XParams struct {
	Addr          int     `json:"addr,omitempty"`           // default 0x62
	Variant       string  `json:"variant,omitempty"`        // "scd40" | "scd41" (default)
	Mode          string  `json:"mode,omitempty"`           // "normal" | "low_power" | "single_shot"
	AltitudeM     int     `json:"altitude_m,omitempty"`     // 0 leaves the sensor default
	TempOffsetC   float64 `json:"temp_offset_c,omitempty"`  // essentially-zero values are skipped
	OffsetEpsilon float64 `json:"offset_epsilon,omitempty"` // default 0.001
	AutoCalibrate *bool   `json:"auto_calibrate,omitempty"` // default true
	Maintenance   bool    `json:"maintenance,omitempty"`    // expose storesettings/factoryreset/selftest
}

// scd4xAdaptor drives one SCD40/SCD41. Trigger/Collect run on the worker
// goroutine and Control on the service loop, so shared state is locked.
type scd4xAdaptor struct {
	mu    sync.Mutex
	id    string
	dev   *scd4x.Device
	log   *logrus.Entry
	sched ReadScheduler

	bus         string
	mode        string
	maintenance bool
	serial      string

	// Cached settings, reported by the config queries.
	altitude   uint16
	tempOffset float32
	asc        bool

	// Measurement lifecycle.
	initialized       bool
	firstRead         bool
	singleShotPending bool

	// Maintenance ops armed for the next uninitialized cycle.
	opFactoryReset bool
	opSelfTest     bool

	// Pending confirmation, cleared after any second attempt.
	confirmCode string
	confirmOp   string
}

// newSCD4XAdaptor probes and configures the sensor. devCfg carries the driver
// command delays; callers normally pass a zero Config for datasheet defaults.
func newSCD4XAdaptor(id, busID string, i2c drivers.I2C, p SCD4XParams, devCfg scd4x.Config, sched ReadScheduler, log *logrus.Entry) (*scd4xAdaptor, error) {
	variant := scd4x.SCD41
	if strings.EqualFold(p.Variant, "scd40") {
		variant = scd4x.SCD40
	}
	asc := true
	if p.AutoCalibrate != nil {
		asc = *p.AutoCalibrate
	}
	eps := p.OffsetEpsilon
	if eps <= 0 {
		eps = 0.001
	}
	mode := strx.Coalesce(p.Mode, scd4xModeNormal)
	if mode == scd4xModeSingleShot && variant != scd4x.SCD41 {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "scd4x", Msg: "single_shot requires scd41"}
	}

	devCfg.Address = uint16(p.Addr)
	devCfg.AutoCalibrate = asc
	dev := scd4x.New(i2c, variant)

	a := &scd4xAdaptor{
		id:          id,
		dev:         dev,
		log:         log,
		sched:       sched,
		bus:         busID,
		mode:        mode,
		maintenance: p.Maintenance,
		asc:         asc,
	}

	if err := dev.Configure(devCfg); err != nil {
		if errors.Is(err, scd4x.ErrNotDetected) {
			// The device stays registered but uninitialized; each collect
			// cycle retries the mode start, so a sensor that shows up later
			// is picked up without a reconfigure.
			log.Warn("sensor not detected, device stays uninitialized")
			return a, nil
		}
		return nil, err
	}

	// Altitude and offset are only written when configured: zero altitude and
	// an essentially-zero offset keep whatever the sensor has persisted.
	if p.AltitudeM != 0 {
		if err := dev.SetSensorAltitude(uint16(p.AltitudeM)); err != nil {
			return nil, err
		}
	}
	if math.Abs(p.TempOffsetC) > eps {
		if err := dev.SetTemperatureOffset(float32(p.TempOffsetC)); err != nil {
			return nil, err
		}
	}
	a.refreshSettings()

	if err := a.startMeasurements(); err != nil {
		return nil, err
	}
	a.initialized = true
	a.firstRead = true

	log.WithFields(logrus.Fields{
		"serial": a.serial, "mode": mode, "altitude_m": a.altitude,
	}).Info("scd4x initialised")
	return a, nil
}

// startMeasurements enters the configured measurement mode. Single-shot has
// no free-running mode; the first Trigger fires the measurement instead.
func (a *scd4xAdaptor) startMeasurements() error {
	switch a.mode {
	case scd4xModeSingleShot:
		return nil
	case scd4xModeLowPower:
		return a.dev.StartLowPowerPeriodicMeasurement()
	default:
		return a.dev.StartPeriodicMeasurement()
	}
}

func (a *scd4xAdaptor) readDelay() time.Duration {
	switch a.mode {
	case scd4xModeLowPower:
		return scd4xReadDelayLowPower
	case scd4xModeSingleShot:
		return scd4xReadDelaySingleShot
	default:
		return scd4xReadDelayNormal
	}
}

func (a *scd4xAdaptor) ID() string { return a.id }

func (a *scd4xAdaptor) Capabilities() []CapInfo {
	base := map[string]any{
		"schema_version": 1, "driver": "scd4x",
		"serial": a.serial, "bus": a.bus,
	}
	info := func(unit string, precision float64) map[string]any {
		m := map[string]any{"unit": unit, "precision": precision}
		for k, v := range base {
			m[k] = v
		}
		return m
	}
	return []CapInfo{
		{Kind: types.KindCO2, Info: info("ppm", 1)},
		{Kind: types.KindTemperature, Info: info("C", 0.1)},
		{Kind: types.KindHumidity, Info: info("%RH", 0.01)},
	}
}

func (a *scd4xAdaptor) Trigger(ctx context.Context) (time.Duration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		// Collect handles the maintenance/restart path.
		return 0, nil
	}
	if a.mode == scd4xModeSingleShot && !a.singleShotPending {
		if err := a.dev.MeasureSingleShot(); err != nil {
			return 0, err
		}
		a.singleShotPending = true
		return scd4xReadDelaySingleShot, nil
	}
	return 0, nil
}

func (a *scd4xAdaptor) Collect(ctx context.Context) (Sample, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return nil, a.reinitialize()
	}

	m, err := a.dev.ReadMeasurement()
	if err != nil {
		if errors.Is(err, scd4x.ErrNotReady) {
			// Until the first value of a fresh measurement mode lands the
			// sensor is simply mid-cycle, so wait a full mode period rather
			// than burning short retries.
			if a.firstRead {
				a.sched.RequestRead(a.id, a.readDelay())
				return nil, nil
			}
			return nil, ErrNotReady
		}
		return nil, err
	}
	a.singleShotPending = false

	// The first value after (re)starting a measurement mode is stale; drop it
	// and wait for the next cycle.
	if a.firstRead {
		a.firstRead = false
		a.sched.RequestRead(a.id, scd4xExtendDelay)
		return nil, nil
	}

	ts := timex.NowMs()
	rhx100 := uint16(uint32(m.RawHumidity) * 10000 / 65535)
	return Sample{
		{Kind: types.KindCO2, Payload: types.CO2Value{PPM: m.CO2, TsMs: ts}, TsMs: ts},
		{Kind: types.KindTemperature, Payload: types.TemperatureValue{DeciC: m.DeciCelsius(), TsMs: ts}, TsMs: ts},
		{Kind: types.KindHumidity, Payload: types.HumidityValue{RHx100: rhx100, TsMs: ts}, TsMs: ts},
	}, nil
}

// reinitialize runs any armed maintenance operation, restarts the configured
// measurement mode and schedules the next read once the sensor has settled.
// A failed maintenance command leaves its flag armed, so the next collect
// cycle retries the operation instead of silently skipping it.
func (a *scd4xAdaptor) reinitialize() error {
	if a.opFactoryReset {
		if err := a.dev.PerformFactoryReset(); err != nil {
			a.log.WithError(err).Error("factory reset failed")
			return err
		}
		a.opFactoryReset = false
		a.log.Warn("factory reset performed")
		// The reset wiped the persisted settings while the sensor sits idle;
		// re-read them so the config queries report what the sensor now holds.
		a.refreshSettings()
	}
	if a.opSelfTest {
		err := a.dev.PerformSelfTest()
		switch {
		case err == nil:
			a.log.Info("self-test passed")
		case errors.Is(err, scd4x.ErrSelfTest):
			// The test ran to completion; the verdict is the result.
			a.log.WithError(err).Error("self-test reported malfunction")
		default:
			a.log.WithError(err).Error("self-test failed to run")
			return err
		}
		a.opSelfTest = false
	}
	if err := a.startMeasurements(); err != nil {
		return err
	}
	a.initialized = true
	a.firstRead = true
	a.singleShotPending = false
	a.sched.RequestRead(a.id, scd4xStopDelay)
	return nil
}

// refreshSettings re-reads the values behind the config queries. Best effort:
// a failed read keeps the previous cache. Only valid while the sensor is idle.
func (a *scd4xAdaptor) refreshSettings() {
	if alt, err := a.dev.SensorAltitude(); err == nil {
		a.altitude = alt
	}
	if off, err := a.dev.TemperatureOffset(); err == nil {
		a.tempOffset = off
	}
	if asc, err := a.dev.AutoCalibrationEnabled(); err == nil {
		a.asc = asc
	}
	if sn, err := a.dev.SerialNumber(); err == nil {
		a.serial = sn
	}
}

func (a *scd4xAdaptor) Control(kind, method string, payload any) (any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch method {
	case "getaltitude":
		return int(a.altitude), nil
	case "gettempoffset":
		return strconv.FormatFloat(float64(a.tempOffset), 'f', 2, 32), nil
	case "getdataready":
		ready, err := a.dev.DataReady()
		if err != nil {
			return nil, err
		}
		return ready, nil
	case "getselfcalibration":
		return a.asc, nil
	case "storesettings":
		if !a.maintenance {
			return nil, errcode.Unsupported
		}
		if err := a.dev.PersistSettings(); err != nil {
			return nil, err
		}
		return map[string]any{"status": "stored"}, nil
	case "factoryreset", "selftest":
		if !a.maintenance {
			return nil, errcode.Unsupported
		}
		return a.confirmAndArm(method, codeFromPayload(payload))
	default:
		return nil, ErrUnsupported
	}
}

// confirmAndArm implements the two-step maintenance handshake: the first call
// derives a confirmation code and logs it; a second call must repeat the
// exact code. The stored code is cleared after any second attempt.
func (a *scd4xAdaptor) confirmAndArm(op, code string) (any, error) {
	if a.confirmCode == "" || a.confirmOp != op {
		a.confirmCode = a.deriveCode(op)
		a.confirmOp = op
		a.log.WithField("code", a.confirmCode).Errorf("%s requires confirmation code", op)
		return map[string]any{"status": "confirmation_required"}, nil
	}
	want := a.confirmCode
	a.confirmCode, a.confirmOp = "", ""
	if code != want {
		return nil, errcode.BadCode
	}

	if err := a.dev.StopPeriodicMeasurement(); err != nil {
		return nil, err
	}
	a.initialized = false
	a.firstRead = true
	if op == "factoryreset" {
		a.opFactoryReset = true
	} else {
		a.opSelfTest = true
	}
	a.sched.RequestRead(a.id, scd4xStopDelay)
	return map[string]any{"status": "scheduled"}, nil
}

// deriveCode builds the confirmation code from the cached serial: a fixed
// prefix, four serial characters in an op-specific order, and an op-specific
// suffix. Without a usable serial the four characters fall back to "2022".
func (a *scd4xAdaptor) deriveCode(op string) string {
	var b strings.Builder
	b.WriteString("Scd4x")
	s := a.serial
	switch {
	case len(s) < 11:
		b.WriteString(scd4xFallbackDigits)
	case op == "selftest":
		b.WriteByte(s[3])
		b.WriteByte(s[1])
		b.WriteByte(s[10])
		b.WriteByte(s[6])
	default:
		b.WriteByte(s[1])
		b.WriteByte(s[3])
		b.WriteByte(s[7])
		b.WriteByte(s[10])
	}
	if op == "selftest" {
		b.WriteString("SelF")
	} else {
		b.WriteString("reseT")
	}
	return b.String()
}

// codeFromPayload accepts either a plain string or {"code": "..."}.
func codeFromPayload(p any) string {
	switch v := p.(type) {
	case string:
		return v
	case map[string]any:
		if c, ok := v["code"].(string); ok {
			return c
		}
	}
	return ""
}

// -----------------------------------------------------------------------------
// Builder
// -----------------------------------------------------------------------------

type scd4xBuilder struct{}

func init() { RegisterBuilder("scd4x", scd4xBuilder{}) }

func (scd4xBuilder) Build(in BuildInput) (BuildOutput, error) {
	if in.BusRef.Type != "i2c" || in.BusRef.ID == "" {
		return BuildOutput{}, &errcode.E{C: errcode.InvalidParams, Op: "scd4x", Msg: "needs an i2c bus_ref"}
	}
	i2c, ok := in.Buses.ByID(in.BusRef.ID)
	if !ok {
		return BuildOutput{}, &errcode.E{C: errcode.UnknownBus, Op: "scd4x", Msg: in.BusRef.ID}
	}
	var p SCD4XParams
	if in.ParamsJSON != nil {
		if err := decodeJSON(in.ParamsJSON, &p); err != nil {
			return BuildOutput{}, &errcode.E{C: errcode.InvalidParams, Op: "scd4x", Err: err, Msg: err.Error()}
		}
	}
	ad, err := newSCD4XAdaptor(in.DeviceID, in.BusRef.ID, i2c, p, scd4x.Config{}, in.Sched, in.Log)
	if err != nil {
		return BuildOutput{}, err
	}
	return BuildOutput{
		Adaptor:     ad,
		BusID:       in.BusRef.ID,
		SampleEvery: ad.readDelay(),
		Worker: WorkerConfig{
			TriggerTimeout: time.Second,
			// Collect may run a self-test, which blocks for several seconds.
			CollectTimeout: 15 * time.Second,
			RetryBackoff:   scd4xExtendDelay,
		},
	}, nil
}
