// Package scd4xtest provides an in-memory SCD4x bus simulator for tests.
// It answers the driver's command words the way a real sensor would,
// including CRC framing, so driver and adaptor tests can run wire-level
// without hardware.
package scd4xtest

import (
	"errors"
	"sync"
)

// Command words mirrored from the datasheet.
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

// ErrNoDevice simulates a missing sensor (no ACK on the bus).
var ErrNoDevice = errors.New("scd4xtest: no device")

// ErrBus simulates a transient bus failure.
var ErrBus = errors.New("scd4xtest: bus failure")

// Sim is a behavioural SCD4x model implementing the tinygo drivers.I2C Tx
// shape. The zero value is a present, idle SCD41-like device with serial
// 0xF4A5C3_112233.
type Sim struct {
	mu sync.Mutex

	// Absent makes every transaction fail, as if the sensor were missing.
	Absent bool
	// FailNext makes the next transaction fail with ErrBus.
	FailNext bool

	// Serial is the 48-bit serial as three words. Zero means the default.
	Serial [3]uint16

	// Measurement state.
	Ready bool
	CO2   uint16
	Temp  uint16
	Hum   uint16

	// Settings.
	Altitude   uint16
	TempOffset uint16
	ASC        bool

	// Periodic / single-shot state.
	Periodic bool
	LowPower bool

	// SelfTestResult is the word returned by the self-test readback;
	// 0 means "no malfunction".
	SelfTestResult uint16

	// Call counters, for assertions.
	Starts        int
	LowStarts     int
	Stops         int
	SingleShots   int
	FactoryResets int
	SelfTests     int
	Persists      int
	Reinits       int

	lastCmd uint16
}

// NewSim returns a Sim with a known serial and a first sample loaded.
func NewSim() *Sim {
	return &Sim{
		Serial: [3]uint16{0xf4a5, 0xc311, 0x2233},
		CO2:    600,
		Temp:   0x6666, // ~25 °C
		Hum:    0x8000, // 50 %RH
	}
}

// Tx implements the drivers.I2C contract.
func (s *Sim) Tx(addr uint16, w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Absent {
		return ErrNoDevice
	}
	if s.FailNext {
		s.FailNext = false
		return ErrBus
	}

	// Bare read: only used for the delayed self-test result.
	if len(w) == 0 {
		if s.lastCmd != cmdPerformSelfTest {
			return errors.New("scd4xtest: unexpected bare read")
		}
		putWords(r, s.SelfTestResult)
		return nil
	}
	if len(w) < 2 {
		return errors.New("scd4xtest: short write")
	}

	cmd := uint16(w[0])<<8 | uint16(w[1])
	s.lastCmd = cmd

	switch cmd {
	case cmdWakeUp:
		// Not acknowledged while a periodic measurement runs.
		if s.Periodic {
			return errors.New("scd4xtest: nack in periodic mode")
		}
	case cmdStartPeriodic:
		s.Periodic, s.LowPower = true, false
		s.Starts++
	case cmdStartLowPowerPeriodic:
		s.Periodic, s.LowPower = true, true
		s.LowStarts++
	case cmdStopPeriodic:
		s.Periodic = false
		s.Stops++
	case cmdMeasureSingleShot:
		s.SingleShots++
	case cmdGetDataReady:
		var word uint16
		if s.Ready {
			word = 0x0001
		}
		putWords(r, word)
	case cmdReadMeasurement:
		if !s.Ready {
			return errors.New("scd4xtest: read with no data")
		}
		putWords(r, s.CO2, s.Temp, s.Hum)
		s.Ready = false
	case cmdGetSerialNumber:
		putWords(r, s.Serial[0], s.Serial[1], s.Serial[2])
	case cmdGetAltitude:
		putWords(r, s.Altitude)
	case cmdSetAltitude:
		s.Altitude = argWord(w)
	case cmdGetTempOffset:
		putWords(r, s.TempOffset)
	case cmdSetTempOffset:
		s.TempOffset = argWord(w)
	case cmdGetASCEnabled:
		var v uint16
		if s.ASC {
			v = 1
		}
		putWords(r, v)
	case cmdSetASCEnabled:
		s.ASC = argWord(w) != 0
	case cmdPersistSettings:
		s.Persists++
	case cmdPerformFactoryReset:
		s.Altitude = 0
		s.TempOffset = 0x5da // factory default 4 °C
		s.ASC = true
		s.FactoryResets++
	case cmdPerformSelfTest:
		s.SelfTests++
	case cmdReinit:
		s.Reinits++
	default:
		return errors.New("scd4xtest: unknown command")
	}
	return nil
}

// SetSample loads one pending measurement and marks data ready.
func (s *Sim) SetSample(co2, temp, hum uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CO2, s.Temp, s.Hum = co2, temp, hum
	s.Ready = true
}

func argWord(w []byte) uint16 {
	if len(w) < 5 {
		return 0
	}
	return uint16(w[2])<<8 | uint16(w[3])
}

func putWords(r []byte, words ...uint16) {
	for i, v := range words {
		if 3*i+2 >= len(r) {
			return
		}
		r[3*i] = byte(v >> 8)
		r[3*i+1] = byte(v)
		r[3*i+2] = crc8(r[3*i : 3*i+2])
	}
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
