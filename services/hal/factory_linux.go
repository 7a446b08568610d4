// services/hal/factory_linux.go
//go:build linux

package hal

import (
	"sync"

	"github.com/sirupsen/logrus"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
	"tinygo.org/x/drivers"
)

// linuxI2CFactory opens kernel I²C buses on demand via periph and memoises
// them. Bus ids from config (e.g. "i2c0") map to periph bus names
// (e.g. "/dev/i2c-1" or "1"); unmapped ids are passed through as-is.
type linuxI2CFactory struct {
	mu       sync.Mutex
	names    map[string]string
	opened   map[string]drivers.I2C
	initOnce sync.Once
	initErr  error
}

// NewLinuxI2CFactory builds a factory with an explicit id-to-bus-name map.
func NewLinuxI2CFactory(names map[string]string) I2CBusFactory {
	return &linuxI2CFactory{names: names, opened: map[string]drivers.I2C{}}
}

// DefaultI2CFactory opens buses by their config id directly.
func DefaultI2CFactory() I2CBusFactory { return NewLinuxI2CFactory(nil) }

func (f *linuxI2CFactory) ByID(id string) (drivers.I2C, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if b, ok := f.opened[id]; ok {
		return b, true
	}
	f.initOnce.Do(func() {
		_, f.initErr = host.Init()
	})
	if f.initErr != nil {
		logrus.WithError(f.initErr).Error("periph host init failed")
		return nil, false
	}
	name := f.names[id]
	if name == "" {
		name = id
	}
	b, err := i2creg.Open(name)
	if err != nil {
		logrus.WithField("bus", name).WithError(err).Error("i2c open failed")
		return nil, false
	}
	d := periphI2C{bus: b}
	f.opened[id] = d
	return d, true
}

// periphI2C adapts a periph i2c.Bus to the tinygo driver Tx shape.
type periphI2C struct{ bus i2c.Bus }

func (p periphI2C) Tx(addr uint16, w, r []byte) error { return p.bus.Tx(addr, w, r) }
