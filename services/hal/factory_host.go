// services/hal/factory_host.go
//go:build !linux

package hal

import "tinygo.org/x/drivers"

// On non-Linux builds there is no kernel I²C to open; tests inject fakes.
func DefaultI2CFactory() I2CBusFactory { return noI2CFactory{} }

type noI2CFactory struct{}

func (noI2CFactory) ByID(string) (drivers.I2C, bool) { return nil, false }
