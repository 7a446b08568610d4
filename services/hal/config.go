package hal

// Minimal JSON config structures.

type HALConfig struct {
	Version int      `json:"version"`
	Buses   []BusCfg `json:"buses"`
	Devices []DevCfg `json:"devices"`
}

type BusCfg struct {
	ID     string `json:"id"`   // "i2c0"
	Type   string `json:"type"` // "i2c"
	Impl   string `json:"impl"` // e.g. "periph" (informational)
	Params struct {
		FreqHz int `json:"freq_hz"`
	} `json:"params"`
}

type DevCfg struct {
	ID     string    `json:"id"`   // "scd41-0"
	Type   string    `json:"type"` // "scd4x"
	BusRef DevBusRef `json:"bus_ref"`
	Params any       `json:"params,omitempty"` // device-specific shape; may be a map or struct
}

type DevBusRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}
