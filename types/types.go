// Package types holds the payload schema shared by the services: the
// capability kinds, link states and fixed-point value structs that cross
// the bus and, via the bridge, the MQTT uplink.
package types

// Capability kinds published under hal/capability/<kind>/<id>.
const (
	KindCO2         = "co2"
	KindTemperature = "temperature"
	KindHumidity    = "humidity"
)

// Link levels reported on capability state topics.
const (
	LinkUp       = "up"
	LinkDown     = "down"
	LinkDegraded = "degraded"
)

// HALState is retained at hal/state.
type HALState struct {
	Level  string `json:"level"`  // "idle", "ready", "error", "stopped"
	Status string `json:"status"` // short machine-readable code
	Error  string `json:"error,omitempty"`
	TsMs   int64  `json:"ts_ms"`
}

// CapabilityStatus is retained at hal/capability/<kind>/<id>/state.
type CapabilityStatus struct {
	Link  string `json:"link"`
	Error string `json:"error,omitempty"`
	TsMs  int64  `json:"ts_ms"`
}

// Value payloads are fixed-point so readings survive JSON round-trips
// without float drift.

// CO2Value appears on co2 value topics.
type CO2Value struct {
	PPM  uint16 `json:"ppm"`
	TsMs int64  `json:"ts_ms"`
}

// TemperatureValue carries tenths of a degree Celsius (253 => 25.3 C).
type TemperatureValue struct {
	DeciC int32 `json:"deci_c"`
	TsMs  int64 `json:"ts_ms"`
}

// HumidityValue carries hundredths of %RH (4875 => 48.75 %RH).
type HumidityValue struct {
	RHx100 uint16 `json:"rh_x100"`
	TsMs   int64  `json:"ts_ms"`
}
