package config

// -----------------------------------------------------------------------------
// Embedded configuration
//
// Populate embeddedConfigs at build time (e.g. via code generation) or
// manually during development.
// Key: device ID (same value placed in ctx under CtxDeviceKey)
// Val: raw JSON bytes for that device
// -----------------------------------------------------------------------------

const cfgAirsense = `{
  "hal": {
    "version": 1,
    "buses": [
      {"id": "i2c0", "type": "i2c", "impl": "periph", "params": {"freq_hz": 100000}}
    ],
    "devices": [
      {
        "id": "co2-0",
        "type": "scd4x",
        "bus_ref": {"id": "i2c0", "type": "i2c"},
        "params": {
          "variant": "scd41",
          "mode": "normal",
          "altitude_m": 0,
          "temp_offset_c": 0,
          "auto_calibrate": true,
          "maintenance": true
        }
      }
    ]
  },
  "bridge": {
    "broker_url": "tcp://127.0.0.1:1883",
    "client_id": "airsense",
    "topic_prefix": "airsense"
  },
  "metrics": {
    "listen": ":9105"
  },
  "heartbeat": {
    "interval": 2
  }
}`

var embeddedConfigs = map[string][]byte{
	"airsense": []byte(cfgAirsense),
}
