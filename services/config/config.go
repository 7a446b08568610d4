package config

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"airsense-go/bus"
)

const (
	serviceName  = "config"
	configPrefix = "config"
	CtxDeviceKey = "device" // context key used for device ID
)

// EmbeddedConfigLookup allows overriding how configs are resolved.
var EmbeddedConfigLookup = func(device string) ([]byte, bool) {
	b, ok := embeddedConfigs[device]
	return b, ok
}

// -----------------------------------------------------------------------------
// Config Service
// -----------------------------------------------------------------------------

// ConfigService publishes the embedded per-device configuration as one
// retained message per top-level key (config/hal, config/bridge, …).
// Services pick up their section by subscribing to their own key.
type ConfigService struct {
	Name string
	log  *logrus.Entry
}

func NewConfigService() *ConfigService {
	return &ConfigService{Name: serviceName, log: logrus.WithField("svc", serviceName)}
}

func (s *ConfigService) publishConfig(ctx context.Context, conn *bus.Connection) error {
	device, _ := ctx.Value(CtxDeviceKey).(string)
	if device == "" {
		return errors.New("missing device ID in context")
	}

	raw, ok := EmbeddedConfigLookup(device)
	if !ok || len(raw) == 0 {
		return errors.New("no embedded config for device: " + device)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}

	for k, v := range m {
		conn.Publish(&bus.Message{
			Topic:    bus.T(configPrefix, k),
			Payload:  v,
			Retained: true,
		})
	}
	s.log.WithField("device", device).Info("config published")
	return nil
}

// Start launches the config publisher in a goroutine.
func (s *ConfigService) Start(ctx context.Context, conn *bus.Connection) {
	go func() {
		if err := s.publishConfig(ctx, conn); err != nil {
			s.log.WithError(err).Error("config publish failed")
		}
	}()
}
