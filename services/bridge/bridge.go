// bridge/bridge.go
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"airsense-go/bus"
	"airsense-go/x/strx"
	"airsense-go/x/timex"
)

// -----------------------------------------------------------------------------
// Public entry point
// -----------------------------------------------------------------------------

// Start starts the bridge service. It blocks until ctx is cancelled.
// It listens for JSON config on topic {"config","bridge"} and (re)configures
// the MQTT uplink, mirroring the local capability tree to the broker.
func Start(ctx context.Context, conn *bus.Connection) {
	s := &Service{
		conn:       conn,
		log:        logrus.WithField("svc", "bridge"),
		stateTopic: bus.Topic{"bridge", "state"},
	}
	s.run(ctx)
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config is the JSON-encoded configuration expected on "config/bridge".
type Config struct {
	BrokerURL   string `json:"broker_url"`
	ClientID    string `json:"client_id,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	TopicPrefix string `json:"topic_prefix,omitempty"`
	QoS         byte   `json:"qos,omitempty"`
	KeepAliveS  int    `json:"keepalive_s,omitempty"`
}

func (c *Config) applyDefaults() {
	c.ClientID = strx.Coalesce(c.ClientID, "airsense")
	c.TopicPrefix = strx.Coalesce(c.TopicPrefix, "airsense")
	if c.KeepAliveS <= 0 {
		c.KeepAliveS = 30
	}
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

type Service struct {
	conn       *bus.Connection
	log        *logrus.Entry
	stateTopic bus.Topic

	mu     sync.Mutex
	curRun context.CancelFunc
}

// run waits for config and supervises a single uplink instance.
func (s *Service) run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(bus.Topic{"config", "bridge"})
	defer s.conn.Unsubscribe(cfgSub)

	s.publishState("idle", "awaiting_config", nil)

	for {
		select {
		case <-ctx.Done():
			s.stopCurrent()
			return
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				s.publishState("error", "config_subscription_closed", nil)
				return
			}
			cfg, err := decodeConfig(msg.Payload)
			if err != nil {
				s.log.WithError(err).Error("bad bridge config")
				s.publishState("error", "config_decode_failed", err)
				continue
			}
			cfg.applyDefaults()
			s.reconfigure(ctx, cfg)
		}
	}
}

func (s *Service) stopCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
}

func (s *Service) reconfigure(parent context.Context, cfg Config) {
	s.mu.Lock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
	ctx, cancel := context.WithCancel(parent)
	s.curRun = cancel
	s.mu.Unlock()

	go s.runLink(ctx, cfg)
}

// -----------------------------------------------------------------------------
// Link supervision and forwarding
// -----------------------------------------------------------------------------

func (s *Service) runLink(ctx context.Context, cfg Config) {
	up := dialUplink(cfg)
	defer up.Disconnect()

	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)
	for {
		if ctx.Err() != nil {
			return
		}
		err := up.Connect(ctx)
		if err == nil {
			break
		}
		delay := backoff()
		s.publishState("degraded", "dial_failed_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
		if !sleep(ctx, delay) {
			return
		}
	}

	// Mirror capability info/state/value traffic. Subscribed before the state
	// flip so nothing published right after "up" is missed.
	capSub := s.conn.Subscribe(bus.Topic{"hal", "capability", "#"})
	defer s.conn.Unsubscribe(capSub)

	s.publishState("up", "link_established", nil)
	s.log.WithField("broker", cfg.BrokerURL).Info("uplink established")

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-capSub.Channel():
			topic, ok := mqttTopic(cfg.TopicPrefix, m.Topic)
			if !ok {
				continue
			}
			b, err := json.Marshal(m.Payload)
			if err != nil {
				continue
			}
			if err := up.Publish(topic, cfg.QoS, m.Retained, b); err != nil {
				s.log.WithError(err).Warn("uplink publish failed")
				s.publishState("degraded", "publish_failed", err)
			}
		}
	}
}

// mqttTopic maps local capability topics onto the broker namespace:
// hal/capability/<kind>/<id>/value -> <prefix>/<kind>/<id>/value.
// Control and reply traffic stays local.
func mqttTopic(prefix string, t bus.Topic) (string, bool) {
	if t.Len() < 5 {
		return "", false
	}
	if s, _ := t.At(0).(string); s != "hal" {
		return "", false
	}
	if s, _ := t.At(1).(string); s != "capability" {
		return "", false
	}
	leaf, _ := t.At(t.Len() - 1).(string)
	switch leaf {
	case "value", "state", "info":
	default:
		return "", false
	}
	parts := []string{prefix}
	for i := 2; i < t.Len(); i++ {
		switch v := t.At(i).(type) {
		case string:
			parts = append(parts, v)
		case int:
			parts = append(parts, strconv.Itoa(v))
		default:
			return "", false
		}
	}
	return strings.Join(parts, "/"), true
}

// -----------------------------------------------------------------------------
// Uplink
// -----------------------------------------------------------------------------

// uplink is the minimal broker surface the bridge needs; tests inject fakes.
type uplink interface {
	Connect(ctx context.Context) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Disconnect()
}

// dialUplink is replaceable for tests.
var dialUplink = func(cfg Config) uplink { return &pahoUplink{cfg: cfg} }

type pahoUplink struct {
	cfg Config
	cli mqtt.Client
}

func (u *pahoUplink) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(u.cfg.BrokerURL).
		SetClientID(u.cfg.ClientID).
		SetAutoReconnect(true).
		SetKeepAlive(time.Duration(u.cfg.KeepAliveS) * time.Second).
		SetConnectTimeout(10 * time.Second)
	if u.cfg.Username != "" {
		opts.SetUsername(u.cfg.Username)
		opts.SetPassword(u.cfg.Password)
	}
	u.cli = mqtt.NewClient(opts)
	tok := u.cli.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return errors.New("connect timeout")
	}
	return tok.Error()
}

func (u *pahoUplink) Publish(topic string, qos byte, retained bool, payload []byte) error {
	tok := u.cli.Publish(topic, qos, retained, payload)
	if !tok.WaitTimeout(5 * time.Second) {
		return errors.New("publish timeout")
	}
	return tok.Error()
}

func (u *pahoUplink) Disconnect() {
	if u.cli != nil {
		u.cli.Disconnect(250)
	}
}

// -----------------------------------------------------------------------------
// Utilities
// -----------------------------------------------------------------------------

func decodeConfig(p any) (Config, error) {
	var cfg Config
	switch v := p.(type) {
	case []byte:
		if err := json.Unmarshal(v, &cfg); err != nil {
			return cfg, err
		}
	case string:
		if err := json.Unmarshal([]byte(v), &cfg); err != nil {
			return cfg, err
		}
	case map[string]any:
		// Already a decoded object (e.g. if provided internally); re-marshal for simplicity.
		b, err := json.Marshal(v)
		if err != nil {
			return cfg, err
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config payload type: %T", p)
	}
	if cfg.BrokerURL == "" {
		return cfg, errors.New("broker_url is required")
	}
	return cfg, nil
}

func (s *Service) publishState(level, status string, err error) {
	payload := map[string]any{
		"level":  level,  // "up", "degraded", "error", "idle"
		"status": status, // short machine string
		"ts_ms":  timex.NowMs(),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(s.stateTopic, payload, true))
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	var cur = min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
