// config/config_test.go
package config

import (
	"context"
	"testing"
	"time"

	"airsense-go/bus"
)

func TestConfig_PublishEmbedded_RetainedPerKey(t *testing.T) {
	// Override lookup for this test.
	oldLookup := EmbeddedConfigLookup
	EmbeddedConfigLookup = func(device string) ([]byte, bool) {
		if device != "airsense" {
			return nil, false
		}
		return []byte(`{
			"mode": "dev",
			"debug": true,
			"bridge": {"broker_url": "tcp://example:1883"}
		}`), true
	}
	t.Cleanup(func() { EmbeddedConfigLookup = oldLookup })

	// Arrange bus and service.
	b := bus.NewBus(16)
	conn := b.NewConnection("test-config")
	svc := NewConfigService()

	// Start publisher with device ID in context.
	ctx := context.WithValue(context.Background(), CtxDeviceKey, "airsense")
	svc.Start(ctx, conn)

	// Subscribe; retained messages should arrive immediately.
	sub := conn.Subscribe(bus.Topic{configPrefix, "#"})

	wantCount := 3 // mode, debug, bridge
	got := map[string]any{}

	deadline := time.Now().Add(600 * time.Millisecond)
	for len(got) < wantCount && time.Now().Before(deadline) {
		select {
		case m := <-sub.Channel():
			if m.Topic.Len() < 2 {
				t.Fatalf("unexpected topic length: %#v", m.Topic)
			}
			prefix, ok := m.Topic.At(0).(string)
			if !ok || prefix != configPrefix {
				t.Fatalf("unexpected prefix token: %#v", m.Topic.At(0))
			}
			key, ok := m.Topic.At(1).(string)
			if !ok {
				t.Fatalf("topic[1] type %T, want string", m.Topic.At(1))
			}
			got[key] = m.Payload
		case <-time.After(10 * time.Millisecond):
		}
	}
	if len(got) != wantCount {
		t.Fatalf("expected %d retained messages, got %d (%v)", wantCount, len(got), got)
	}

	if s, ok := got["mode"].(string); !ok || s != "dev" {
		t.Fatalf("mode payload = %#v, want \"dev\"", got["mode"])
	}
	if bval, ok := got["debug"].(bool); !ok || bval != true {
		t.Fatalf("debug payload = %#v, want true", got["debug"])
	}
	if m, ok := got["bridge"].(map[string]any); !ok {
		t.Fatalf("bridge payload type = %T, want map[string]any", got["bridge"])
	} else if url, ok := m["broker_url"].(string); !ok || url != "tcp://example:1883" {
		t.Fatalf("bridge.broker_url = %#v", m["broker_url"])
	}
}

func TestConfig_PublishConfig_MissingDevice(t *testing.T) {
	b := bus.NewBus(4)
	conn := b.NewConnection("test-missing-device")
	svc := NewConfigService()

	// No device ID in context
	if err := svc.publishConfig(context.Background(), conn); err == nil {
		t.Fatal("expected error for missing device ID, got nil")
	}
}

func TestConfig_PublishConfig_NoConfigFound(t *testing.T) {
	b := bus.NewBus(4)
	conn := b.NewConnection("test-no-config")
	svc := NewConfigService()

	oldLookup := EmbeddedConfigLookup
	EmbeddedConfigLookup = func(device string) ([]byte, bool) { return nil, false }
	t.Cleanup(func() { EmbeddedConfigLookup = oldLookup })

	ctx := context.WithValue(context.Background(), CtxDeviceKey, "unknown-device")
	if err := svc.publishConfig(ctx, conn); err == nil {
		t.Fatal("expected error for missing embedded config, got nil")
	}
}

func TestConfig_DefaultAirsenseConfigParses(t *testing.T) {
	b := bus.NewBus(16)
	conn := b.NewConnection("test-default")
	svc := NewConfigService()

	sub := conn.Subscribe(bus.Topic{configPrefix, "hal"})

	ctx := context.WithValue(context.Background(), CtxDeviceKey, "airsense")
	if err := svc.publishConfig(ctx, conn); err != nil {
		t.Fatalf("publish default config: %v", err)
	}

	select {
	case m := <-sub.Channel():
		hal, ok := m.Payload.(map[string]any)
		if !ok {
			t.Fatalf("hal payload type: %T", m.Payload)
		}
		devs, ok := hal["devices"].([]any)
		if !ok || len(devs) == 0 {
			t.Fatalf("hal.devices = %#v", hal["devices"])
		}
	case <-time.After(time.Second):
		t.Fatal("no config/hal message")
	}
}
