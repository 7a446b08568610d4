// services/hal/hal_test.go
package hal

import (
	"context"
	"testing"
	"time"

	"tinygo.org/x/drivers"

	"airsense-go/bus"
	"airsense-go/drivers/scd4x/scd4xtest"
	"airsense-go/types"
)

type fakeBusFactory map[string]drivers.I2C

func (f fakeBusFactory) ByID(id string) (drivers.I2C, bool) {
	b, ok := f[id]
	return b, ok
}

func startHAL(t *testing.T, sim *scd4xtest.Sim) (*bus.Bus, context.CancelFunc) {
	t.Helper()
	b := bus.NewBus(32)
	ctx, cancel := context.WithCancel(context.Background())
	go Run(ctx, b.NewConnection("hal"), fakeBusFactory{"i2c0": sim})

	cfg := HALConfig{
		Version: 1,
		Buses:   []BusCfg{{ID: "i2c0", Type: "i2c"}},
		Devices: []DevCfg{{
			ID:     "co2-0",
			Type:   "scd4x",
			BusRef: DevBusRef{ID: "i2c0", Type: "i2c"},
			Params: map[string]any{"maintenance": true},
		}},
	}
	cc := b.NewConnection("cfg")
	cc.Publish(cc.NewMessage(bus.Topic{"config", "hal"}, cfg, true))
	return b, cancel
}

func waitMsg(t *testing.T, sub *bus.Subscription, timeout time.Duration) *bus.Message {
	t.Helper()
	select {
	case m := <-sub.Channel():
		return m
	case <-time.After(timeout):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestHAL_ConfigPublishesCapabilities(t *testing.T) {
	sim := scd4xtest.NewSim()
	b, cancel := startHAL(t, sim)
	defer cancel()

	tc := b.NewConnection("test")
	// Retained info documents appear for all three capability kinds.
	for _, kind := range []string{"co2", "temperature", "humidity"} {
		sub := tc.Subscribe(bus.Topic{"hal", "capability", kind, 0, "info"})
		m := waitMsg(t, sub, 2*time.Second)
		info, ok := m.Payload.(map[string]any)
		if !ok {
			t.Fatalf("%s info payload: %#v", kind, m.Payload)
		}
		if info["driver"] != "scd4x" {
			t.Errorf("%s info driver = %v", kind, info["driver"])
		}
		tc.Unsubscribe(sub)
	}
}

func TestHAL_ReadNowPublishesValues(t *testing.T) {
	sim := scd4xtest.NewSim()
	b, cancel := startHAL(t, sim)
	defer cancel()

	tc := b.NewConnection("test")
	// Wait for the device to come up.
	infoSub := tc.Subscribe(bus.Topic{"hal", "capability", "co2", 0, "info"})
	waitMsg(t, infoSub, 2*time.Second)
	tc.Unsubscribe(infoSub)

	valSub := tc.Subscribe(bus.Topic{"hal", "capability", "co2", 0, "value"})

	readNow := func() {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		rep, err := tc.RequestWait(ctx,
			tc.NewMessage(bus.Topic{"hal", "capability", "co2", 0, "control", "read_now"}, nil, false))
		if err != nil {
			t.Fatalf("read_now: %v", err)
		}
		if m, _ := rep.Payload.(map[string]any); m["ok"] != true {
			t.Fatalf("read_now reply: %#v", rep.Payload)
		}
	}

	// First successful read is discarded as stale; the second produces a value.
	sim.SetSample(950, 0x6666, 0x8000)
	readNow()
	time.Sleep(100 * time.Millisecond)
	sim.SetSample(950, 0x6666, 0x8000)
	readNow()

	m := waitMsg(t, valSub, 3*time.Second)
	payload, ok := m.Payload.(types.CO2Value)
	if !ok {
		t.Fatalf("value payload: %#v", m.Payload)
	}
	if payload.PPM != 950 {
		t.Errorf("co2 ppm = %v", payload.PPM)
	}
}

func TestHAL_ControlPassThrough(t *testing.T) {
	sim := scd4xtest.NewSim()
	b, cancel := startHAL(t, sim)
	defer cancel()

	tc := b.NewConnection("test")
	infoSub := tc.Subscribe(bus.Topic{"hal", "capability", "co2", 0, "info"})
	waitMsg(t, infoSub, 2*time.Second)
	tc.Unsubscribe(infoSub)

	ctx, cancelReq := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelReq()
	rep, err := tc.RequestWait(ctx,
		tc.NewMessage(bus.Topic{"hal", "capability", "co2", 0, "control", "getselfcalibration"}, nil, false))
	if err != nil {
		t.Fatalf("control: %v", err)
	}
	m, _ := rep.Payload.(map[string]any)
	if m["ok"] != true || m["result"] != true {
		t.Fatalf("getselfcalibration reply: %#v", rep.Payload)
	}
}

func TestHAL_UnknownCapabilityRejected(t *testing.T) {
	sim := scd4xtest.NewSim()
	b, cancel := startHAL(t, sim)
	defer cancel()

	tc := b.NewConnection("test")
	infoSub := tc.Subscribe(bus.Topic{"hal", "capability", "co2", 0, "info"})
	waitMsg(t, infoSub, 2*time.Second)
	tc.Unsubscribe(infoSub)

	ctx, cancelReq := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelReq()
	rep, err := tc.RequestWait(ctx,
		tc.NewMessage(bus.Topic{"hal", "capability", "co2", 7, "control", "read_now"}, nil, false))
	if err != nil {
		t.Fatalf("control: %v", err)
	}
	if m, _ := rep.Payload.(map[string]any); m["ok"] != false {
		t.Fatalf("expected rejection, got %#v", rep.Payload)
	}
}
