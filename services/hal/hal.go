// services/hal/hal.go
package hal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"airsense-go/bus"
	"airsense-go/errcode"
	"airsense-go/types"
	"airsense-go/x/mathx"
	"airsense-go/x/timex"
)

// -----------------------------------------------------------------------------
// Entry point
// -----------------------------------------------------------------------------

// Run starts the HAL service on the given bus connection. It consumes retained
// config from config/hal, builds adaptors via the registered builders and
// publishes capability info/state/value messages until ctx is cancelled.
func Run(ctx context.Context, conn *bus.Connection, i2cFactory I2CBusFactory) {
	h := &service{
		conn:        conn,
		log:         logrus.WithField("svc", "hal"),
		i2cFactory:  i2cFactory,
		workers:     map[string]*measureWorker{},
		devices:     map[string]devEntry{},
		capToDev:    map[capKey]string{},
		nextCapID:   map[string]int{},
		devPeriodMS: map[string]int{},
		devNextDue:  map[string]time.Time{},
		results:     make(chan Result, 32),
		sched:       make(chan schedReq, 32),
	}
	h.loop(ctx)
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

type devEntry struct {
	adaptor Adaptor
	caps    map[string]int // kind -> numeric capability id
	busID   string
}

type capKey struct {
	kind string
	id   int
}

type schedReq struct {
	devID string
	after time.Duration
}

type service struct {
	conn       *bus.Connection
	log        *logrus.Entry
	i2cFactory I2CBusFactory

	workers map[string]*measureWorker
	devices map[string]devEntry

	capToDev  map[capKey]string
	nextCapID map[string]int

	devPeriodMS map[string]int
	devNextDue  map[string]time.Time

	timer *time.Timer

	// Results fan-in
	results chan Result

	// Out-of-band read requests from adaptors (worker goroutines).
	sched chan schedReq
}

// RequestRead implements ReadScheduler. Never blocks; a full queue drops the
// request and the device falls back to its periodic cadence.
func (s *service) RequestRead(devID string, after time.Duration) {
	select {
	case s.sched <- schedReq{devID: devID, after: after}:
	default:
	}
}

// -----------------------------------------------------------------------------
// Main loop
// -----------------------------------------------------------------------------

func (s *service) loop(ctx context.Context) {
	cfgSub := s.conn.Subscribe(bus.Topic{"config", "hal"})
	ctrlSub := s.conn.Subscribe(bus.Topic{"hal", "capability", "+", "+", "control", "+"})
	defer s.conn.Unsubscribe(cfgSub)
	defer s.conn.Unsubscribe(ctrlSub)

	s.publishState("idle", "awaiting_config", nil)

	s.timer = time.NewTimer(time.Hour)
	if !s.timer.Stop() {
		drainTimer(s.timer)
	}

	for {
		// (re)arm timer
		if next := s.earliestDevDue(); next.IsZero() {
			resetTimer(s.timer, time.Hour)
		} else {
			resetTimer(s.timer, time.Until(next))
		}

		select {
		case <-ctx.Done():
			s.publishState("stopped", "context_cancelled", nil)
			return

		case msg := <-cfgSub.Channel():
			var cfg HALConfig
			if err := decodeJSON(msg.Payload, &cfg); err != nil {
				s.log.WithError(err).Error("config decode failed")
				s.publishState("error", "config_decode_failed", err)
				continue
			}
			if err := s.applyConfig(ctx, cfg); err != nil {
				s.log.WithError(err).Error("apply config failed")
				s.publishState("error", "apply_config_failed", err)
				continue
			}
			s.publishState("ready", "configured", nil)

		case msg := <-ctrlSub.Channel():
			s.handleControl(msg)

		case <-s.timer.C:
			now := time.Now()
			for devID, due := range s.devNextDue {
				if !now.Before(due) {
					s.submitMeasure(devID, false)
					s.bumpDevNext(devID, now)
				}
			}

		case r := <-s.results:
			s.handleResult(r)

		case req := <-s.sched:
			if _, ok := s.devices[req.devID]; ok {
				s.devNextDue[req.devID] = time.Now().Add(req.after)
			}
		}
	}
}

// handleControl dispatches hal/capability/<kind>/<id:int>/control/<method>.
func (s *service) handleControl(msg *bus.Message) {
	if msg.Topic.Len() < 6 {
		return
	}
	kind, _ := msg.Topic.At(2).(string)
	idNum, ok := asInt(msg.Topic.At(3))
	if !ok || kind == "" {
		s.replyErr(msg, errcode.InvalidTopic)
		return
	}
	devID, ok := s.capToDev[capKey{kind: kind, id: idNum}]
	if !ok {
		s.replyErr(msg, errcode.UnknownCapability)
		return
	}
	method, _ := msg.Topic.At(5).(string)

	switch method {
	case "read_now":
		if s.submitMeasure(devID, true) {
			s.bumpDevNext(devID, time.Now())
			s.replyOK(msg, nil)
		} else {
			s.replyErr(msg, errcode.Busy)
		}
	case "set_rate":
		ms := parsePeriodMS(msg.Payload)
		if ms > 0 {
			s.devPeriodMS[devID] = mathx.Clamp(ms, 200, 3_600_000)
			s.bumpDevNext(devID, time.Now())
			s.replyOK(msg, map[string]any{"period_ms": s.devPeriodMS[devID]})
		} else {
			s.replyErr(msg, errcode.InvalidParams)
		}
	default:
		ent := s.devices[devID]
		if ent.adaptor == nil {
			s.replyErr(msg, errcode.HALNotReady)
			return
		}
		if res, err := ent.adaptor.Control(kind, method, msg.Payload); err == nil {
			s.replyOK(msg, map[string]any{"result": res})
		} else {
			s.replyErr(msg, err)
		}
	}
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

func (s *service) applyConfig(ctx context.Context, cfg HALConfig) error {
	seen := map[string]struct{}{}

	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		seen[d.ID] = struct{}{}

		// Skip if already present (simple idempotence for now)
		if _, exists := s.devices[d.ID]; exists {
			continue
		}

		b, ok := findBuilder(d.Type)
		if !ok {
			s.log.WithField("type", d.Type).Warn("no builder for device type")
			continue
		}

		in := BuildInput{
			Ctx:        ctx,
			Buses:      s.i2cFactory,
			Sched:      s,
			Log:        s.log.WithField("device", d.ID),
			DeviceID:   d.ID,
			Type:       d.Type,
			ParamsJSON: d.Params,
		}
		in.BusRef.Type = d.BusRef.Type
		in.BusRef.ID = d.BusRef.ID

		out, err := b.Build(in)
		if err != nil {
			s.log.WithField("device", d.ID).WithError(err).Error("device build failed")
			continue
		}
		ad := out.Adaptor
		if ad == nil {
			continue
		}

		// Ensure a worker for this device's bucket.
		busID := out.BusID
		if busID == "" {
			busID = d.ID
		}
		if _, ok := s.workers[busID]; !ok {
			w := NewWorker(out.Worker, s.log.WithField("bus", busID), s.results)
			w.Start(ctx)
			s.workers[busID] = w
		}

		// Record adaptor and publish retained capability info/state.
		entry := devEntry{adaptor: ad, busID: busID, caps: map[string]int{}}
		for _, ci := range ad.Capabilities() {
			id := s.nextCapID[ci.Kind]
			s.nextCapID[ci.Kind]++

			entry.caps[ci.Kind] = id
			s.capToDev[capKey{kind: ci.Kind, id: id}] = d.ID

			s.pubRet(capTopicInt(ci.Kind, id, "info"), ci.Info)
			s.pubRet(capTopicInt(ci.Kind, id, "state"),
				types.CapabilityStatus{Link: types.LinkUp, TsMs: timex.NowMs()})
		}
		s.devices[d.ID] = entry

		// Schedule periodic sampling for producers only.
		if out.SampleEvery > 0 {
			s.devPeriodMS[d.ID] = int(out.SampleEvery / time.Millisecond)
			s.devNextDue[d.ID] = time.Now().Add(200 * time.Millisecond)
		}

		s.log.WithFields(logrus.Fields{
			"device": d.ID, "type": d.Type, "bus": busID,
		}).Info("device configured")
	}

	// Tidy-up: remove devices not in config
	for devID, ent := range s.devices {
		if _, ok := seen[devID]; ok {
			continue
		}
		for kind, id := range ent.caps {
			s.pubRet(capTopicInt(kind, id, "info"), nil)
			s.pubRet(capTopicInt(kind, id, "state"),
				types.CapabilityStatus{Link: types.LinkDown, TsMs: timex.NowMs()})
			delete(s.capToDev, capKey{kind: kind, id: id})
		}
		delete(s.devices, devID)
		delete(s.devPeriodMS, devID)
		delete(s.devNextDue, devID)
		s.log.WithField("device", devID).Info("device removed")
	}

	return nil
}

// -----------------------------------------------------------------------------
// Results and helpers
// -----------------------------------------------------------------------------

func (s *service) submitMeasure(devID string, prio bool) bool {
	ent, ok := s.devices[devID]
	if !ok {
		return false
	}
	w := s.workers[ent.busID]
	if w == nil {
		return false
	}
	return w.Submit(MeasureReq{ID: devID, Adaptor: ent.adaptor, Prio: prio})
}

func (s *service) bumpDevNext(devID string, from time.Time) {
	period := time.Duration(mathx.Clamp(s.devPeriodMS[devID], 200, 3_600_000)) * time.Millisecond
	s.devNextDue[devID] = from.Add(period)
}

func (s *service) earliestDevDue() time.Time {
	var min time.Time
	for _, t := range s.devNextDue {
		if !t.IsZero() && (min.IsZero() || t.Before(min)) {
			min = t
		}
	}
	return min
}

func (s *service) handleResult(r Result) {
	ent, ok := s.devices[r.ID]
	if !ok {
		return
	}
	now := timex.NowMs()

	if r.Err != nil {
		// Data-not-ready is part of normal operation, not a link fault.
		if r.Err == ErrNotReady {
			return
		}
		s.log.WithField("device", r.ID).WithError(r.Err).Warn("measurement failed")
		for kind, id := range ent.caps {
			s.pubRet(capTopicInt(kind, id, "state"),
				types.CapabilityStatus{Link: types.LinkDegraded, Error: r.Err.Error(), TsMs: now})
		}
		return
	}
	// Publish each reading to its mapped capability id.
	for _, rd := range r.Sample {
		id, ok := ent.caps[rd.Kind]
		if !ok {
			continue
		}
		s.conn.Publish(s.conn.NewMessage(
			capTopicInt(rd.Kind, id, "value"),
			rd.Payload,
			false,
		))
		s.pubRet(capTopicInt(rd.Kind, id, "state"), types.CapabilityStatus{Link: types.LinkUp, TsMs: now})
	}
}

func (s *service) publishState(level, status string, err error) {
	st := types.HALState{Level: level, Status: status, TsMs: timex.NowMs()}
	if err != nil {
		st.Error = err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(bus.Topic{"hal", "state"}, st, true))
}

func (s *service) replyOK(req *bus.Message, extra map[string]any) {
	if !req.CanReply() {
		return
	}
	m := map[string]any{"ok": true}
	for k, v := range extra {
		m[k] = v
	}
	s.conn.Reply(req, m, false)
}

func (s *service) replyErr(req *bus.Message, e error) {
	if !req.CanReply() {
		return
	}
	s.conn.Reply(req, map[string]any{"ok": false, "error": e.Error()}, false)
}

func capTopicInt(kind string, id int, rest ...bus.Token) bus.Topic {
	base := bus.Topic{"hal", "capability", kind, id}
	return append(base, rest...)
}

func (s *service) pubRet(t bus.Topic, p any) {
	s.conn.Publish(s.conn.NewMessage(t, p, true))
}

func parsePeriodMS(p any) int {
	if m, ok := p.(map[string]any); ok {
		switch v := m["period_ms"].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}

func decodeJSON[T any](src any, dst *T) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	case nil:
		return fmt.Errorf("empty payload")
	default:
		// Accept maps, structs, numbers… by marshaling then decoding to T.
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, dst)
	}
}

func asInt(t any) (int, bool) {
	switch v := t.(type) {
	case int:
		return v, true
	case int8:
		return int(v), true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint:
		return int(v), true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	case uint64:
		return int(v), true
	case float32:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
