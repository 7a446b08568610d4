package heartbeat

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"airsense-go/bus"
)

var (
	topicConfigHeartbeat = bus.Topic{"config", "heartbeat"}
	topicHeartbeat       = bus.Topic{"system", "heartbeat"}
)

type Service struct {
	log *logrus.Entry
}

func New() *Service {
	return &Service{log: logrus.WithField("svc", "heartbeat")}
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topicConfigHeartbeat)
	defer conn.Unsubscribe(cfgSub)

	started := time.Now()
	tick := time.NewTicker(1 * time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("heartbeat service stopping")
			return
		case t := <-tick.C:
			conn.Publish(conn.NewMessage(topicHeartbeat, map[string]any{
				"ts_ms":    t.UnixMilli(),
				"uptime_s": int64(t.Sub(started) / time.Second),
			}, true))
			s.log.Debug("heartbeat")
		case msg := <-cfgSub.Channel():
			if m, ok := msg.Payload.(map[string]any); ok {
				if interval, ok := asSeconds(m["interval"]); ok && interval > 0 {
					tick.Reset(time.Duration(interval * float64(time.Second)))
					s.log.WithField("interval_s", interval).Info("heartbeat interval set")
				}
			}
		}
	}
}

func asSeconds(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

// Start the heartbeat service.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	if s.log == nil {
		s.log = logrus.WithField("svc", "heartbeat")
	}
	go s.serviceLoop(ctx, conn)
	return nil
}
