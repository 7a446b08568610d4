// console/console.go
package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/sirupsen/logrus"

	"airsense-go/bus"
	"airsense-go/types"
)

// Command lines arrive on console/in as plain strings and results go out on
// console/out. The first token names a device driver (e.g. "scd4x"), the
// second a control method; any third token is passed through verbatim, so
// confirmation codes keep their case. Both "scd4x,selftest,CODE" and
// "scd4x selftest CODE" forms are accepted.

var (
	topicIn  = bus.Topic{"console", "in"}
	topicOut = bus.Topic{"console", "out"}
)

const requestTimeout = 5 * time.Second

type capRef struct {
	kind string
	id   int
}

type Service struct {
	conn *bus.Connection
	log  *logrus.Entry

	// driver name -> capability address, learned from retained info docs.
	routes map[string]capRef
}

// Start runs the console service until ctx is cancelled.
func Start(ctx context.Context, conn *bus.Connection) {
	s := &Service{
		conn:   conn,
		log:    logrus.WithField("svc", "console"),
		routes: map[string]capRef{},
	}
	s.run(ctx)
}

func (s *Service) run(ctx context.Context) {
	inSub := s.conn.Subscribe(topicIn)
	infoSub := s.conn.Subscribe(bus.Topic{"hal", "capability", "+", "+", "info"})
	defer s.conn.Unsubscribe(inSub)
	defer s.conn.Unsubscribe(infoSub)

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-infoSub.Channel():
			s.learnRoute(m)
		case m := <-inSub.Channel():
			line, ok := m.Payload.(string)
			if !ok {
				continue
			}
			s.emit(s.handleLine(ctx, line))
		}
	}
}

// learnRoute indexes capability info documents by driver name. A cleared info
// doc (nil payload) is ignored; stale routes just fail at request time.
func (s *Service) learnRoute(m *bus.Message) {
	if m.Topic.Len() < 5 {
		return
	}
	info, ok := m.Payload.(map[string]any)
	if !ok {
		return
	}
	driver, _ := info["driver"].(string)
	if driver == "" {
		return
	}
	kind, _ := m.Topic.At(2).(string)
	id, ok := m.Topic.At(3).(int)
	if !ok || kind == "" {
		return
	}
	// One address per driver; a device's primary kind wins over the others.
	if cur, exists := s.routes[driver]; exists && cur.kind == types.KindCO2 && kind != types.KindCO2 {
		return
	}
	s.routes[driver] = capRef{kind: kind, id: id}
}

func (s *Service) handleLine(ctx context.Context, line string) string {
	tokens, err := tokenize(line)
	if err != nil {
		return "error: " + err.Error()
	}
	if len(tokens) < 2 {
		return "error: usage: <driver>,<command>[,<arg>]"
	}

	driver := strings.ToLower(tokens[0])
	method := strings.ToLower(tokens[1])

	ref, ok := s.routes[driver]
	if !ok {
		return "error: unknown device: " + driver
	}

	var payload any
	if len(tokens) > 2 {
		payload = tokens[2] // verbatim, case preserved
	}

	rctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	rep, err := s.conn.RequestWait(rctx, s.conn.NewMessage(
		bus.Topic{"hal", "capability", ref.kind, ref.id, "control", method},
		payload, false))
	if err != nil {
		return "error: " + err.Error()
	}
	return formatReply(rep.Payload)
}

// tokenize accepts both comma-separated and shell-style command forms.
// Commas win when present; codes and arguments never contain them.
func tokenize(line string) ([]string, error) {
	if strings.Contains(line, ",") {
		var parts []string
		for _, p := range strings.Split(line, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		return parts, nil
	}
	return shlex.Split(line)
}

func formatReply(p any) string {
	m, ok := p.(map[string]any)
	if !ok {
		return fmt.Sprintf("ok: %v", p)
	}
	if okFlag, _ := m["ok"].(bool); !okFlag {
		if e, _ := m["error"].(string); e != "" {
			return "error: " + e
		}
		return "error"
	}
	if res, present := m["result"]; present {
		return fmt.Sprintf("ok: %v", res)
	}
	return "ok"
}

func (s *Service) emit(out string) {
	s.log.Info(out)
	s.conn.Publish(s.conn.NewMessage(topicOut, out, false))
}
