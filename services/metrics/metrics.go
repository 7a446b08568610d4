// metrics/metrics.go
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"airsense-go/bus"
	"airsense-go/types"
)

// The service mirrors capability values into Prometheus gauges and serves
// them on the address configured via config/metrics ({"listen": ":9105"}).

type Service struct {
	conn *bus.Connection
	log  *logrus.Entry

	reg  *prometheus.Registry
	co2  *prometheus.GaugeVec
	temp *prometheus.GaugeVec
	hum  *prometheus.GaugeVec

	cfgSub *bus.Subscription
	valSub *bus.Subscription

	srv *http.Server
}

func newService(conn *bus.Connection) *Service {
	s := &Service{
		conn: conn,
		log:  logrus.WithField("svc", "metrics"),
		reg:  prometheus.NewRegistry(),
	}
	labels := []string{"capability"}
	s.co2 = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "air_co2_ppm", Help: "CO2 concentration in parts per million.",
	}, labels)
	s.temp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "air_temperature_celsius", Help: "Ambient temperature in degrees Celsius.",
	}, labels)
	s.hum = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "air_humidity_percent", Help: "Relative humidity in percent.",
	}, labels)
	s.reg.MustRegister(s.co2, s.temp, s.hum)

	// Subscribed here rather than in run so the service never misses
	// messages published between construction and the loop starting.
	s.cfgSub = conn.Subscribe(bus.Topic{"config", "metrics"})
	s.valSub = conn.Subscribe(bus.Topic{"hal", "capability", "+", "+", "value"})
	return s
}

// Start runs the metrics service until ctx is cancelled.
func Start(ctx context.Context, conn *bus.Connection) {
	newService(conn).run(ctx)
}

func (s *Service) run(ctx context.Context) {
	defer s.conn.Unsubscribe(s.cfgSub)
	defer s.conn.Unsubscribe(s.valSub)

	for {
		select {
		case <-ctx.Done():
			s.stopServer()
			return
		case m := <-s.cfgSub.Channel():
			cfg, _ := m.Payload.(map[string]any)
			listen, _ := cfg["listen"].(string)
			s.serveOn(listen)
		case m := <-s.valSub.Channel():
			s.handleValue(m)
		}
	}
}

func (s *Service) handleValue(m *bus.Message) {
	if m.Topic.Len() < 5 {
		return
	}
	id, ok := m.Topic.At(3).(int)
	if !ok {
		return
	}
	label := strconv.Itoa(id)

	switch v := m.Payload.(type) {
	case types.CO2Value:
		s.co2.WithLabelValues(label).Set(float64(v.PPM))
	case types.TemperatureValue:
		s.temp.WithLabelValues(label).Set(float64(v.DeciC) / 10)
	case types.HumidityValue:
		s.hum.WithLabelValues(label).Set(float64(v.RHx100) / 100)
	}
}

// Handler exposes the registry; used by the HTTP server and by tests.
func (s *Service) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
}

func (s *Service) serveOn(listen string) {
	s.stopServer()
	if listen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	s.srv = &http.Server{Addr: listen, Handler: mux}
	go func(srv *http.Server) {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("metrics listener failed")
		}
	}(s.srv)
	s.log.WithField("listen", listen).Info("metrics exporter started")
}

func (s *Service) stopServer() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
	s.srv = nil
}

