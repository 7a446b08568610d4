// airsensed wires the in-process bus and services into a single daemon:
// config publishes the embedded device profile, hal drives the sensors,
// bridge mirrors readings to MQTT, metrics exposes Prometheus gauges and
// console accepts maintenance commands on stdin.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"airsense-go/bus"
	"airsense-go/services/bridge"
	"airsense-go/services/config"
	"airsense-go/services/console"
	"airsense-go/services/hal"
	"airsense-go/services/heartbeat"
	"airsense-go/services/metrics"
	"airsense-go/x/strx"
)

func main() {
	log := logrus.WithField("svc", "main")

	if strings.EqualFold(os.Getenv("AIRSENSE_DEBUG"), "1") {
		logrus.SetLevel(logrus.DebugLevel)
	}
	device := strx.Coalesce(os.Getenv("AIRSENSE_DEVICE"), "airsense")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.NewBus(32)

	go hal.Run(ctx, b.NewConnection("hal"), hal.DefaultI2CFactory())
	go bridge.Start(ctx, b.NewConnection("bridge"))
	go metrics.Start(ctx, b.NewConnection("metrics"))
	go console.Start(ctx, b.NewConnection("console"))

	if err := heartbeat.New().Start(ctx, b.NewConnection("heartbeat")); err != nil {
		log.WithError(err).Fatal("heartbeat start failed")
	}

	// Config goes last; its topics are retained, so services that came up
	// first still receive the snapshot.
	cfgCtx := context.WithValue(ctx, config.CtxDeviceKey, device)
	config.NewConfigService().Start(cfgCtx, b.NewConnection("config"))

	go runTTY(ctx, b.NewConnection("tty"))

	log.WithField("device", device).Info("airsensed running")
	<-ctx.Done()
	log.Info("airsensed stopping")
}

// runTTY connects stdin/stdout to the console service.
func runTTY(ctx context.Context, conn *bus.Connection) {
	outSub := conn.Subscribe(bus.Topic{"console", "out"})
	go func() {
		for m := range outSub.Channel() {
			if s, ok := m.Payload.(string); ok {
				fmt.Println(s)
			}
		}
	}()

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		conn.Publish(conn.NewMessage(bus.Topic{"console", "in"}, line, false))
	}
}
