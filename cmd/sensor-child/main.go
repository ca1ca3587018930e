// Command sensor-child is a bridged child program that streams simulated
// sensor readings to its parent relay. Stdout carries frames; logs go to stderr.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	json "github.com/goccy/go-json"

	"github.com/coachpo/rtcbot/internal/observability"
	"github.com/coachpo/rtcbot/pkg/bridge"
)

// Reading is one sample as it appears on the hub.
type Reading struct {
	Sensor string    `json:"sensor"`
	Seq    uint64    `json:"seq"`
	Value  float64   `json:"value"`
	At     time.Time `json:"at"`
}

func main() {
	name := flag.String("sensor", "imu", "Sensor name stamped on each reading")
	interval := flag.Duration("interval", 100*time.Millisecond, "Time between readings")
	level := flag.String("log-level", "info", "Log level")
	flag.Parse()

	zl, err := observability.NewProductionLogger(*level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zl.Sync() }()
	logger := zl.Named("sensor")
	observability.SetLogger(logger)

	if *interval <= 0 {
		logger.Error("interval must be positive", observability.F("interval", *interval))
		os.Exit(2)
	}

	err = bridge.RunChild(context.Background(), func(ctx context.Context, c *bridge.ChildConn[struct{}, []byte]) error {
		return stream(ctx, c, clock.New(), *name, *interval, logger)
	})
	if err != nil {
		logger.Error("sensor stopped", observability.F("error", err))
		os.Exit(1)
	}
}

func stream(ctx context.Context, c *bridge.ChildConn[struct{}, []byte], clk clock.Clock, sensor string, interval time.Duration, logger observability.Logger) error {
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	if err := c.SetReady(true); err != nil {
		return err
	}
	logger.Info("sensor streaming", observability.F("sensor", sensor), observability.F("interval", interval))

	start := clk.Now()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return nil
		case now := <-ticker.C:
			seq++
			phase := now.Sub(start).Seconds()
			payload, err := json.Marshal(Reading{
				Sensor: sensor,
				Seq:    seq,
				Value:  math.Sin(phase),
				At:     now.UTC(),
			})
			if err != nil {
				return fmt.Errorf("encode reading: %w", err)
			}
			if err := c.Put(payload); err != nil {
				return err
			}
		}
	}
}
