package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/fako1024/btgas/pkg/cylsense"
	"github.com/fako1024/btgas/pkg/gas"
	"github.com/sirupsen/logrus"
)

type config struct {
	name string
	addr string

	tare        bool
	calibrateKg float64

	weightInterval      time.Duration
	inclinationInterval time.Duration
}

var log = logrus.New()

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() (err error) {

	// Parse command line options
	var (
		cfg config
		m   gas.Monitor
	)

	flag.StringVar(&cfg.name, "name", "CYLSENSE", "Name of remote peripheral")
	flag.StringVar(&cfg.addr, "addr", "", "Address of remote peripheral (MAC on Linux, UUID on OS X)")

	flag.BoolVar(&cfg.tare, "tare", false, "Tare the sensor")
	flag.Float64Var(&cfg.calibrateKg, "calibrate", 0, "Calibrate the sensor against a known reference weight (kg)")

	flag.DurationVar(&cfg.weightInterval, "weight-interval", 0, "Weight polling interval (0 keeps the current setting)")
	flag.DurationVar(&cfg.inclinationInterval, "inclination-interval", 0, "Inclination polling interval (0 keeps the current setting)")
	flag.Parse()

	opts := []func(*cylsense.Device){
		cylsense.WithDeviceName(cfg.name),
	}
	if cfg.addr != "" {
		opts = append(opts, cylsense.WithDeviceID(cfg.addr))
	}

	m, err = cylsense.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize cylinder sensor: %s", err)
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			err = cerr
			return
		}
	}()

	for {
		time.Sleep(time.Second)
		if m.ConnectionStatus().State == gas.StateConnected {
			break
		}
	}

	if cfg.tare {
		if err := m.Tare(); err != nil {
			return fmt.Errorf("failed to tare sensor: %s", err)
		}
	}
	if cfg.calibrateKg > 0 {
		if err := m.Calibrate(cfg.calibrateKg); err != nil {
			return fmt.Errorf("failed to calibrate sensor: %s", err)
		}
	}
	if cfg.weightInterval > 0 || cfg.inclinationInterval > 0 {
		weight, inclination := m.PollIntervals()
		if cfg.weightInterval > 0 {
			weight = cfg.weightInterval
		}
		if cfg.inclinationInterval > 0 {
			inclination = cfg.inclinationInterval
		}
		if err := m.SetPollIntervals(weight, inclination); err != nil {
			return fmt.Errorf("failed to set polling intervals: %s", err)
		}
	}

	return nil
}
