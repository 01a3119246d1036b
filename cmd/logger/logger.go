package main

import (
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fako1024/btgas/pkg/api"
	"github.com/fako1024/btgas/pkg/cylsense"
	"github.com/fako1024/btgas/pkg/gas"
	"github.com/fako1024/btgas/pkg/ingest"
	"github.com/fako1024/btgas/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func main() {

	// Parse command line options
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to YAML configuration file")
	flag.Parse()

	cfg := gas.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = gas.LoadConfig(configPath); err != nil {
			log.Fatalf("Failed to load configuration: %s", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %s", err)
	}
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	// Setup the measurement store and register the configured cylinder
	mem := store.NewMemory()
	if err := mem.SetActiveCylinder(gas.Cylinder{
		ID:         uuid.New(),
		Name:       cfg.Cylinder.Name,
		TareKg:     cfg.Cylinder.TareKg,
		CapacityKg: cfg.Cylinder.CapacityKg,
	}); err != nil {
		log.Fatalf("Failed to register cylinder: %s", err)
	}

	ingestor, err := ingest.New(mem, mem,
		ingest.WithMinSaveInterval(time.Duration(cfg.Ingest.MinSaveInterval)),
	)
	if err != nil {
		log.Fatalf("Failed to initialize measurement ingestion: %s", err)
	}

	// Setup the sensor
	opts := []func(*cylsense.Device){
		cylsense.WithDeviceName(cfg.Device.Name),
		cylsense.WithPollIntervals(
			time.Duration(cfg.Poll.WeightInterval),
			time.Duration(cfg.Poll.InclinationInterval),
		),
		cylsense.WithLogger(gas.NewDefaultLogger(cfg.Debug)),
	}
	if cfg.Device.ID != "" {
		opts = append(opts, cylsense.WithDeviceID(cfg.Device.ID))
	}

	device, err := cylsense.New(opts...)
	if err != nil {
		log.Fatalf("Failed to initialize cylinder sensor: %s", err)
	}

	device.SetStateChangeHandler(func(status gas.ConnectionStatus) {
		if status.Error != nil {
			log.Warnf("State change: %s (%s)", status.State, status.Error)
			return
		}
		log.Infof("State change: %s", status.State)
	})

	ingestor.SetMeasurementHandler(func(m gas.FuelMeasurement) {
		log.Infof("Saved measurement: %.2f kg total, %.2f kg fuel (%.1f %%)", m.TotalKg, m.FuelKg, m.FuelPercent)
	})
	ingestor.SetHistorySavedHandler(func(ms gas.FuelMeasurements) {
		log.Infof("Recovered %d offline measurements (drain took %s)", len(ms), device.LastDrainDuration())
	})

	device.SetWeightHandler(func(sample gas.WeightSample) {
		log.Debugf("Weight sample: %.2f kg", sample.TotalKg)
		if _, err := ingestor.SaveRealTime(sample.TotalKg, sample.TimeStamp); err != nil {
			var throttledErr *gas.ThrottledError
			if errors.As(err, &throttledErr) {
				log.Debugf("Measurement throttled, next save possible in %s", throttledErr.RemainingWait)
				return
			}
			log.Warnf("Failed to save measurement: %s", err)
		}
	})

	device.SetHistoryHandler(func(points []gas.HistoricalPoint) {
		if _, err := ingestor.SaveHistorical(points); err != nil {
			log.Warnf("Failed to save offline measurements: %s", err)
		}
	})

	// Setup the REST API (if enabled) and route inclination samples to it
	var restAPI *api.API
	if cfg.API.ListenAddr != "" {
		restAPI = api.New(device, mem, mem, cfg.API.ListenAddr)
		log.Infof("REST API listening on %s", cfg.API.ListenAddr)
	}
	device.SetInclinationHandler(func(sample gas.InclinationSample) {
		log.Debugf("Inclination sample: pitch %.1f deg, roll %.1f deg", sample.PitchDeg, sample.RollDeg)
		if restAPI != nil {
			restAPI.RecordInclination(sample)
		}
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, os.Interrupt)
	<-sigChan

	log.Infof("Got signal, terminating connection to device")
	if restAPI != nil {
		if err := restAPI.Shutdown(); err != nil {
			log.Warnf("Failed to shut down REST API: %s", err)
		}
	}
	if err := device.Close(); err != nil {
		log.Warnf("Failed to close connection to device: %s", err)
	}
}
