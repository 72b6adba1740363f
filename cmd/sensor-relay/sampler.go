package main

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	relay "github.com/sensortelemetry/relay"
)

// resolution is the smallest temperature step the sensor reports, in °C.
const resolution = 0.0625

// thermometer is the boundary to the temperature sensor driver.
type thermometer interface {
	ReadCelsius() (float64, error)
}

// newThermometer opens the sensor. Tests replace it.
var newThermometer = func() thermometer {
	return newDriftingThermometer(25, uint64(time.Now().UnixNano()))
}

// driftingThermometer stands in for hardware: a bounded random walk.
type driftingThermometer struct {
	mu      sync.Mutex
	rng     *rand.Rand
	current float64
	step    float64
}

func newDriftingThermometer(start float64, seed uint64) *driftingThermometer {
	return &driftingThermometer{
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		current: start,
		step:    4 * resolution,
	}
}

func (d *driftingThermometer) ReadCelsius() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current += (d.rng.Float64()*2 - 1) * d.step
	d.current = math.Max(-40, math.Min(125, d.current))
	return math.Round(d.current/resolution) * resolution, nil
}

// sampler publishes a TemperatureChangedEvent whenever the reading changes.
type sampler struct {
	sensor     thermometer
	thresholds relay.Thresholds
	publish    func(ctx context.Context, event *relay.TemperatureChangedEvent) error
	logger     relay.ServiceLogger
	now        func() time.Time

	mu   sync.Mutex
	prev *relay.SensorReading
}

// sample reads the sensor once. Unchanged readings are only published when
// force is set.
func (s *sampler) sample(ctx context.Context, force bool) error {
	celsius, err := s.sensor.ReadCelsius()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	reading := relay.NewSensorReading(celsius, relay.SourceDevice, s.now(), s.thresholds)
	if !force && !reading.ChangedFrom(s.prev) {
		return nil
	}
	if err := s.publish(ctx, relay.NewTemperatureChangedEvent(reading)); err != nil {
		return err
	}
	s.prev = &reading
	return nil
}

// run samples every interval until ctx is done.
func (s *sampler) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.sample(ctx, false); err != nil && ctx.Err() == nil {
			s.logger.Error("Failed to publish sensor reading", err, nil)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// handleCommand applies a device command received from a client.
func (s *sampler) handleCommand(ctx context.Context, event *relay.DeviceCommandEvent) {
	fields := relay.LogFields{"command": event.Command.String(), "sender": event.SenderKey}
	switch event.Command {
	case relay.CommandUpdateTemperature:
		s.logger.Info("Update temperature command received", fields)
		if err := s.sample(ctx, true); err != nil {
			s.logger.Error("Failed to publish sensor reading", err, fields)
		}
	case relay.CommandResetAlert:
		s.logger.Info("Reset alert command received", fields)
		s.mu.Lock()
		s.prev = nil
		s.mu.Unlock()
	case relay.CommandRunLedTest:
		s.logger.Info("LED test command received", fields)
	default:
		s.logger.Info("Ignoring unknown device command", fields)
	}
}
