// Command sensor-relay runs one relay instance of the sensor telemetry
// system. The device role samples the temperature sensor and obeys device
// commands; the client role shows readings and sends commands.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	relay "github.com/sensortelemetry/relay"
)

const (
	roleDevice = "device"
	roleClient = "client"
)

type options struct {
	configPath string
	role       string
	interval   time.Duration
	command    string
	logLevel   string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "path to a TOML relay configuration")
	flag.StringVar(&opts.role, "role", roleDevice, "instance role: device or client")
	flag.DurationVar(&opts.interval, "interval", time.Second, "sensor sampling interval (device role)")
	flag.StringVar(&opts.command, "command", "", "device command to send once connected (client role)")
	flag.StringVar(&opts.logLevel, "log-level", "", "overrides log_level from the configuration")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintln(os.Stderr, "sensor-relay:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	logger, err := relay.NewTextLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		return err
	}
	logger = logger.With(relay.LogFields{"role": opts.role})

	svc, err := relay.TryNewService(&cfg, logger, relay.ServiceDependencies{})
	if err != nil {
		return err
	}

	var device *sampler
	switch opts.role {
	case roleDevice:
		device, err = setupDevice(svc)
	case roleClient:
		err = setupClient(svc)
	default:
		err = fmt.Errorf("unknown role %q", opts.role)
	}
	if err != nil {
		return errors.Join(err, svc.Stop())
	}

	if err := svc.Start(ctx); err != nil {
		return errors.Join(err, svc.Stop())
	}
	// Sampling starts once the relay maps are open, so the first reading
	// leaves the instance.
	if device != nil {
		go device.run(ctx, opts.interval)
	}
	if opts.role == roleClient && opts.command != "" {
		if err := sendCommand(ctx, svc, opts.command); err != nil {
			logger.Error("Failed to send device command", err, relay.LogFields{"command": opts.command})
		}
	}

	<-ctx.Done()
	return svc.Stop()
}

func loadConfig(path string) (relay.Config, error) {
	if path == "" {
		return relay.Config{}, nil
	}
	return relay.LoadConfig(path)
}

// setupDevice relays readings out and commands in, and returns the sampler
// that feeds the bus.
func setupDevice(svc *relay.Service) (*sampler, error) {
	if err := relay.RegisterRelay(svc, relay.RelayRegistration[*relay.TemperatureChangedEvent]{
		Mode:     relay.SendOnly,
		Policies: relay.TemperaturePolicies(),
	}); err != nil {
		return nil, err
	}
	if err := relay.RegisterRelay(svc, relay.RelayRegistration[*relay.DeviceCommandEvent]{
		Mode:     relay.ReceiveOnly,
		Policies: relay.DeviceCommandPolicies(),
	}); err != nil {
		return nil, err
	}

	s := &sampler{
		sensor:     newThermometer(),
		thresholds: svc.Conf.Thresholds,
		logger:     svc.Logger,
		now:        time.Now,
		publish: func(ctx context.Context, event *relay.TemperatureChangedEvent) error {
			return relay.Publish(ctx, svc, event)
		},
	}
	if _, err := relay.Subscribe(svc, s.handleCommand, relay.DispatchAny); err != nil {
		return nil, err
	}
	return s, nil
}

// setupClient relays readings in and commands out, and logs every reading.
func setupClient(svc *relay.Service) error {
	if err := relay.RegisterRelay(svc, relay.RelayRegistration[*relay.TemperatureChangedEvent]{
		Mode:     relay.ReceiveOnly,
		Policies: relay.TemperaturePolicies(),
	}); err != nil {
		return err
	}
	if err := relay.RegisterRelay(svc, relay.RelayRegistration[*relay.DeviceCommandEvent]{
		Mode:     relay.SendOnly,
		Policies: relay.DeviceCommandPolicies(),
	}); err != nil {
		return err
	}

	_, err := relay.Subscribe(svc, func(_ context.Context, event *relay.TemperatureChangedEvent) {
		r := event.SensorReading
		svc.Logger.Info("Temperature reading", relay.LogFields{
			"temperature": r.Temperature,
			"source":      r.Source.String(),
			"alert":       r.AlertActive(),
			"critical":    r.IsCritical,
			"taken_at":    r.TimestampUTC.Format(time.RFC3339),
		})
	}, relay.DispatchAny)
	return err
}

func sendCommand(ctx context.Context, svc *relay.Service, name string) error {
	command, err := relay.ParseDeviceCommand(name)
	if err != nil {
		return err
	}
	return relay.Publish(ctx, svc, relay.NewDeviceCommandEvent(command))
}
