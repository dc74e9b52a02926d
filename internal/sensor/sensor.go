// Package sensor reads environmental snapshots from a BME280 over I²C.
package sensor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/bmxx80"

	"cloudpico-node/internal/errcode"
	"cloudpico-node/internal/types"
)

const (
	ErrNotInitialized errcode.Code = "sensor_not_initialized"
	ErrBusFault       errcode.Code = "sensor_bus_fault"
)

// Device is the part of a bus-attached environmental sensor the reader uses.
// *bmxx80.Dev satisfies it.
type Device interface {
	Sense(e *physic.Env) error
	Halt() error
}

// Opener performs the one-time device initialization (mode and calibration
// load) and returns the ready device.
type Opener func() (Device, error)

// BME280 returns an Opener for a BME280 at addr on bus.
func BME280(bus i2c.Bus, addr uint16) Opener {
	return func() (Device, error) {
		dev, err := bmxx80.NewI2C(bus, addr, &bmxx80.DefaultOpts)
		if err != nil {
			return nil, err
		}
		return dev, nil
	}
}

type Reader struct {
	open   Opener
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	dev Device
}

func NewReader(open Opener, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{open: open, logger: logger, now: time.Now}
}

// Init initializes the device once. Later calls are no-ops.
func (r *Reader) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dev != nil {
		return nil
	}
	if r.open == nil {
		return errcode.Newf(ErrNotInitialized, "sensor.init", "no device opener")
	}
	dev, err := r.open()
	if err != nil {
		return errcode.New(ErrBusFault, "sensor.init", err)
	}
	r.dev = dev
	r.logger.Debug("sensor: initialized")
	return nil
}

// Read captures temperature, humidity and pressure in a single transaction.
func (r *Reader) Read(ctx context.Context) (types.Measurement, error) {
	r.mu.Lock()
	dev := r.dev
	r.mu.Unlock()
	if dev == nil {
		return types.Measurement{}, errcode.New(ErrNotInitialized, "sensor.read", nil)
	}
	if err := ctx.Err(); err != nil {
		return types.Measurement{}, err
	}

	var env physic.Env
	if err := dev.Sense(&env); err != nil {
		return types.Measurement{}, errcode.New(ErrBusFault, "sensor.read", err)
	}

	m := types.Measurement{
		Temperature: env.Temperature.Celsius(),
		Humidity:    float64(env.Humidity) / float64(physic.PercentRH),
		Pressure:    float64(env.Pressure) / float64(physic.Pascal),
		CapturedAt:  r.now(),
	}
	r.logger.Info("sensor: reading",
		"temperature_c", m.Temperature,
		"humidity_pct", m.Humidity,
		"pressure_pa", m.Pressure,
	)
	return m, nil
}

// Close halts the device. The reader must be initialized again before use.
func (r *Reader) Close() error {
	r.mu.Lock()
	dev := r.dev
	r.dev = nil
	r.mu.Unlock()
	if dev == nil {
		return nil
	}
	return dev.Halt()
}
