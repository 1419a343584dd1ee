// Package gpu provides a polled probe sampling NVIDIA GPUs through NVML:
// temperature, fan speeds, power limit and power draw, with rolling
// averages for temperature and power draw.
package gpu

import (
	"context"
	"sync"

	"codeberg.org/mutker/sensusd/internal/datum"
	"codeberg.org/mutker/sensusd/internal/errors"
	"codeberg.org/mutker/sensusd/internal/logger"
)

const (
	temperatureWindowSize = 5
	powerUsageWindowSize  = 5
)

// Sampler implements probe.Poller, probe.Opener and probe.Closer over an
// NVML Library.
type Sampler struct {
	lib     Library
	indexes []int
	log     logger.Logger

	mu      sync.Mutex
	open    bool
	devices []*deviceState
}

type deviceState struct {
	index  int
	device Device
	name   string
	uuid   string

	temperatureHistory []int
	powerUsageHistory  []int
}

// NewSampler samples the devices at indexes, or every device when indexes
// is empty.
func NewSampler(lib Library, indexes []int, log logger.Logger) *Sampler {
	if log == nil {
		log = logger.Default()
	}
	return &Sampler{lib: lib, indexes: indexes, log: log.With("gpu")}
}

// Open initializes NVML and resolves the sampled devices.
func (s *Sampler) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return nil
	}

	if err := s.lib.Init(); err != nil {
		return err
	}

	devices, err := s.discover()
	if err != nil {
		if shutdownErr := s.lib.Shutdown(); shutdownErr != nil {
			s.log.Warn().Err(shutdownErr).Msg("Failed to shut down NVML after failed discovery")
		}
		return err
	}

	s.devices = devices
	s.open = true

	return nil
}

func (s *Sampler) discover() ([]*deviceState, error) {
	indexes := s.indexes
	if len(indexes) == 0 {
		count, err := s.lib.DeviceCount()
		if err != nil {
			return nil, err
		}
		for i := 0; i < count; i++ {
			indexes = append(indexes, i)
		}
	}

	if len(indexes) == 0 {
		return nil, errors.New().New(ErrNoDevices)
	}

	devices := make([]*deviceState, 0, len(indexes))
	for _, idx := range indexes {
		device, err := s.lib.Device(idx)
		if err != nil {
			return nil, errors.New().Wrap(ErrDeviceNotFound, err).WithData(idx)
		}

		state := &deviceState{index: idx, device: device}
		if state.name, err = device.Name(); err != nil {
			s.log.Warn().Err(err).Int("device", idx).Msg("Failed to get GPU name")
		}
		if state.uuid, err = device.UUID(); err != nil {
			s.log.Warn().Err(err).Int("device", idx).Msg("Failed to get GPU UUID")
		}

		s.log.Info().Int("device", idx).Str("name", state.name).Msg("Detected GPU")
		devices = append(devices, state)
	}

	return devices, nil
}

// Poll samples every device. A device whose temperature cannot be read is
// skipped; the poll fails only if no device could be sampled.
func (s *Sampler) Poll(context.Context) ([]*datum.Datum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil, errors.New().New(ErrNotInitialized)
	}

	var (
		records []*datum.Datum
		lastErr error
	)
	for _, state := range s.devices {
		values, err := s.sample(state)
		if err != nil {
			s.log.Debug().Err(err).Int("device", state.index).Msg("Failed to sample GPU")
			lastErr = err
			continue
		}
		records = append(records, datum.New("", values))
	}

	if len(records) == 0 && lastErr != nil {
		return nil, lastErr
	}

	return records, nil
}

func (s *Sampler) sample(state *deviceState) (map[string]any, error) {
	temp, err := state.device.Temperature()
	if err != nil {
		return nil, err
	}

	values := map[string]any{
		"device":          state.index,
		"name":            state.name,
		"uuid":            state.uuid,
		"temperature":     temp,
		"temperature_avg": rollingAverage(&state.temperatureHistory, temp, temperatureWindowSize),
	}

	if speeds, err := state.device.FanSpeeds(); err == nil {
		values["fan_speeds"] = speeds
	} else {
		s.log.Debug().Err(err).Int("device", state.index).Msg("Failed to read fan speeds")
	}

	if limit, err := state.device.PowerLimit(); err == nil {
		values["power_limit_w"] = limit
	} else {
		s.log.Debug().Err(err).Int("device", state.index).Msg("Failed to read power limit")
	}

	if usage, err := state.device.PowerUsage(); err == nil {
		values["power_usage_w"] = usage
		values["power_usage_avg_w"] = rollingAverage(&state.powerUsageHistory, usage, powerUsageWindowSize)
	} else {
		s.log.Debug().Err(err).Int("device", state.index).Msg("Failed to read power usage")
	}

	return values, nil
}

// Close shuts NVML down.
func (s *Sampler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}
	s.open = false
	s.devices = nil

	return s.lib.Shutdown()
}

func rollingAverage(history *[]int, value, window int) int {
	*history = append(*history, value)
	if len(*history) > window {
		*history = (*history)[1:]
	}

	sum := 0
	for _, v := range *history {
		sum += v
	}

	return sum / len(*history)
}
