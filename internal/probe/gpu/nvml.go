package gpu

import (
	"codeberg.org/mutker/sensusd/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const milliWattsToWatts = 1000

// Library abstracts NVML initialization and device discovery for testing.
type Library interface {
	Init() error
	Shutdown() error
	DeviceCount() (int, error)
	Device(index int) (Device, error)
}

// Device is the read-only subset of an NVML device the probe samples.
type Device interface {
	Name() (string, error)
	UUID() (string, error)
	Temperature() (int, error)
	FanSpeeds() ([]int, error)
	PowerLimit() (int, error)
	PowerUsage() (int, error)
}

type nvmlLibrary struct{}

// NVML returns the Library backed by the system's NVML.
func NVML() Library {
	return nvmlLibrary{}
}

func (nvmlLibrary) Init() error {
	if ret := nvml.Init(); !IsNVMLSuccess(ret) {
		return errors.New().Wrap(ErrInitFailed, newNVMLError(ret))
	}
	return nil
}

func (nvmlLibrary) Shutdown() error {
	if ret := nvml.Shutdown(); !IsNVMLSuccess(ret) {
		return errors.New().Wrap(ErrShutdownFailed, newNVMLError(ret))
	}
	return nil
}

func (nvmlLibrary) DeviceCount() (int, error) {
	count, ret := nvml.DeviceGetCount()
	if !IsNVMLSuccess(ret) {
		return 0, errors.New().Wrap(ErrDeviceCountFailed, newNVMLError(ret))
	}
	return count, nil
}

func (nvmlLibrary) Device(index int) (Device, error) {
	device, ret := nvml.DeviceGetHandleByIndex(index)
	if !IsNVMLSuccess(ret) {
		return nil, errors.New().Wrap(ErrDeviceNotFound, newNVMLError(ret))
	}
	return nvmlDevice{device: device}, nil
}

type nvmlDevice struct {
	device nvml.Device
}

func (d nvmlDevice) Name() (string, error) {
	name, ret := d.device.GetName()
	if !IsNVMLSuccess(ret) {
		return "", newNVMLError(ret)
	}
	return name, nil
}

func (d nvmlDevice) UUID() (string, error) {
	uuid, ret := d.device.GetUUID()
	if !IsNVMLSuccess(ret) {
		return "", newNVMLError(ret)
	}
	return uuid, nil
}

func (d nvmlDevice) Temperature() (int, error) {
	temp, ret := d.device.GetTemperature(nvml.TEMPERATURE_GPU)
	if !IsNVMLSuccess(ret) {
		return 0, errors.New().Wrap(ErrTemperatureReadFailed, newNVMLError(ret))
	}
	return int(temp), nil
}

func (d nvmlDevice) FanSpeeds() ([]int, error) {
	errFactory := errors.New()

	count, ret := d.device.GetNumFans()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrFanCountFailed, newNVMLError(ret))
	}

	speeds := make([]int, count)
	for i := 0; i < count; i++ {
		speed, ret := d.device.GetFanSpeed_v2(i)
		if !IsNVMLSuccess(ret) {
			return nil, errFactory.Wrap(ErrGetFanSpeedFailed, newNVMLError(ret))
		}
		speeds[i] = int(speed)
	}

	return speeds, nil
}

func (d nvmlDevice) PowerLimit() (int, error) {
	limit, ret := d.device.GetPowerManagementLimit()
	if !IsNVMLSuccess(ret) {
		return 0, errors.New().Wrap(ErrPowerLimitFailed, newNVMLError(ret))
	}
	return int(limit / milliWattsToWatts), nil
}

func (d nvmlDevice) PowerUsage() (int, error) {
	usage, ret := d.device.GetPowerUsage()
	if !IsNVMLSuccess(ret) {
		return 0, errors.New().Wrap(ErrPowerUsageFailed, newNVMLError(ret))
	}
	return int(usage / milliWattsToWatts), nil
}
