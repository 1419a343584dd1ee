package gpu

import (
	"fmt"

	"codeberg.org/mutker/sensusd/internal/logger"
	"codeberg.org/mutker/sensusd/internal/probe"
)

// Type is the registry name of the GPU probe.
const Type = "gpu"

// Register adds the GPU probe to r. The "devices" option selects device
// indexes; all devices are sampled by default.
func Register(r *probe.Registry, lib Library, log logger.Logger) error {
	if log == nil {
		log = logger.Default()
	}

	return r.Register(Type, func(spec probe.Spec) (*probe.Probe, error) {
		indexes, err := deviceIndexes(spec.Options["devices"])
		if err != nil {
			return nil, err
		}

		sampler := NewSampler(lib, indexes, log)
		return probe.NewPolling(spec.Name, sampler, spec.Interval, probe.WithLogger(log.With("probe"))), nil
	})
}

func deviceIndexes(raw any) ([]int, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case int:
		return []int{v}, nil
	case []int:
		return v, nil
	case float64:
		return deviceIndexes([]any{v})
	case []any:
		out := make([]int, 0, len(v))
		for _, item := range v {
			switch idx := item.(type) {
			case int:
				out = append(out, idx)
			case float64:
				// JSON definitions decode numbers as float64.
				if idx != float64(int(idx)) {
					return nil, fmt.Errorf("invalid device index %v", item)
				}
				out = append(out, int(idx))
			default:
				return nil, fmt.Errorf("invalid device index %v", item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("invalid devices option %v", raw)
	}
}
