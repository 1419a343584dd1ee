// Package datum defines the timestamped record produced by probes and
// carried through the local and remote data stores.
package datum

import (
	"time"

	"github.com/google/uuid"
)

// Datum is a single record produced by a probe.
type Datum struct {
	ID         string         `cbor:"id" json:"id"`
	Probe      string         `cbor:"probe" json:"probe"`
	ProtocolID string         `cbor:"protocol_id" json:"protocol_id"`
	Timestamp  time.Time      `cbor:"ts" json:"ts"`
	Values     map[string]any `cbor:"values" json:"values"`
}

// New returns a datum stamped with a fresh id and the current UTC time.
func New(probe string, values map[string]any) *Datum {
	return &Datum{
		ID:        uuid.NewString(),
		Probe:     probe,
		Timestamp: time.Now().UTC(),
		Values:    values,
	}
}
