package pipeline

import (
	"encoding/json"
	"fmt"
)

// Record kinds on the broker topics between pipeline roles.
const (
	KindRaw          = "raw"
	KindMessage      = "message"
	KindEvent        = "event"
	KindStationEvent = "stationevent"
)

// wireRecord is the envelope published between roles. Kind selects the
// payload type so one topic can carry mixed streams.
type wireRecord struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func encodeWire(kind string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s record: %w", kind, err)
	}
	return json.Marshal(wireRecord{Kind: kind, Data: data})
}

func decodeWire(b []byte) (wireRecord, error) {
	var rec wireRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return wireRecord{}, fmt.Errorf("malformed wire record: %w", err)
	}
	if rec.Kind == "" {
		return wireRecord{}, fmt.Errorf("wire record without kind")
	}
	return rec, nil
}
