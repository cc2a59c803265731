package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/snarg/eke-engine/internal/ekemsg"
)

// MessageRow maps a decoded message onto the messages table columns. The
// full message, including discard and incomplete flags, is kept as jsonb
// for forensic queries.
func MessageRow(m *ekemsg.Message) ([]any, error) {
	doc, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return []any{
		tsOrNil(m.TST),
		tsOrNil(m.NTPTimestamp),
		tsOrNil(m.EkeTimestamp),
		tsOrNil(m.MQTTTimestamp),
		m.TSTSource,
		m.MsgType,
		m.Vehicle,
		doc,
	}, nil
}

// EventRow maps an event onto the events table columns.
func EventRow(e *ekemsg.Event) ([]any, error) {
	doc, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	return []any{
		tsOrNil(e.TST),
		tsOrNil(e.TSTCorrected),
		tsOrNil(e.NTPTimestamp),
		tsOrNil(e.EkeTimestamp),
		tsOrNil(e.MQTTTimestamp),
		e.TSTSource,
		e.EventType,
		e.Vehicle,
		doc,
	}, nil
}

// StationEventRow maps a station event onto the stationevents table
// columns.
func StationEventRow(e *ekemsg.StationEvent) ([]any, error) {
	doc, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal station event data: %w", err)
	}
	return []any{
		tsOrNil(e.TST),
		tsOrNil(e.NTPTimestamp),
		tsOrNil(e.EkeTimestamp),
		e.TSTSource,
		e.Vehicle,
		e.Station,
		e.Track,
		e.Direction,
		doc,
	}, nil
}

func tsOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
