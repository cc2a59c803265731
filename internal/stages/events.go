package stages

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/eke-engine/internal/ekemsg"
	"github.com/snarg/eke-engine/internal/registry"
)

// udpState tracks the last seen value of every UDP field that can raise
// an event. Pointers distinguish "never seen" from a real zero value.
type udpState struct {
	doorsOpen    *bool
	standstill   *bool
	activeCabin  *string
	trainNo      *int
	vehicleCount *int
	allVehicles  *[4]int
	lastUpdated  time.Time
}

// stationState tracks the last registry-derived station context so a
// repeated balise pass produces a *_debug event instead of a duplicate.
type stationState struct {
	station     string
	track       string
	direction   string
	event       string
	lastUpdated time.Time
	seen        bool
}

// Detector turns the continuous UDP state stream and the discrete balise
// passes into per-vehicle events, at most one per input record.
type Detector struct {
	udp      udpState
	station  stationState
	registry *registry.Registry
	log      zerolog.Logger
}

func NewDetector(reg *registry.Registry, log zerolog.Logger) *Detector {
	return &Detector{registry: reg, log: log}
}

// Apply returns the event raised by env, or an empty event envelope
// carrying the source refs when nothing changed.
func (d *Detector) Apply(env ekemsg.Envelope) ekemsg.EventEnvelope {
	none := ekemsg.EventEnvelope{SourceRefs: env.SourceRefs}
	if env.IsEmpty() {
		return none
	}
	data := env.Data

	switch content := data.Content.(type) {
	case ekemsg.UDP:
		if data.Discard {
			return none
		}
		if ev := d.applyUDP(data, content); ev != nil {
			return ekemsg.EventEnvelope{Data: ev, SourceRefs: env.SourceRefs}
		}
	case ekemsg.Balise:
		if data.Incomplete {
			return none
		}
		if ev := d.applyBalise(data, content); ev != nil {
			return ekemsg.EventEnvelope{Data: ev, SourceRefs: env.SourceRefs}
		}
	}
	return none
}

func (d *Detector) applyUDP(data *ekemsg.Message, udp ekemsg.UDP) *ekemsg.Event {
	s := &d.udp

	// Doors and standstill describe a state, not a transition, so their
	// first sighting is absorbed silently instead of raising an event.
	initialized := false
	if s.doorsOpen == nil {
		v := udp.DoorsOpen
		s.doorsOpen = &v
		initialized = true
	}
	if s.standstill == nil {
		v := udp.Standstill
		s.standstill = &v
		initialized = true
	}
	if initialized {
		s.lastUpdated = data.TST
	}

	eventType, update := d.firstChange(udp)
	if eventType == "" {
		return nil
	}
	if data.TST.Before(s.lastUpdated) {
		d.log.Warn().
			Str("vehicle", data.Vehicle).
			Str("event_type", eventType).
			Time("tst", data.TST).
			Time("last_updated", s.lastUpdated).
			Msg("udp record older than vehicle state, skipping event")
		return nil
	}
	eventData := update()
	s.lastUpdated = data.TST
	return newEvent(data, eventType, eventData)
}

// firstChange scans the UDP fields in priority order and returns the
// event for the first changed one, plus a closure that commits the new
// value and builds the event data. Empty event type means no change.
func (d *Detector) firstChange(udp ekemsg.UDP) (string, func() map[string]any) {
	s := &d.udp

	if *s.doorsOpen != udp.DoorsOpen {
		eventType := ekemsg.EventDoorsClosed
		if udp.DoorsOpen {
			eventType = ekemsg.EventDoorsOpened
		}
		return eventType, func() map[string]any {
			v := udp.DoorsOpen
			s.doorsOpen = &v
			return map[string]any{"doors_open": v}
		}
	}
	if *s.standstill != udp.Standstill {
		eventType := ekemsg.EventMoving
		if udp.Standstill {
			eventType = ekemsg.EventStopped
		}
		return eventType, func() map[string]any {
			v := udp.Standstill
			s.standstill = &v
			return map[string]any{"standstill": v}
		}
	}
	if udp.ActiveCabin != "" && (s.activeCabin == nil || *s.activeCabin != udp.ActiveCabin) {
		return ekemsg.EventCabinChanged, func() map[string]any {
			v := udp.ActiveCabin
			s.activeCabin = &v
			return map[string]any{"active_cabin": v}
		}
	}
	if udp.TrainNo != 0 && (s.trainNo == nil || *s.trainNo != udp.TrainNo) {
		return ekemsg.EventTrainNoChanged, func() map[string]any {
			v := udp.TrainNo
			s.trainNo = &v
			return map[string]any{"train_no": v}
		}
	}
	if s.vehicleCount == nil || *s.vehicleCount != udp.VehicleCount {
		return ekemsg.EventVehicleCountChanged, func() map[string]any {
			v := udp.VehicleCount
			s.vehicleCount = &v
			return map[string]any{"vehicle_count": v}
		}
	}
	if s.allVehicles == nil || *s.allVehicles != udp.AllVehicles {
		return ekemsg.EventVehicleIDsChanged, func() map[string]any {
			v := udp.AllVehicles
			s.allVehicles = &v
			return map[string]any{"all_vehicles": v}
		}
	}
	return "", nil
}

func (d *Detector) applyBalise(data *ekemsg.Message, balise ekemsg.Balise) *ekemsg.Event {
	key := fmt.Sprintf("%d_%d", balise.BaliseID, balise.Direction)
	entry, ok := d.registry.Lookup(key)
	if !ok {
		return nil
	}

	eventType := strings.ToLower(entry.Type)
	eventData := map[string]any{
		"station":      entry.Station,
		"track":        entry.Track,
		"direction":    entry.TrainDirection,
		"triggered_by": key,
	}

	s := &d.station
	changed := !s.seen ||
		s.station != entry.Station ||
		s.track != entry.Track ||
		s.direction != entry.TrainDirection ||
		s.event != eventType

	if !changed {
		// Same station context as before: repeated balise of the same
		// group, or a missed pass elsewhere. Keep it visible downstream.
		return newEvent(data, eventType+"_debug", eventData)
	}

	if data.TST.Before(s.lastUpdated) {
		d.log.Warn().
			Str("vehicle", data.Vehicle).
			Str("triggered_by", key).
			Time("tst", data.TST).
			Time("last_updated", s.lastUpdated).
			Msg("balise record older than station state, skipping event")
		return nil
	}

	s.station = entry.Station
	s.track = entry.Track
	s.direction = entry.TrainDirection
	s.event = eventType
	s.lastUpdated = data.TST
	s.seen = true
	return newEvent(data, eventType, eventData)
}

func newEvent(data *ekemsg.Message, eventType string, eventData map[string]any) *ekemsg.Event {
	return &ekemsg.Event{
		Vehicle:       data.Vehicle,
		TST:           data.TST,
		TSTCorrected:  data.TSTCorrected,
		TSTSource:     data.TSTSource,
		NTPTimestamp:  data.NTPTimestamp,
		EkeTimestamp:  data.EkeTimestamp,
		MQTTTimestamp: data.MQTTTimestamp,
		EventType:     eventType,
		Data:          eventData,
	}
}
