package stages

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/eke-engine/internal/ekemsg"
)

// stationCache accumulates one station visit until enough is known to
// emit it as a StationEvent.
type stationCache struct {
	station             string
	track               string
	direction           string
	timeArrived         *time.Time
	timeDoorsLastClosed *time.Time
	timeDeparted        *time.Time
	arrivalVehicleState map[string]any
}

// Aggregator folds the per-vehicle event stream into station visits. The
// vehicle state map carries attributes like train_no across visits so
// each StationEvent records the composition the vehicle had on arrival.
type Aggregator struct {
	vehicleState map[string]any
	cache        stationCache
	log          zerolog.Logger
}

func NewAggregator(log zerolog.Logger) *Aggregator {
	return &Aggregator{vehicleState: make(map[string]any), log: log}
}

// Apply folds one event into the visit state and returns the StationEvent
// it completes, or an empty envelope carrying the source refs.
func (a *Aggregator) Apply(env ekemsg.EventEnvelope) ekemsg.StationEnvelope {
	none := ekemsg.StationEnvelope{SourceRefs: env.SourceRefs}
	if env.IsEmpty() {
		return none
	}
	ev := env.Data

	var emitted *ekemsg.StationEvent
	switch ev.EventType {
	case ekemsg.EventArrival:
		emitted = a.onArrival(ev)
	case ekemsg.EventStopped:
		if a.cache.timeArrived == nil || a.cache.timeDoorsLastClosed == nil {
			t := ev.NTPTimestamp
			a.cache.timeArrived = &t
		}
	case ekemsg.EventDoorsOpened:
	case ekemsg.EventDoorsClosed:
		t := ev.NTPTimestamp
		a.cache.timeDoorsLastClosed = &t
	case ekemsg.EventMoving:
		t := ev.NTPTimestamp
		a.cache.timeDeparted = &t
	case ekemsg.EventDeparture:
		emitted = a.onDeparture(ev)
	case ekemsg.EventCabinChanged:
		emitted = a.onCabinChanged(ev)
	case ekemsg.EventTrainNoChanged, ekemsg.EventVehicleCountChanged, ekemsg.EventVehicleIDsChanged:
		a.mergeVehicleState(ev.Data)
	default:
		a.log.Debug().
			Str("vehicle", ev.Vehicle).
			Str("event_type", ev.EventType).
			Msg("event type not used for station aggregation")
	}

	if emitted == nil {
		return none
	}
	return ekemsg.StationEnvelope{Data: emitted, SourceRefs: env.SourceRefs}
}

// onArrival closes out a still-open previous visit, then starts a new one
// from the arrival's station context.
func (a *Aggregator) onArrival(ev *ekemsg.Event) *ekemsg.StationEvent {
	var emitted *ekemsg.StationEvent
	if a.cache.station != "" {
		emitted = a.tryEmit(ev, ev.NTPTimestamp)
		if emitted != nil {
			a.cache = stationCache{}
		}
	}

	a.cache.arrivalVehicleState = copyState(a.vehicleState)
	a.cache.station = stringField(ev.Data, "station")
	a.cache.track = stringField(ev.Data, "track")
	a.cache.direction = stringField(ev.Data, "direction")

	// Times earlier than this arrival belong to a previous visit whose
	// departure was never seen.
	for _, t := range []**time.Time{&a.cache.timeArrived, &a.cache.timeDoorsLastClosed, &a.cache.timeDeparted} {
		if *t != nil && (*t).Before(ev.NTPTimestamp) {
			*t = nil
		}
	}
	return emitted
}

func (a *Aggregator) onDeparture(ev *ekemsg.Event) *ekemsg.StationEvent {
	if a.cache.station == "" {
		a.cache.station = stringField(ev.Data, "station")
		a.cache.track = stringField(ev.Data, "track")
		a.cache.direction = stringField(ev.Data, "direction")
	}
	if a.cache.arrivalVehicleState == nil {
		a.cache.arrivalVehicleState = copyState(a.vehicleState)
	}
	emitted := a.tryEmit(ev, ev.NTPTimestamp)
	if emitted != nil {
		a.cache = stationCache{}
	}
	return emitted
}

// onCabinChanged ends the current journey: whatever visit is open is
// emitted if possible and the cache is dropped either way, since door and
// movement times from the old driving direction no longer apply.
func (a *Aggregator) onCabinChanged(ev *ekemsg.Event) *ekemsg.StationEvent {
	a.mergeVehicleState(ev.Data)
	a.cache.timeDeparted = nil
	a.cache.timeDoorsLastClosed = nil
	emitted := a.tryEmit(ev, ev.NTPTimestamp)
	a.cache = stationCache{}
	return emitted
}

// tryEmit builds the StationEvent for the cached visit, or nil when the
// visit is not emittable: the station context is incomplete, the vehicle
// never stopped nor departed, or the trigger predates a recorded time.
func (a *Aggregator) tryEmit(ev *ekemsg.Event, trigger time.Time) *ekemsg.StationEvent {
	c := &a.cache
	if c.station == "" || c.track == "" || c.direction == "" {
		return nil
	}
	if c.timeArrived == nil && c.timeDeparted == nil {
		return nil
	}
	for _, t := range []*time.Time{c.timeArrived, c.timeDoorsLastClosed, c.timeDeparted} {
		if t != nil && trigger.Before(*t) {
			return nil
		}
	}

	data := copyState(c.arrivalVehicleState)
	if data == nil {
		data = make(map[string]any)
	}
	data["time_arrived"] = timeOrNil(c.timeArrived)
	data["time_doors_last_closed"] = timeOrNil(c.timeDoorsLastClosed)
	data["time_departed"] = timeOrNil(c.timeDeparted)

	return &ekemsg.StationEvent{
		Vehicle:      ev.Vehicle,
		NTPTimestamp: trigger,
		EkeTimestamp: ev.EkeTimestamp,
		TST:          ev.TST,
		TSTSource:    ev.TSTSource,
		Station:      c.station,
		Track:        c.track,
		Direction:    c.direction,
		Data:         data,
	}
}

func (a *Aggregator) mergeVehicleState(data map[string]any) {
	for k, v := range data {
		a.vehicleState[k] = v
	}
}

func copyState(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
