package ekemsg

import "time"

// Event types emitted by the event detector. Registry-driven arrival and
// departure events additionally have a *_debug form that is emitted when a
// balise is passed but nothing about the station state changed.
const (
	EventDoorsOpened         = "doors_opened"
	EventDoorsClosed         = "doors_closed"
	EventStopped             = "stopped"
	EventMoving              = "moving"
	EventCabinChanged        = "cabin_changed"
	EventTrainNoChanged      = "train_no_changed"
	EventVehicleCountChanged = "vehicle_count_changed"
	EventVehicleIDsChanged   = "vehicle_ids_changed"
	EventArrival             = "arrival"
	EventDeparture           = "departure"
	EventArrivalDebug        = "arrival_debug"
	EventDepartureDebug      = "departure_debug"
)

// Event is a discrete per-vehicle state transition. Data holds the small
// event specific payload: the changed field and its new value for UDP
// events, or station/track/direction/triggered_by for balise events.
type Event struct {
	Vehicle       string         `json:"vehicle"`
	TST           time.Time      `json:"tst"`
	TSTCorrected  time.Time      `json:"tst_corrected"`
	TSTSource     string         `json:"tst_source"`
	NTPTimestamp  time.Time      `json:"ntp_timestamp"`
	EkeTimestamp  time.Time      `json:"eke_timestamp"`
	MQTTTimestamp time.Time      `json:"mqtt_timestamp"`
	EventType     string         `json:"event_type"`
	Data          map[string]any `json:"data"`
}

// StationEvent summarizes one vehicle visit to a station. Data is the
// vehicle state captured at arrival merged with the three visit
// timestamps; absent timestamps are kept as explicit nulls.
type StationEvent struct {
	Vehicle      string         `json:"vehicle"`
	NTPTimestamp time.Time      `json:"ntp_timestamp"`
	EkeTimestamp time.Time      `json:"eke_timestamp"`
	TST          time.Time      `json:"tst"`
	TSTSource    string         `json:"tst_source"`
	Station      string         `json:"station"`
	Track        string         `json:"track"`
	Direction    string         `json:"direction"`
	Data         map[string]any `json:"data"`
}
