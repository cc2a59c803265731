// Package ekemsg defines the decoded EKE telemetry message, its typed
// content variants, and the envelopes that carry records through the
// pipeline together with their broker source references.
package ekemsg

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message type identifiers from the EKE frame header.
const (
	TypeUDP        = 1
	TypeIDStruct   = 2
	TypeJKVStatus  = 3
	TypeJKVEvent   = 4
	TypeBeacon     = 5
	TypeTrainMsg   = 6
	TypeFault      = 7
	TypePressure   = 8
	TypeSerialCRC  = 9
	TypeTimeChange = 10
)

// MsgName returns the human readable name for an EKE message type.
func MsgName(msgType int) string {
	switch msgType {
	case TypeUDP:
		return "UDP"
	case TypeIDStruct:
		return "EKE id Struct"
	case TypeJKVStatus:
		return "EKE JKV status"
	case TypeJKVEvent:
		return "EKE JKV event"
	case TypeBeacon:
		return "EKE JKV Beacon"
	case TypeTrainMsg:
		return "EKE JKV Train Msg"
	case TypeFault:
		return "EKE JKV Fault Msg"
	case TypePressure:
		return "EKE JKV Pressure sensor error"
	case TypeSerialCRC:
		return "EKE JKV Serial link CRC error"
	case TypeTimeChange:
		return "EKE JKV Time change"
	default:
		return "Unknown"
	}
}

// Message is a decoded EKE record. Header fields come from the first 12
// bytes of the frame; Content holds the typed per-type payload. The tst
// fields are filled in by the timestamp validator, Discard and Incomplete
// by the reorder and balise stages.
type Message struct {
	MsgType      int
	MsgName      string
	MsgVersion   int
	NTPTimeValid bool
	EkeTimestamp time.Time
	NTPTimestamp time.Time

	Vehicle       string
	MQTTTimestamp time.Time

	TST               time.Time
	TSTSource         string
	TSTCorrected      time.Time
	TSTCorrectionSecs float64

	Discard               bool
	Incomplete            bool
	ReleasedMQTTTimestamp time.Time

	Content Content
}

// Content is the typed payload of a Message. Downstream stages switch on
// the concrete type instead of looking fields up by name.
type Content interface {
	isContent()
}

// UDP is the continuous vehicle state record (msg_type 1).
type UDP struct {
	PacketNo              int     `json:"packet_no"`
	Speed                 float32 `json:"speed"`
	Odo                   int     `json:"odo"`
	Standstill            bool    `json:"standstill"`
	DoorsOpen             bool    `json:"doors_open"`
	ActiveCabin           string  `json:"active_cabin"` // "A", "B", "AB" or ""
	VehicleCount          int     `json:"vehicle_count"`
	VehiclePosOnTrain     int     `json:"vehicle_pos_on_train"`
	VehicleNo             int     `json:"vehicle_no"`
	AllVehicles           [4]int  `json:"all_vehicles"`
	TrainNo               int     `json:"train_no"`
	LocX                  float64 `json:"loc_x"`
	LocY                  float64 `json:"loc_y"`
	MainBrakePipePressure float32 `json:"main_brake_pipe_pressure"`
	TelesteTimestamp      string  `json:"teleste_timestamp"`
}

// BalisePart is one half of a balise telegram (msg_type 5) before the
// parts combiner has paired it with its sibling.
type BalisePart struct {
	MsgIndex           int    `json:"msg_index"`
	TransponderMsgPart int    `json:"transponder_msg_part"`
	Raw                []byte `json:"content"`
}

// Balise is a combined balise telegram. BaliseCBA is cleared once the
// direction resolver has derived Direction from it.
type Balise struct {
	BaliseCBA     string `json:"balise_cba,omitempty"`
	BaliseCBB     string `json:"balise_cbb"`
	BaliseMsgType string `json:"balise_msg_type"`
	BaliseID      int    `json:"balise_id"`
	BaliseIDNext  int    `json:"balise_id_next"`
	Direction     int    `json:"direction,omitempty"` // 0 unresolved, 1 or 2
}

// JKVStatus carries the JKV speed supervision snapshot (msg_type 3).
type JKVStatus struct {
	TargetSpeed  int `json:"jkv_target_speed"`
	Speed        int `json:"jkv_speed"`
	AllowedSpeed int `json:"jkv_allowed_speed"`
}

// JKVEvent carries the IO struct of a JKV event record (msg_type 4).
type JKVEvent struct {
	IOSpeed int `json:"io_speed"`
}

// Fault is a JKV fault message (msg_type 7).
type Fault struct {
	Text string `json:"jkv_fault_msg_text"`
}

// TimeChange records an on-board clock adjustment (msg_type 10).
type TimeChange struct {
	NewDate time.Time `json:"new_date"`
	OldDate time.Time `json:"old_date"`
}

// Empty is the content of message types that decode to nothing.
type Empty struct{}

func (UDP) isContent()        {}
func (BalisePart) isContent() {}
func (Balise) isContent()     {}
func (JKVStatus) isContent()  {}
func (JKVEvent) isContent()   {}
func (Fault) isContent()      {}
func (TimeChange) isContent() {}
func (Empty) isContent()      {}

// messageJSON is the wire form of Message. Optional timestamps are
// pointers so that unset values serialize as null.
type messageJSON struct {
	MsgType      int       `json:"msg_type"`
	MsgName      string    `json:"msg_name"`
	MsgVersion   int       `json:"msg_version"`
	NTPTimeValid bool      `json:"ntp_time_valid"`
	EkeTimestamp time.Time `json:"eke_timestamp"`
	NTPTimestamp time.Time `json:"ntp_timestamp"`

	Vehicle       string    `json:"vehicle"`
	MQTTTimestamp time.Time `json:"mqtt_timestamp"`

	TST               *time.Time `json:"tst,omitempty"`
	TSTSource         string     `json:"tst_source,omitempty"`
	TSTCorrected      *time.Time `json:"tst_corrected,omitempty"`
	TSTCorrectionSecs float64    `json:"tst_eke_correction_utc_secs"`

	Discard               bool       `json:"discard,omitempty"`
	Incomplete            bool       `json:"incomplete,omitempty"`
	ReleasedMQTTTimestamp *time.Time `json:"released_mqtt_timestamp,omitempty"`

	Content json.RawMessage `json:"content,omitempty"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (m Message) MarshalJSON() ([]byte, error) {
	var content json.RawMessage
	if m.Content != nil {
		b, err := json.Marshal(m.Content)
		if err != nil {
			return nil, err
		}
		content = b
	}
	return json.Marshal(messageJSON{
		MsgType:               m.MsgType,
		MsgName:               m.MsgName,
		MsgVersion:            m.MsgVersion,
		NTPTimeValid:          m.NTPTimeValid,
		EkeTimestamp:          m.EkeTimestamp,
		NTPTimestamp:          m.NTPTimestamp,
		Vehicle:               m.Vehicle,
		MQTTTimestamp:         m.MQTTTimestamp,
		TST:                   optTime(m.TST),
		TSTSource:             m.TSTSource,
		TSTCorrected:          optTime(m.TSTCorrected),
		TSTCorrectionSecs:     m.TSTCorrectionSecs,
		Discard:               m.Discard,
		Incomplete:            m.Incomplete,
		ReleasedMQTTTimestamp: optTime(m.ReleasedMQTTTimestamp),
		Content:               content,
	})
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var aux messageJSON
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	m.MsgType = aux.MsgType
	m.MsgName = aux.MsgName
	m.MsgVersion = aux.MsgVersion
	m.NTPTimeValid = aux.NTPTimeValid
	m.EkeTimestamp = aux.EkeTimestamp
	m.NTPTimestamp = aux.NTPTimestamp
	m.Vehicle = aux.Vehicle
	m.MQTTTimestamp = aux.MQTTTimestamp
	if aux.TST != nil {
		m.TST = *aux.TST
	}
	m.TSTSource = aux.TSTSource
	if aux.TSTCorrected != nil {
		m.TSTCorrected = *aux.TSTCorrected
	}
	m.TSTCorrectionSecs = aux.TSTCorrectionSecs
	m.Discard = aux.Discard
	m.Incomplete = aux.Incomplete
	if aux.ReleasedMQTTTimestamp != nil {
		m.ReleasedMQTTTimestamp = *aux.ReleasedMQTTTimestamp
	}

	content, err := decodeContent(aux.MsgType, aux.Content)
	if err != nil {
		return err
	}
	m.Content = content
	return nil
}

// decodeContent picks the content variant by message type. Balise records
// change shape as they move through the pipeline, so type 5 is probed for
// the part marker.
func decodeContent(msgType int, raw json.RawMessage) (Content, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Empty{}, nil
	}
	switch msgType {
	case TypeUDP:
		var c UDP
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("udp content: %w", err)
		}
		return c, nil
	case TypeBeacon:
		var probe struct {
			TransponderMsgPart *int `json:"transponder_msg_part"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("balise content: %w", err)
		}
		if probe.TransponderMsgPart != nil {
			var c BalisePart
			if err := json.Unmarshal(raw, &c); err != nil {
				return nil, fmt.Errorf("balise part content: %w", err)
			}
			return c, nil
		}
		var c Balise
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("balise content: %w", err)
		}
		return c, nil
	case TypeJKVStatus:
		var c JKVStatus
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case TypeJKVEvent:
		var c JKVEvent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case TypeFault:
		var c Fault
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case TypeTimeChange:
		var c TimeChange
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return Empty{}, nil
	}
}

// Fingerprint renders the message header and content as a stable flat
// string for duplicate detection. Content variants are flat structs, so
// the default formatting is deterministic.
func (m *Message) Fingerprint() string {
	return fmt.Sprintf("%d|%d|%t|%d|%d|%s|%+v",
		m.MsgType, m.MsgVersion, m.NTPTimeValid,
		m.EkeTimestamp.UnixMilli(), m.NTPTimestamp.UnixMilli(),
		m.Vehicle, m.Content)
}
