package ekeparser

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"testing"
	"time"

	"github.com/snarg/eke-engine/internal/ekemsg"
)

const testTopic = "eke/v1/sm5/12/telemetry/eke"

// frame builds a hex-encoded EKE frame: the 12-byte header followed by
// the given payload.
func frame(msgType, version int, ntpValid bool, ekeSecs, ntpSecs uint32, payload []byte) string {
	head := uint16(msgType) | uint16(version)<<5
	if ntpValid {
		head |= 1 << 15
	}
	b := make([]byte, 12, 12+len(payload))
	binary.BigEndian.PutUint16(b[0:2], head)
	binary.BigEndian.PutUint32(b[2:6], ekeSecs)
	b[6] = 50 // centiseconds
	binary.BigEndian.PutUint32(b[7:11], ntpSecs)
	b[11] = 0
	return hex.EncodeToString(append(b, payload...))
}

func TestParseTopic(t *testing.T) {
	t.Run("vehicle_and_type_extracted", func(t *testing.T) {
		vehicle, msgType, err := ParseTopic(testTopic)
		if err != nil {
			t.Fatal(err)
		}
		if vehicle != "12" || msgType != "eke" {
			t.Errorf("got %q %q, want 12 eke", vehicle, msgType)
		}
	})

	t.Run("short_topic_rejected", func(t *testing.T) {
		if _, _, err := ParseTopic("eke/v1/sm5/12"); err == nil {
			t.Error("expected error")
		}
	})
}

func TestParse(t *testing.T) {
	ekeSecs := uint32(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC).Unix())

	t.Run("header_fields_decoded", func(t *testing.T) {
		raw := frame(ekemsg.TypeFault, 3, true, ekeSecs, ekeSecs+1, []byte("BRAKE\x00\x00\x00"))
		msg, err := Parse(raw, testTopic)
		if err != nil {
			t.Fatal(err)
		}
		if msg.MsgType != ekemsg.TypeFault || msg.MsgVersion != 3 || !msg.NTPTimeValid {
			t.Errorf("header = type %d version %d ntp %v", msg.MsgType, msg.MsgVersion, msg.NTPTimeValid)
		}
		if msg.Vehicle != "12" {
			t.Errorf("vehicle = %q", msg.Vehicle)
		}
		want := time.Date(2024, 1, 1, 12, 0, 0, 500_000_000, time.UTC)
		if !msg.EkeTimestamp.Equal(want) {
			t.Errorf("eke_timestamp = %v, want %v", msg.EkeTimestamp, want)
		}
		if f, ok := msg.Content.(ekemsg.Fault); !ok || f.Text != "BRAKE" {
			t.Errorf("content = %#v", msg.Content)
		}
	})

	t.Run("udp_payload_decoded", func(t *testing.T) {
		payload := make([]byte, udpMinLen)
		payload[udpPacketNo] = 42
		binary.LittleEndian.PutUint32(payload[udpSpeed:], math.Float32bits(12.5))
		payload[udpOdo] = 0x10 // 16 km, little-endian
		payload[udpStandstill] = 1
		payload[udpDoorsStart+2] = 0x04
		payload[udpActiveCabin] = 0b10
		copy(payload[udpVehicleBlock:], []byte{2, 2, 17, 18, 0, 0})
		payload[udpTrainNo] = 77

		msg, err := Parse(frame(ekemsg.TypeUDP, 1, true, ekeSecs, ekeSecs, payload), testTopic)
		if err != nil {
			t.Fatal(err)
		}
		udp, ok := msg.Content.(ekemsg.UDP)
		if !ok {
			t.Fatalf("content = %#v", msg.Content)
		}
		if udp.PacketNo != 42 || udp.Speed != 12.5 || udp.Odo != 16 || !udp.Standstill {
			t.Errorf("udp = %+v", udp)
		}
		if !udp.DoorsOpen {
			t.Error("doors should read open")
		}
		if udp.ActiveCabin != "A" {
			t.Errorf("active_cabin = %q", udp.ActiveCabin)
		}
		if udp.VehicleCount != 2 || udp.VehicleNo != 17 || udp.TrainNo != 77 {
			t.Errorf("composition = %+v", udp)
		}
	})

	t.Run("balise_part_keeps_raw_telegram", func(t *testing.T) {
		payload := []byte{1, 0, 2, 0, 0, 0, 0xAA, 0xBB}
		msg, err := Parse(frame(ekemsg.TypeBeacon, 1, true, ekeSecs, ekeSecs, payload), testTopic)
		if err != nil {
			t.Fatal(err)
		}
		part, ok := msg.Content.(ekemsg.BalisePart)
		if !ok {
			t.Fatalf("content = %#v", msg.Content)
		}
		if part.MsgIndex != 1 || part.TransponderMsgPart != 2 {
			t.Errorf("part = %+v", part)
		}
		if len(part.Raw) != 2 || part.Raw[0] != 0xAA {
			t.Errorf("raw = %x", part.Raw)
		}
	})

	t.Run("connection_status_suppressed", func(t *testing.T) {
		raw := frame(ekemsg.TypeUDP, 1, true, ekeSecs, ekeSecs, nil)
		msg, err := Parse(raw, "eke/v1/sm5/12/telemetry/connectionStatus")
		if err != nil || msg != nil {
			t.Errorf("got %v, %v; want nil, nil", msg, err)
		}
	})

	t.Run("ignored_type_suppressed", func(t *testing.T) {
		raw := frame(ekemsg.TypePressure, 1, true, ekeSecs, ekeSecs, nil)
		msg, err := Parse(raw, testTopic)
		if err != nil || msg != nil {
			t.Errorf("got %v, %v; want nil, nil", msg, err)
		}
	})

	t.Run("short_frame_rejected", func(t *testing.T) {
		if _, err := Parse("85a1", testTopic); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("bad_hex_rejected", func(t *testing.T) {
		if _, err := Parse("not hex at all", testTopic); err == nil {
			t.Error("expected error")
		}
	})
}

func TestDecodeTelegram(t *testing.T) {
	// CBA 0x2 = balise 1(2), CBB 0x1 = single telegram, type 0x11 = Signal.
	// The id nibbles {2,1,1,1,1} evaluate to 1 in the off-by-one base-14
	// encoding; the next-id nibbles are all ones, so 0.
	b := []byte{0x21, 0x11, 0x21, 0x11, 0x11, 0x11, 0x11}

	tel, err := DecodeTelegram(b)
	if err != nil {
		t.Fatal(err)
	}
	if tel.BaliseCBA != "1(2)" || tel.BaliseCBB != "Single" || tel.BaliseMsgType != "Signal" {
		t.Errorf("telegram = %+v", tel)
	}
	if tel.BaliseID != 1 || tel.BaliseIDNext != 0 {
		t.Errorf("ids = %d %d, want 1 0", tel.BaliseID, tel.BaliseIDNext)
	}

	if _, err := DecodeTelegram([]byte{0x21}); err == nil {
		t.Error("expected error for short telegram")
	}
}
