// Package ekeparser decodes the binary telemetry frames produced by the
// on-train EKE equipment into typed messages. The layout of each message
// type is expressed as a small decode function over a fixed byte schema;
// the 12-byte header selects which one runs on the remainder of the frame.
package ekeparser

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/snarg/eke-engine/internal/ekemsg"
)

const headerLen = 12

// connectionStatus topics carry broker liveness chatter, not telemetry.
const connectionStatusSegment = "connectionStatus"

// contentDecoder decodes the payload that follows the header. A nil entry
// means the type carries no decoded content.
type contentDecoder func(b []byte) (ekemsg.Content, error)

var contentDecoders = map[int]contentDecoder{
	ekemsg.TypeUDP:        decodeUDP,
	ekemsg.TypeJKVStatus:  decodeJKVStatus,
	ekemsg.TypeJKVEvent:   decodeJKVEvent,
	ekemsg.TypeBeacon:     decodeBalisePart,
	ekemsg.TypeFault:      decodeFault,
	ekemsg.TypeTimeChange: decodeTimeChange,
}

// ignoredTypes decode to nothing at all: the record is suppressed.
var ignoredTypes = map[int]bool{
	ekemsg.TypeIDStruct:  true,
	ekemsg.TypeTrainMsg:  true,
	ekemsg.TypePressure:  true,
	ekemsg.TypeSerialCRC: true,
}

// ParseTopic extracts the vehicle id and message type segment from an
// MQTT topic of the form prefix/+/+/<vehicle>/+/<type>/...
func ParseTopic(topic string) (vehicle, msgType string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 6 {
		return "", "", fmt.Errorf("short topic %q", topic)
	}
	return parts[3], parts[5], nil
}

// Parse decodes a hex-encoded EKE frame into a Message. It returns
// (nil, nil) for records the pipeline does not care about: connection
// status topics and ignored message types.
func Parse(rawHex, topic string) (*ekemsg.Message, error) {
	vehicle, topicType, err := ParseTopic(topic)
	if err != nil {
		return nil, err
	}
	if topicType == connectionStatusSegment {
		return nil, nil
	}

	payload, err := hex.DecodeString(strings.TrimSpace(rawHex))
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex payload: %w", err)
	}
	if len(payload) < headerLen {
		return nil, fmt.Errorf("failed to decode: frame too short (%d bytes)", len(payload))
	}

	head := binary.BigEndian.Uint16(payload[0:2])
	msgType := int(head & 0x1F)
	msgVersion := int(head >> 5 & 0x3FF)
	ntpTimeValid := head>>15 == 1

	if ignoredTypes[msgType] {
		return nil, nil
	}

	msg := &ekemsg.Message{
		MsgType:      msgType,
		MsgName:      ekemsg.MsgName(msgType),
		MsgVersion:   msgVersion,
		NTPTimeValid: ntpTimeValid,
		EkeTimestamp: timestampWithMS(payload[2:7]),
		NTPTimestamp: timestampWithMS(payload[7:12]),
		Vehicle:      vehicle,
		Content:      ekemsg.Empty{},
	}

	decode := contentDecoders[msgType]
	if decode == nil {
		return msg, nil
	}

	content, err := decode(payload[headerLen:])
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s content: %w", msg.MsgName, err)
	}
	msg.Content = content
	return msg, nil
}

func decodeJKVStatus(b []byte) (ekemsg.Content, error) {
	if len(b) < 6 {
		return nil, fmt.Errorf("jkv status payload too short (%d bytes)", len(b))
	}
	return ekemsg.JKVStatus{
		TargetSpeed:  int(b[0]),
		Speed:        int(b[1]),
		AllowedSpeed: int(b[5]),
	}, nil
}

func decodeJKVEvent(b []byte) (ekemsg.Content, error) {
	if len(b) < 19 {
		return nil, fmt.Errorf("jkv event payload too short (%d bytes)", len(b))
	}
	return ekemsg.JKVEvent{IOSpeed: uintBE(b[17:19])}, nil
}

func decodeFault(b []byte) (ekemsg.Content, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("fault payload too short (%d bytes)", len(b))
	}
	return ekemsg.Fault{Text: cString(b[0:8])}, nil
}

func decodeTimeChange(b []byte) (ekemsg.Content, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("time change payload too short (%d bytes)", len(b))
	}
	return ekemsg.TimeChange{
		NewDate: timestampSecsBE(b[0:4]),
		OldDate: timestampSecsBE(b[4:8]),
	}, nil
}
