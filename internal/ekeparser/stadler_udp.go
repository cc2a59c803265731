package ekeparser

import (
	"fmt"
	"time"

	"github.com/snarg/eke-engine/internal/ekemsg"
)

// Stadler UDP payload layout (byte offsets after the 12-byte header).
const (
	udpPacketNo      = 0
	udpSpeed         = 4
	udpOdo           = 8
	udpStandstill    = 20
	udpDoorsStart    = 21
	udpDoorsEnd      = 28
	udpBrakePressure = 92
	udpActiveCabin   = 143
	udpVehicleBlock  = 144
	udpTrainNo       = 156
	udpLocX          = 160
	udpLocY          = 164
	udpTeleste       = 168
	udpMinLen        = 172
)

var cabinTypes = map[byte]string{
	0b10: "A",
	0b01: "B",
	0b11: "AB",
}

// decodeUDP parses the continuous vehicle state payload (msg_type 1).
func decodeUDP(b []byte) (ekemsg.Content, error) {
	if len(b) < udpMinLen {
		return nil, fmt.Errorf("udp payload too short (%d bytes)", len(b))
	}

	count, pos, no, all := vehicleBlock(b[udpVehicleBlock : udpVehicleBlock+6])

	return ekemsg.UDP{
		PacketNo:              int(b[udpPacketNo]),
		Speed:                 float32LE(b[udpSpeed : udpSpeed+4]),
		Odo:                   uintLE(b[udpOdo : udpOdo+2]),
		Standstill:            b[udpStandstill] != 0,
		DoorsOpen:             anyDoorOpen(b[udpDoorsStart : udpDoorsEnd+1]),
		ActiveCabin:           cabinTypes[b[udpActiveCabin]&0x3],
		VehicleCount:          count,
		VehiclePosOnTrain:     pos,
		VehicleNo:             no,
		AllVehicles:           all,
		TrainNo:               uintLE(b[udpTrainNo : udpTrainNo+2]),
		LocX:                  coordinate(b[udpLocX : udpLocX+4]),
		LocY:                  coordinate(b[udpLocY : udpLocY+4]),
		MainBrakePipePressure: float32LE(b[udpBrakePressure : udpBrakePressure+4]),
		TelesteTimestamp:      telesteTime(b[udpTeleste : udpTeleste+4]),
	}, nil
}

// anyDoorOpen reports whether any of the six door bits is set in any of
// the per-car door status bytes.
func anyDoorOpen(doors []byte) bool {
	for _, d := range doors {
		if d&0x3F != 0 {
			return true
		}
	}
	return false
}

// vehicleBlock splits the 6-byte composition block: count, position of
// this vehicle on the train, and the ids of all coupled vehicles. The own
// vehicle number is read from the block at the position offset.
func vehicleBlock(b []byte) (count, pos, no int, all [4]int) {
	count = int(b[0])
	pos = int(b[1])
	for i := 0; i < 4; i++ {
		all[i] = int(b[2+i])
	}
	if pos >= 0 && pos < len(b) {
		no = int(b[pos])
	}
	return count, pos, no, all
}

func telesteTime(b []byte) string {
	secs := int64(uintLE(b))
	return time.Unix(secs, 0).UTC().Format("2006-01-02 15:04:05+00:00")
}
