package ekeparser

import (
	"fmt"

	"github.com/snarg/eke-engine/internal/ekemsg"
)

// Balise telegram type codes (first payload byte of the combined telegram).
var baliseMsgTypes = map[byte]string{
	0x11: "Signal",
	0x21: "Rep.signal",
	0x31: "Speed board",
	0x41: "Warn. board",
	0x12: "OS",
	0x22: "OS",
	0x13: "RSS",
	0x23: "RSS",
	0x14: "DS",
	0x24: "DS",
	0x15: "RT",
	0x25: "RT",
	0x16: "DG",
	0x26: "DG",
	0x28: "Link Rep.",
	0x19: "ETS1",
	0x29: "ETS1",
	0x39: "ETB1",
	0x49: "ETB1",
	0x1A: "ETS2",
	0x2A: "ETS2",
	0x4A: "ETB2",
	0x1B: "ETS3",
	0x2B: "ETS3",
	0x3B: "ETB3",
	0x4B: "ETB3",
	0x1C: "ETS4",
	0x2C: "ETS4",
	0x3C: "ETB4",
	0x4C: "ETB4",
	0x1D: "ETS5",
	0x2D: "ETS5",
	0x3D: "ETB5",
	0x4D: "ETB5",
	0x2E: "Rep. marker",
	0x4E: "W.B. marker",
	0x3A: "W.B. marker",
}

// CBA encodes which of the two physical balises of a group this is,
// relative to the primary working direction.
var cbaTypes = map[byte]string{
	0x2: "1(2)",
	0x3: "2(2)",
	0xB: "2(2)*",
}

// CBB tells whether the two balises of the group carry the same telegram.
var cbbTypes = map[byte]string{
	0x1: "Single",
	0x2: "Double",
}

// decodeBalisePart parses one half of a balise telegram (msg_type 5).
// The telegram content itself stays raw; the parts combiner concatenates
// the halves and calls DecodeTelegram on the result.
func decodeBalisePart(b []byte) (ekemsg.Content, error) {
	if len(b) < 6 {
		return nil, fmt.Errorf("balise part payload too short (%d bytes)", len(b))
	}
	return ekemsg.BalisePart{
		MsgIndex:           int(b[0]),
		TransponderMsgPart: int(b[2]),
		Raw:                b[6:],
	}, nil
}

// DecodeTelegram parses a full balise telegram assembled from its two
// transmission halves.
func DecodeTelegram(b []byte) (ekemsg.Balise, error) {
	if len(b) < 7 {
		return ekemsg.Balise{}, fmt.Errorf("balise telegram too short (%d bytes)", len(b))
	}

	id, idNext := baliseIDs(b[2:7])

	return ekemsg.Balise{
		BaliseCBA:     cbaTypes[b[0]>>4],
		BaliseCBB:     cbbTypes[b[0]&0x0F],
		BaliseMsgType: baliseMsgTypes[b[1]],
		BaliseID:      id,
		BaliseIDNext:  idNext,
	}, nil
}

// baliseIDs unpacks five bytes into ten nibbles and evaluates the two
// base-14 polynomial encoded ids.
func baliseIDs(b []byte) (id, idNext int) {
	nibbles := make([]byte, 0, 10)
	for _, x := range b {
		nibbles = append(nibbles, x>>4, x&0x0F)
	}
	return polynomialSum(nibbles[0:5], 14), polynomialSum(nibbles[5:10], 14)
}
