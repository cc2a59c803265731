package ekeparser

import (
	"encoding/binary"
	"math"
	"strings"
	"time"
)

// Field-level byte parsers shared by the per-type schemas. The EKE frame
// mixes endianness: the header is big-endian, the Stadler UDP payload is
// little-endian.

func uintLE(b []byte) int {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return int(v)
}

func uintBE(b []byte) int {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return int(v)
}

func float32LE(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// timestampSecsBE reads a 4-byte big-endian unix timestamp.
func timestampSecsBE(b []byte) time.Time {
	return time.Unix(int64(binary.BigEndian.Uint32(b)), 0).UTC()
}

// timestampWithMS reads the 5-byte EKE timestamp format: 4 bytes of unix
// seconds followed by one byte of centiseconds.
func timestampWithMS(b []byte) time.Time {
	secs := timestampSecsBE(b[0:4])
	return secs.Add(time.Duration(b[4]) * 10 * time.Millisecond)
}

// coordinate converts the NMEA-style ddmm.mmmm float into decimal degrees.
func coordinate(b []byte) float64 {
	val := float64(float32LE(b))
	deg := float64(int(val / 100))
	return deg + (val-deg*100)/60.0
}

// polynomialSum interprets digits as a base-N number where every digit is
// stored off by one. Used by the balise id encoding (base 14).
func polynomialSum(digits []byte, base float64) int {
	sum := 0.0
	for exp, d := range digits {
		sum += float64(d-1) * math.Pow(base, float64(exp))
	}
	return int(sum)
}

// cString trims trailing NULs and whitespace from a fixed-size text field.
func cString(b []byte) string {
	return strings.TrimRight(string(b), "\x00 ")
}
