package stages

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/eke-engine/internal/ekemsg"
)

var testBase = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testTime(sec int) time.Time {
	return testBase.Add(time.Duration(sec) * time.Second)
}

func udpAt(packetNo, sec int) ekemsg.Envelope {
	tst := testTime(sec)
	return ekemsg.Envelope{Data: &ekemsg.Message{
		MsgType:       ekemsg.TypeUDP,
		MsgName:       ekemsg.MsgName(ekemsg.TypeUDP),
		NTPTimeValid:  true,
		NTPTimestamp:  tst,
		EkeTimestamp:  tst,
		MQTTTimestamp: tst,
		Vehicle:       "12",
		Content:       ekemsg.UDP{PacketNo: packetNo},
	}}
}

func packetNos(out []ekemsg.Envelope) []int {
	nos := make([]int, 0, len(out))
	for _, env := range out {
		nos = append(nos, env.Data.Content.(ekemsg.UDP).PacketNo)
	}
	return nos
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func runReorder(t *testing.T, input []ekemsg.Envelope) []ekemsg.Envelope {
	t.Helper()
	r := NewReorder(zerolog.Nop())
	var out []ekemsg.Envelope
	for _, env := range input {
		out = append(out, r.Apply(env)...)
	}
	return out
}

func TestReorder(t *testing.T) {
	t.Run("already_ordered", func(t *testing.T) {
		var input []ekemsg.Envelope
		for i := 1; i <= 4; i++ {
			input = append(input, udpAt(i, i+4))
		}
		out := runReorder(t, input)
		if got := packetNos(out); !equalInts(got, []int{1, 2, 3, 4}) {
			t.Errorf("packet order = %v, want [1 2 3 4]", got)
		}
	})

	t.Run("simple_swap", func(t *testing.T) {
		var input []ekemsg.Envelope
		for _, no := range []int{1, 3, 4, 6, 5, 7, 2, 8} {
			input = append(input, udpAt(no, no))
		}
		out := runReorder(t, input)
		if got := packetNos(out); !equalInts(got, []int{1, 2, 3, 4, 5, 6, 7, 8}) {
			t.Errorf("packet order = %v, want 1..8", got)
		}
		for _, env := range out {
			if env.Data.Discard {
				t.Errorf("packet %d unexpectedly discarded", env.Data.Content.(ekemsg.UDP).PacketNo)
			}
		}
	})

	t.Run("packet_no_wrap", func(t *testing.T) {
		var input []ekemsg.Envelope
		for _, p := range [][2]int{{252, 1}, {0, 4}, {254, 3}, {1, 5}, {253, 2}, {3, 7}, {2, 6}, {4, 8}} {
			input = append(input, udpAt(p[0], p[1]))
		}
		out := runReorder(t, input)
		if got := packetNos(out); !equalInts(got, []int{252, 253, 254, 0, 1, 2, 3, 4}) {
			t.Errorf("packet order = %v, want [252 253 254 0 1 2 3 4]", got)
		}
	})

	t.Run("swap_across_sequence_loops", func(t *testing.T) {
		var input []ekemsg.Envelope
		for i := 0; i < 510; i++ {
			input = append(input, udpAt(i%255, i))
		}
		input[5], input[300] = input[300], input[5]

		out := runReorder(t, input)
		want := make([]int, 510)
		for i := range want {
			want[i] = i % 255
		}
		if got := packetNos(out); !equalInts(got, want) {
			t.Fatalf("released %d packets, order broken around %v", len(got), got[:10])
		}
		for _, env := range out {
			if env.Data.Discard {
				t.Errorf("packet %d unexpectedly discarded", env.Data.Content.(ekemsg.UDP).PacketNo)
			}
		}
	})

	t.Run("stale_reinjected_packet_discarded", func(t *testing.T) {
		var input []ekemsg.Envelope
		for i := 0; i < 1000; i++ {
			input = append(input, udpAt(i%255, i))
		}
		// Packet 3 delivered again much later, with its original timestamp.
		stale := udpAt(3, 3)
		input = append(input[:700], append([]ekemsg.Envelope{stale}, input[700:]...)...)

		out := runReorder(t, input)
		if len(out) != 1001 {
			t.Fatalf("released %d packets, want 1001", len(out))
		}
		for i, env := range out {
			if i == 700 {
				if !env.Data.Discard {
					t.Error("stale packet at position 700 not discarded")
				}
				continue
			}
			if env.Data.Discard {
				t.Errorf("packet at position %d unexpectedly discarded", i)
			}
		}
	})

	t.Run("invalid_ntp_time_discarded", func(t *testing.T) {
		r := NewReorder(zerolog.Nop())
		env := udpAt(1, 1)
		env.Data.NTPTimeValid = false

		out := r.Apply(env)
		if len(out) != 1 {
			t.Fatalf("got %d envelopes, want 1", len(out))
		}
		if !out[0].Data.Discard {
			t.Error("invalid ntp packet not discarded")
		}
	})

	t.Run("non_udp_passes_through_empty_heap", func(t *testing.T) {
		r := NewReorder(zerolog.Nop())
		env := ekemsg.Envelope{Data: &ekemsg.Message{
			MsgType:      ekemsg.TypeJKVStatus,
			NTPTimestamp: testTime(1),
			Content:      ekemsg.JKVStatus{Speed: 80},
		}}
		out := r.Apply(env)
		if len(out) != 1 || out[0].Data.MsgType != ekemsg.TypeJKVStatus {
			t.Fatalf("non-udp record not passed through: %v", out)
		}
	})

	t.Run("non_udp_buffered_behind_older_udp", func(t *testing.T) {
		r := NewReorder(zerolog.Nop())
		r.Apply(udpAt(1, 1)) // init, waiting for 2
		if out := r.Apply(udpAt(3, 3)); len(out) != 0 {
			t.Fatalf("gap packet released early: %v", packetNos(out))
		}

		status := ekemsg.Envelope{Data: &ekemsg.Message{
			MsgType:      ekemsg.TypeJKVStatus,
			NTPTimestamp: testTime(4),
			Content:      ekemsg.JKVStatus{},
		}}
		if out := r.Apply(status); len(out) != 0 {
			t.Fatalf("non-udp record skipped past buffered udp: %d released", len(out))
		}

		out := r.Apply(udpAt(2, 2))
		if len(out) != 3 {
			t.Fatalf("released %d records, want 3", len(out))
		}
		if out[0].Data.Content.(ekemsg.UDP).PacketNo != 2 ||
			out[1].Data.Content.(ekemsg.UDP).PacketNo != 3 ||
			out[2].Data.MsgType != ekemsg.TypeJKVStatus {
			t.Errorf("release order wrong: %v", out)
		}
	})

	t.Run("flush_empties_heap_in_timestamp_order", func(t *testing.T) {
		r := NewReorder(zerolog.Nop())
		r.Apply(udpAt(1, 1))
		r.Apply(udpAt(4, 4))
		r.Apply(udpAt(3, 3))

		out := r.Flush()
		if got := packetNos(out); !equalInts(got, []int{3, 4}) {
			t.Errorf("flush order = %v, want [3 4]", got)
		}
	})
}
