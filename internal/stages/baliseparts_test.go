package stages

import (
	"reflect"
	"testing"

	"github.com/rs/zerolog"
	"github.com/snarg/eke-engine/internal/ekemsg"
)

// telegramBytes is a complete balise telegram: CBA 1(2), CBB Single,
// Signal type, balise id 16.
var telegramBytes = []byte{0x21, 0x11, 0x32, 0x11, 0x11, 0x11, 0x11}

func balisePartAt(msgIndex, part, sec, mqttSec int, refs ...string) ekemsg.Envelope {
	raw := telegramBytes[:4]
	if part == 1 {
		raw = telegramBytes[4:]
	}
	return ekemsg.Envelope{
		Data: &ekemsg.Message{
			MsgType:       ekemsg.TypeBeacon,
			MsgName:       ekemsg.MsgName(ekemsg.TypeBeacon),
			NTPTimeValid:  true,
			NTPTimestamp:  testTime(sec),
			EkeTimestamp:  testTime(sec),
			MQTTTimestamp: testTime(mqttSec),
			Vehicle:       "12",
			Content: ekemsg.BalisePart{
				MsgIndex:           msgIndex,
				TransponderMsgPart: part,
				Raw:                raw,
			},
		},
		SourceRefs: refs,
	}
}

func TestPartsCombiner(t *testing.T) {
	wantBalise := ekemsg.Balise{
		BaliseCBA:     "1(2)",
		BaliseCBB:     "Single",
		BaliseMsgType: "Signal",
		BaliseID:      16,
		BaliseIDNext:  0,
	}

	t.Run("combines_pair_within_window", func(t *testing.T) {
		c := NewPartsCombiner(zerolog.Nop())
		if out := c.Apply(balisePartAt(10, 0, 0, 0, "ref-a")); len(out) != 0 {
			t.Fatalf("first half released early: %v", out)
		}
		out := c.Apply(balisePartAt(11, 1, 1, 5, "ref-b"))
		if len(out) != 1 {
			t.Fatalf("got %d envelopes, want 1", len(out))
		}

		combined := out[0].Data
		if got := combined.Content.(ekemsg.Balise); got != wantBalise {
			t.Errorf("telegram = %+v, want %+v", got, wantBalise)
		}
		if !combined.MQTTTimestamp.Equal(testTime(5)) {
			t.Errorf("mqtt_timestamp = %v, want the later half's %v", combined.MQTTTimestamp, testTime(5))
		}
		if !combined.EkeTimestamp.Equal(testTime(0)) {
			t.Errorf("header not inherited from part 0: eke = %v", combined.EkeTimestamp)
		}
		if !reflect.DeepEqual(out[0].SourceRefs, []string{"ref-a", "ref-b"}) {
			t.Errorf("source refs = %v, want both halves'", out[0].SourceRefs)
		}
	})

	t.Run("combines_regardless_of_arrival_order", func(t *testing.T) {
		c := NewPartsCombiner(zerolog.Nop())
		c.Apply(balisePartAt(11, 1, 1, 1))
		out := c.Apply(balisePartAt(10, 0, 0, 0))
		if len(out) != 1 {
			t.Fatalf("got %d envelopes, want 1", len(out))
		}
		if got := out[0].Data.Content.(ekemsg.Balise); got != wantBalise {
			t.Errorf("telegram = %+v, want %+v", got, wantBalise)
		}
	})

	t.Run("pair_outside_window_not_combined", func(t *testing.T) {
		c := NewPartsCombiner(zerolog.Nop())
		c.Apply(balisePartAt(10, 0, 0, 0))
		if out := c.Apply(balisePartAt(11, 1, 10, 10)); len(out) != 0 {
			t.Fatalf("stale pair combined: %v", out)
		}
	})

	t.Run("occupied_slot_released_incomplete", func(t *testing.T) {
		c := NewPartsCombiner(zerolog.Nop())
		c.Apply(balisePartAt(10, 0, 0, 0))
		out := c.Apply(balisePartAt(10, 0, 100, 100))
		if len(out) != 1 {
			t.Fatalf("got %d envelopes, want 1", len(out))
		}
		old := out[0].Data
		if !old.Incomplete {
			t.Error("released half not marked incomplete")
		}
		if !old.ReleasedMQTTTimestamp.Equal(testTime(100)) {
			t.Errorf("released_mqtt_timestamp = %v, want %v", old.ReleasedMQTTTimestamp, testTime(100))
		}
	})

	t.Run("unexpected_part_index", func(t *testing.T) {
		c := NewPartsCombiner(zerolog.Nop())
		c.Apply(balisePartAt(10, 0, 0, 0))

		bogus := balisePartAt(10, 0, 1, 1, "ref-x")
		content := bogus.Data.Content.(ekemsg.BalisePart)
		content.TransponderMsgPart = 2
		bogus.Data.Content = content

		out := c.Apply(bogus)
		if len(out) != 2 {
			t.Fatalf("got %d envelopes, want released half plus empty record", len(out))
		}
		if !out[0].Data.Incomplete {
			t.Error("buffered half not released incomplete")
		}
		if !out[1].IsEmpty() || len(out[1].SourceRefs) != 1 {
			t.Errorf("bogus record not suppressed with refs: %+v", out[1])
		}
	})

	t.Run("non_balise_passes_through", func(t *testing.T) {
		c := NewPartsCombiner(zerolog.Nop())
		env := udpAt(1, 1)
		out := c.Apply(env)
		if len(out) != 1 || out[0].Data.MsgType != ekemsg.TypeUDP {
			t.Fatalf("udp record not passed through: %v", out)
		}
	})

	t.Run("flush_releases_incomplete", func(t *testing.T) {
		c := NewPartsCombiner(zerolog.Nop())
		c.Apply(balisePartAt(10, 0, 0, 0))
		c.Apply(balisePartAt(20, 0, 1, 1))

		out := c.Flush()
		if len(out) != 2 {
			t.Fatalf("flushed %d halves, want 2", len(out))
		}
		for _, env := range out {
			if !env.Data.Incomplete {
				t.Error("flushed half not marked incomplete")
			}
		}
	})
}
