package stages

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/eke-engine/internal/ekemsg"
	"github.com/snarg/eke-engine/internal/ekeparser"
)

// partsWindow is the max timestamp difference for two halves of a balise
// telegram to be combined.
const partsWindow = 5 * time.Second

// PartsCombiner pairs the two transmission halves of a balise telegram.
// The halves carry consecutive msg_index values (a 1..255 loop), so the
// cache is a 256-slot array indexed by msg_index.
type PartsCombiner struct {
	slots [256]*ekemsg.Envelope
	log   zerolog.Logger
}

func NewPartsCombiner(log zerolog.Logger) *PartsCombiner {
	return &PartsCombiner{log: log}
}

// pairIndex returns the msg_index the sibling half was sent under. Index
// 0 is not used by the equipment, so wrap results collapse to 1 or 255.
func pairIndex(msgIndex, part int) int {
	if part == 0 {
		next := (msgIndex + 1) % 256
		if next == 0 {
			next = 1
		}
		return next
	}
	prev := (msgIndex + 255) % 256
	if prev == 0 {
		prev = 255
	}
	return prev
}

func (c *PartsCombiner) Apply(env ekemsg.Envelope) []ekemsg.Envelope {
	data := env.Data
	part, isPart := data.Content.(ekemsg.BalisePart)
	if !isPart {
		return []ekemsg.Envelope{env}
	}

	if part.TransponderMsgPart != 0 && part.TransponderMsgPart != 1 {
		return c.releaseUnexpected(env, part)
	}

	pairIdx := pairIndex(part.MsgIndex, part.TransponderMsgPart)
	paired := c.slots[pairIdx]

	if paired != nil && absDuration(data.NTPTimestamp.Sub(paired.Data.NTPTimestamp)) < partsWindow {
		c.slots[pairIdx] = nil
		var combined ekemsg.Envelope
		var err error
		if part.TransponderMsgPart == 0 {
			combined, err = combineParts(env, *paired)
		} else {
			combined, err = combineParts(*paired, env)
		}
		if err != nil {
			c.log.Error().Err(err).
				Str("vehicle", data.Vehicle).
				Int("msg_index", part.MsgIndex).
				Msg("failed to parse combined balise telegram")
			return []ekemsg.Envelope{ekemsg.EmptyEnvelope(ekemsg.MergeRefs(env.SourceRefs, paired.SourceRefs)...)}
		}
		return []ekemsg.Envelope{combined}
	}

	// No pair (or pair outside the window): buffer this half. A half
	// already sitting in this slot could never be resolved; release it
	// flagged incomplete so it stays visible downstream.
	var out []ekemsg.Envelope
	if old := c.slots[part.MsgIndex]; old != nil {
		c.log.Warn().
			Str("vehicle", old.Data.Vehicle).
			Int("msg_index", part.MsgIndex).
			Msg("unpaired balise half in cache, releasing as incomplete")
		old.Data.Incomplete = true
		old.Data.ReleasedMQTTTimestamp = data.MQTTTimestamp
		out = append(out, *old)
	}
	stored := env
	c.slots[part.MsgIndex] = &stored
	return out
}

// Flush releases all buffered halves as incomplete. Used at shutdown of
// a backfill run.
func (c *PartsCombiner) Flush() []ekemsg.Envelope {
	var out []ekemsg.Envelope
	for i, slot := range c.slots {
		if slot == nil {
			continue
		}
		slot.Data.Incomplete = true
		out = append(out, *slot)
		c.slots[i] = nil
	}
	return out
}

// releaseUnexpected handles a part index outside {0, 1}: the record is
// dropped and any half buffered under the same msg_index is released.
func (c *PartsCombiner) releaseUnexpected(env ekemsg.Envelope, part ekemsg.BalisePart) []ekemsg.Envelope {
	c.log.Error().
		Str("vehicle", env.Data.Vehicle).
		Int("transponder_msg_part", part.TransponderMsgPart).
		Int("msg_index", part.MsgIndex).
		Msg("unexpected transponder msg part")

	var out []ekemsg.Envelope
	if old := c.slots[part.MsgIndex]; old != nil {
		old.Data.Incomplete = true
		old.Data.ReleasedMQTTTimestamp = env.Data.MQTTTimestamp
		out = append(out, *old)
		c.slots[part.MsgIndex] = nil
	}
	return append(out, ekemsg.EmptyEnvelope(env.SourceRefs...))
}

// combineParts concatenates the halves in telegram order, parses the
// telegram, and builds the combined record on part0's header. The mqtt
// timestamp becomes the later of the two.
func combineParts(part0, part1 ekemsg.Envelope) (ekemsg.Envelope, error) {
	raw0 := part0.Data.Content.(ekemsg.BalisePart).Raw
	raw1 := part1.Data.Content.(ekemsg.BalisePart).Raw

	payload := make([]byte, 0, len(raw0)+len(raw1))
	payload = append(payload, raw0...)
	payload = append(payload, raw1...)

	telegram, err := ekeparser.DecodeTelegram(payload)
	if err != nil {
		return ekemsg.Envelope{}, err
	}

	combined := *part0.Data
	combined.Content = telegram
	if part1.Data.MQTTTimestamp.After(combined.MQTTTimestamp) {
		combined.MQTTTimestamp = part1.Data.MQTTTimestamp
	}

	return ekemsg.Envelope{
		Data:       &combined,
		SourceRefs: ekemsg.MergeRefs(part0.SourceRefs, part1.SourceRefs),
	}, nil
}
