package pipeline

import (
	"github.com/rs/zerolog"

	"github.com/snarg/eke-engine/internal/ekemsg"
	"github.com/snarg/eke-engine/internal/metrics"
	"github.com/snarg/eke-engine/internal/registry"
	"github.com/snarg/eke-engine/internal/stages"
)

// parserChain is the per-vehicle content parsing pipeline: dedup,
// timestamp validation, UDP reordering, balise combination and direction
// resolution, in that order.
type parserChain struct {
	dedup     *stages.Dedup
	tst       *stages.TSTValidator
	reorder   *stages.Reorder
	parts     *stages.PartsCombiner
	direction *stages.DirectionResolver
}

func newParserChain(vehicle string, log zerolog.Logger) *parserChain {
	log = log.With().Str("vehicle", vehicle).Logger()
	return &parserChain{
		dedup:     stages.NewDedup(),
		tst:       stages.NewTSTValidator(),
		reorder:   stages.NewReorder(log),
		parts:     stages.NewPartsCombiner(log),
		direction: stages.NewDirectionResolver(log),
	}
}

// Process runs one decoded message through the chain and returns the
// envelopes releasable afterwards, in order. Empty envelopes carry refs
// whose sources are fully consumed.
func (c *parserChain) Process(env ekemsg.Envelope) []ekemsg.Envelope {
	env = c.dedup.Apply(env)
	if env.IsEmpty() {
		metrics.DuplicatesTotal.Inc()
		return []ekemsg.Envelope{env}
	}

	env = c.tst.Apply(env)

	var out []ekemsg.Envelope
	for _, e := range c.reorder.Apply(env) {
		out = append(out, c.applyBalise(e)...)
	}
	return out
}

// Flush releases everything still buffered in the reorder, parts and
// direction stages. Used at the end of a backfill replay.
func (c *parserChain) Flush() []ekemsg.Envelope {
	var out []ekemsg.Envelope
	for _, e := range c.reorder.Flush() {
		out = append(out, c.applyBalise(e)...)
	}
	for _, e := range c.parts.Flush() {
		metrics.IncompleteBalisesTotal.Inc()
		out = append(out, c.direction.Apply(e)...)
	}
	out = append(out, c.direction.Flush()...)
	return out
}

func (c *parserChain) applyBalise(env ekemsg.Envelope) []ekemsg.Envelope {
	if env.IsEmpty() {
		return []ekemsg.Envelope{env}
	}
	if env.Data.Discard {
		metrics.DiscardedTotal.WithLabelValues(discardReason(env.Data)).Inc()
		return []ekemsg.Envelope{env}
	}

	var out []ekemsg.Envelope
	for _, e := range c.parts.Apply(env) {
		if e.IsEmpty() {
			out = append(out, e)
			continue
		}
		if e.Data.Incomplete {
			metrics.IncompleteBalisesTotal.Inc()
		}
		out = append(out, c.direction.Apply(e)...)
	}
	return out
}

func discardReason(m *ekemsg.Message) string {
	if !m.NTPTimeValid {
		return "invalid_ntp"
	}
	return "stale_packet"
}

// eventChain is the per-vehicle event pipeline: the state transition
// detector feeding the station visit aggregator.
type eventChain struct {
	detector   *stages.Detector
	aggregator *stages.Aggregator
}

func newEventChain(vehicle string, reg *registry.Registry, log zerolog.Logger) *eventChain {
	log = log.With().Str("vehicle", vehicle).Logger()
	return &eventChain{
		detector:   stages.NewDetector(reg, log),
		aggregator: stages.NewAggregator(log),
	}
}

// Process runs one enriched message through both event stages. Either
// returned envelope may be empty; both carry the source refs.
func (c *eventChain) Process(env ekemsg.Envelope) (ekemsg.EventEnvelope, ekemsg.StationEnvelope) {
	ev := c.detector.Apply(env)
	if !ev.IsEmpty() {
		metrics.EventsTotal.WithLabelValues(ev.Data.EventType).Inc()
	}
	st := c.aggregator.Apply(ev)
	if !st.IsEmpty() {
		metrics.StationEventsTotal.Inc()
	}
	return ev, st
}
