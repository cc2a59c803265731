package stages

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/eke-engine/internal/ekemsg"
)

// directionWindow is the max timestamp difference for the two balises of
// a group to be paired into a direction.
const directionWindow = 30 * time.Second

// DirectionResolver pairs the two physical balises of a balise group (the
// same balise_id seen twice) and derives the travel direction from which
// one was passed first.
type DirectionResolver struct {
	pending map[int]ekemsg.Envelope
	log     zerolog.Logger
}

func NewDirectionResolver(log zerolog.Logger) *DirectionResolver {
	return &DirectionResolver{pending: make(map[int]ekemsg.Envelope), log: log}
}

func (r *DirectionResolver) Apply(env ekemsg.Envelope) []ekemsg.Envelope {
	data := env.Data
	balise, isBalise := data.Content.(ekemsg.Balise)
	if !isBalise || data.Incomplete {
		return []ekemsg.Envelope{env}
	}

	buffered, exists := r.pending[balise.BaliseID]
	if !exists {
		r.pending[balise.BaliseID] = env
		return nil
	}

	if absDuration(data.NTPTimestamp.Sub(buffered.Data.NTPTimestamp)) >= directionWindow {
		// The buffered balise belongs to an earlier pass of the same
		// group; its pair never arrived.
		delete(r.pending, balise.BaliseID)
		released := markUnresolved(buffered)
		r.pending[balise.BaliseID] = env
		return []ekemsg.Envelope{released}
	}

	delete(r.pending, balise.BaliseID)

	first, second := buffered, env
	if second.Data.NTPTimestamp.Before(first.Data.NTPTimestamp) {
		first, second = second, first
	}

	firstBalise := first.Data.Content.(ekemsg.Balise)
	secondBalise := second.Data.Content.(ekemsg.Balise)

	direction := 0
	if firstBalise.BaliseCBA == secondBalise.BaliseCBA {
		r.log.Warn().
			Str("vehicle", data.Vehicle).
			Int("balise_id", balise.BaliseID).
			Str("balise_cba", firstBalise.BaliseCBA).
			Msg("balise pair with identical cba, cannot resolve direction")
	} else if firstBalise.BaliseCBA == "1(2)" {
		direction = 1
	} else {
		direction = 2
	}

	resolved := *first.Data
	firstBalise.Direction = direction
	firstBalise.BaliseCBA = ""
	resolved.Content = firstBalise
	if direction == 0 {
		resolved.Incomplete = true
	}

	return []ekemsg.Envelope{{
		Data:       &resolved,
		SourceRefs: ekemsg.MergeRefs(first.SourceRefs, second.SourceRefs),
	}}
}

// Flush releases all buffered balises as unresolved. Used at shutdown of
// a backfill run.
func (r *DirectionResolver) Flush() []ekemsg.Envelope {
	var out []ekemsg.Envelope
	for id, buffered := range r.pending {
		out = append(out, markUnresolved(buffered))
		delete(r.pending, id)
	}
	return out
}

func markUnresolved(env ekemsg.Envelope) ekemsg.Envelope {
	data := *env.Data
	balise := data.Content.(ekemsg.Balise)
	balise.Direction = 0
	balise.BaliseCBA = ""
	data.Content = balise
	data.Incomplete = true
	return ekemsg.Envelope{Data: &data, SourceRefs: env.SourceRefs}
}
