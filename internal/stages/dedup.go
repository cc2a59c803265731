// Package stages implements the keyed stateful transducers of the EKE
// pipeline. Every stage is a pure step over per-vehicle state: it takes
// one envelope and returns the envelopes to emit downstream. The keyed
// runtime in internal/pipeline owns one stage instance per vehicle, so no
// stage needs locking.
package stages

import (
	"hash/fnv"

	"github.com/snarg/eke-engine/internal/ekemsg"
)

// dedupCacheMax bounds the per-vehicle duplicate cache.
const dedupCacheMax = 20000

// Dedup drops exact duplicates of decoded messages within a bounded,
// insertion-ordered cache. Duplicates come from broker redelivery and
// from backfill overlap; the cache is applied before enrichment so the
// fingerprint covers only the flat decoded record.
type Dedup struct {
	seen  map[uint64]struct{}
	order []uint64
	head  int
}

func NewDedup() *Dedup {
	return &Dedup{seen: make(map[uint64]struct{}, dedupCacheMax)}
}

// Apply returns the envelope unchanged for first sightings, or an empty
// envelope carrying the source refs for duplicates.
func (d *Dedup) Apply(env ekemsg.Envelope) ekemsg.Envelope {
	h := fnv.New64a()
	h.Write([]byte(env.Data.Fingerprint()))
	sum := h.Sum64()

	if _, dup := d.seen[sum]; dup {
		return ekemsg.EmptyEnvelope(env.SourceRefs...)
	}

	d.seen[sum] = struct{}{}
	d.order = append(d.order, sum)

	// Evict the oldest entry once over capacity. The order slice is a
	// FIFO with a moving head; compact when the dead prefix dominates.
	if len(d.seen) > dedupCacheMax {
		oldest := d.order[d.head]
		d.head++
		delete(d.seen, oldest)
		if d.head > dedupCacheMax {
			d.order = append([]uint64(nil), d.order[d.head:]...)
			d.head = 0
		}
	}
	return env
}
