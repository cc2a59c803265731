package stages

import (
	"container/heap"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/eke-engine/internal/ekemsg"
)

const (
	// reorderCacheMax bounds the per-vehicle reorder heap. On overflow the
	// cursor fast-forwards to the heap top instead of blocking.
	reorderCacheMax = 1000
	// releaseWithoutWait stops waiting for a gap once the stream has moved
	// this far past the last released packet.
	releaseWithoutWait = 30 * time.Second
	// packetNoModulus is the observed wrap point of the 8-bit UDP sequence
	// counter. The equipment wraps at 255, not 256.
	packetNoModulus = 255
)

// Reorder restores the packet_no order of UDP messages per vehicle. The
// heap is ordered by NTP timestamp with an insertion counter as tie
// breaker, since the payloads themselves are not comparable.
type Reorder struct {
	heap         reorderHeap
	waitingForNo int
	lastReleased time.Time
	seq          uint64
	log          zerolog.Logger
}

func NewReorder(log zerolog.Logger) *Reorder {
	return &Reorder{waitingForNo: -1, log: log}
}

func nextPacketNo(n int) int {
	return (n + 1) % packetNoModulus
}

// Apply returns the messages releasable after seeing env, in release
// order. The returned slice is empty while env stays buffered.
func (r *Reorder) Apply(env ekemsg.Envelope) []ekemsg.Envelope {
	data := env.Data
	udp, isUDP := data.Content.(ekemsg.UDP)

	if !isUDP {
		// Non-UDP records are buffered only while an older record sits on
		// the heap top, so per-vehicle order is preserved without stalling
		// them on UDP gaps.
		if r.heap.Len() > 0 && data.NTPTimestamp.After(r.heap[0].tst) {
			return r.addToCache(env)
		}
		return []ekemsg.Envelope{env}
	}

	tst := data.NTPTimestamp

	if !data.NTPTimeValid {
		data.Discard = true
		return []ekemsg.Envelope{env}
	}

	if r.waitingForNo == -1 {
		r.waitingForNo = nextPacketNo(udp.PacketNo)
		r.lastReleased = tst
		return []ekemsg.Envelope{env}
	}

	if tst.Before(r.lastReleased) {
		data.Discard = true
		r.log.Debug().
			Str("vehicle", data.Vehicle).
			Int("packet_no", udp.PacketNo).
			Time("ntp_timestamp", tst).
			Msg("udp message older than last released, discarding")
		return []ekemsg.Envelope{env}
	}

	if udp.PacketNo != r.waitingForNo ||
		tst.Sub(r.lastReleased) > releaseWithoutWait ||
		(r.heap.Len() > 0 && tst.After(r.heap[0].tst)) {
		return r.addToCache(env)
	}

	// The awaited packet: release it and whatever became contiguous.
	r.lastReleased = tst
	r.waitingForNo = nextPacketNo(udp.PacketNo)
	out := []ekemsg.Envelope{env}
	return append(out, r.drain()...)
}

// Flush releases everything still buffered, in timestamp order. Used at
// shutdown of a backfill run.
func (r *Reorder) Flush() []ekemsg.Envelope {
	var out []ekemsg.Envelope
	for r.heap.Len() > 0 {
		out = append(out, heap.Pop(&r.heap).(reorderItem).env)
	}
	return out
}

func (r *Reorder) push(env ekemsg.Envelope) {
	r.seq++
	heap.Push(&r.heap, reorderItem{tst: env.Data.NTPTimestamp, seq: r.seq, env: env})
}

// addToCache buffers env and, on overflow, fast-forwards the awaited
// packet_no to the heap top so the stream never blocks on a lost packet.
func (r *Reorder) addToCache(env ekemsg.Envelope) []ekemsg.Envelope {
	r.push(env)
	if r.heap.Len() > reorderCacheMax {
		if top, ok := r.heap[0].env.Data.Content.(ekemsg.UDP); ok {
			r.waitingForNo = top.PacketNo
		}
		return r.drain()
	}
	return nil
}

// drain releases the contiguous prefix of the heap: non-UDP records
// unconditionally, UDP records only while they match the awaited
// packet_no.
func (r *Reorder) drain() []ekemsg.Envelope {
	var out []ekemsg.Envelope
	for r.heap.Len() > 0 {
		top := r.heap[0]
		udp, isUDP := top.env.Data.Content.(ekemsg.UDP)
		if isUDP && udp.PacketNo != r.waitingForNo {
			break
		}
		heap.Pop(&r.heap)
		if isUDP {
			r.waitingForNo = nextPacketNo(udp.PacketNo)
			r.lastReleased = top.env.Data.NTPTimestamp
		}
		out = append(out, top.env)
	}
	return out
}

type reorderItem struct {
	tst time.Time
	seq uint64
	env ekemsg.Envelope
}

type reorderHeap []reorderItem

func (h reorderHeap) Len() int { return len(h) }

func (h reorderHeap) Less(i, j int) bool {
	if h[i].tst.Equal(h[j].tst) {
		return h[i].seq < h[j].seq
	}
	return h[i].tst.Before(h[j].tst)
}

func (h reorderHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *reorderHeap) Push(x any) { *h = append(*h, x.(reorderItem)) }

func (h *reorderHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
