package stages

import (
	"fmt"
	"testing"
)

func TestDedup(t *testing.T) {
	t.Run("passes_first_sighting", func(t *testing.T) {
		d := NewDedup()
		env := udpAt(1, 1)
		out := d.Apply(env)
		if out.IsEmpty() {
			t.Fatal("first sighting suppressed")
		}
	})

	t.Run("drops_exact_duplicate_keeping_refs", func(t *testing.T) {
		d := NewDedup()
		first := udpAt(1, 1)
		first.SourceRefs = []string{"ref-1"}
		d.Apply(first)

		dup := udpAt(1, 1)
		dup.SourceRefs = []string{"ref-2"}
		out := d.Apply(dup)
		if !out.IsEmpty() {
			t.Fatal("duplicate not suppressed")
		}
		if len(out.SourceRefs) != 1 || out.SourceRefs[0] != "ref-2" {
			t.Errorf("source refs = %v, want [ref-2]", out.SourceRefs)
		}
	})

	t.Run("different_content_not_deduplicated", func(t *testing.T) {
		d := NewDedup()
		d.Apply(udpAt(1, 1))
		out := d.Apply(udpAt(2, 1))
		if out.IsEmpty() {
			t.Fatal("distinct record suppressed")
		}
	})

	t.Run("different_vehicle_not_deduplicated", func(t *testing.T) {
		d := NewDedup()
		d.Apply(udpAt(1, 1))

		other := udpAt(1, 1)
		other.Data.Vehicle = "13"
		if out := d.Apply(other); out.IsEmpty() {
			t.Fatal("record of another vehicle suppressed")
		}
	})

	t.Run("evicts_oldest_beyond_capacity", func(t *testing.T) {
		d := NewDedup()
		oldest := udpAt(1, 0)
		d.Apply(oldest)

		for i := 0; i < dedupCacheMax; i++ {
			env := udpAt(1, 0)
			env.Data.Vehicle = fmt.Sprintf("v%d", i)
			d.Apply(env)
		}

		// The oldest fingerprint has been evicted, so the same record is
		// no longer recognized as a duplicate.
		if out := d.Apply(udpAt(1, 0)); out.IsEmpty() {
			t.Fatal("evicted record still treated as duplicate")
		}
	})
}
