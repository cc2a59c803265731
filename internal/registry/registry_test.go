package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "balises.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("entries_looked_up_by_balise_and_direction", func(t *testing.T) {
		path := writeRegistry(t, "balise,direction,station,track,type,train_direction\n"+
			"123,1,LEP,1,ARRIVAL,2\n")
		reg, err := Load(path, zerolog.Nop())
		if err != nil {
			t.Fatal(err)
		}

		e, ok := reg.Lookup("123_1")
		if !ok {
			t.Fatal("entry 123_1 missing")
		}
		if e.Station != "LEP" || e.Track != "1" || e.Type != "ARRIVAL" || e.TrainDirection != "2" {
			t.Errorf("entry = %+v", e)
		}
		if _, ok := reg.Lookup("999_1"); ok {
			t.Error("unexpected entry 999_1")
		}
	})

	t.Run("missing_reverse_direction_synthesized", func(t *testing.T) {
		path := writeRegistry(t, "balise,direction,station,track,type,train_direction\n"+
			"123,1,LEP,1,ARRIVAL,2\n")
		reg, err := Load(path, zerolog.Nop())
		if err != nil {
			t.Fatal(err)
		}

		if reg.Len() != 2 {
			t.Fatalf("len = %d, want 2", reg.Len())
		}
		e, ok := reg.Lookup("123_2")
		if !ok {
			t.Fatal("synthesized entry 123_2 missing")
		}
		if e.Type != "DEPARTURE" {
			t.Errorf("type = %q, want DEPARTURE", e.Type)
		}
		if e.TrainDirection != "1_g" {
			t.Errorf("train_direction = %q, want 1_g", e.TrainDirection)
		}
		if e.Station != "LEP" || e.Track != "1" {
			t.Errorf("entry = %+v", e)
		}
	})

	t.Run("existing_entries_win_over_synthesis", func(t *testing.T) {
		path := writeRegistry(t, "balise,direction,station,track,type,train_direction\n"+
			"124,1,KIL,2,ARRIVAL,1\n"+
			"124,2,KIL,3,DEPARTURE,2\n")
		reg, err := Load(path, zerolog.Nop())
		if err != nil {
			t.Fatal(err)
		}

		if reg.Len() != 2 {
			t.Fatalf("len = %d, want 2", reg.Len())
		}
		e, _ := reg.Lookup("124_2")
		if e.Track != "3" || e.TrainDirection != "2" {
			t.Errorf("real entry replaced: %+v", e)
		}
	})

	t.Run("missing_column_rejected", func(t *testing.T) {
		path := writeRegistry(t, "balise,direction,station\n123,1,LEP\n")
		if _, err := Load(path, zerolog.Nop()); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("missing_file_rejected", func(t *testing.T) {
		if _, err := Load("/nonexistent/balises.csv", zerolog.Nop()); err == nil {
			t.Error("expected error")
		}
	})
}

func TestReload(t *testing.T) {
	t.Run("snapshot_swapped_on_reload", func(t *testing.T) {
		path := writeRegistry(t, "balise,direction,station,track,type,train_direction\n"+
			"123,1,LEP,1,ARRIVAL,2\n")
		reg, err := Load(path, zerolog.Nop())
		if err != nil {
			t.Fatal(err)
		}

		next := "balise,direction,station,track,type,train_direction\n" +
			"123,1,MYR,1,ARRIVAL,2\n"
		if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := reg.reload(); err != nil {
			t.Fatal(err)
		}

		e, _ := reg.Lookup("123_1")
		if e.Station != "MYR" {
			t.Errorf("station = %q, want MYR", e.Station)
		}
	})
}
