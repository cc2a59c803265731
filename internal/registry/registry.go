// Package registry loads the static balise registry that maps a passed
// balise (id + passing direction) to a station, track and event type.
package registry

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Entry describes what passing a balise in a given direction means.
type Entry struct {
	Station        string
	Track          string
	Type           string // "ARRIVAL" or "DEPARTURE"
	TrainDirection string // "1" or "2", "_g" suffix when synthesized
}

// Registry is a read-only snapshot map from "<balise_id>_<direction>" to
// its entry. Snapshots are swapped atomically on reload, so lookups never
// need locking.
type Registry struct {
	entries atomic.Pointer[map[string]Entry]
	path    string
	log     zerolog.Logger
}

// Load reads the registry CSV and synthesizes missing opposite-direction
// entries once, at load time.
func Load(path string, log zerolog.Logger) (*Registry, error) {
	r := &Registry{path: path, log: log.With().Str("component", "registry").Logger()}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Lookup returns the entry for "<balise_id>_<direction>".
func (r *Registry) Lookup(key string) (Entry, bool) {
	m := r.entries.Load()
	e, ok := (*m)[key]
	return e, ok
}

// Len returns the number of entries in the current snapshot.
func (r *Registry) Len() int {
	return len(*r.entries.Load())
}

func (r *Registry) reload() error {
	entries, err := readCSV(r.path)
	if err != nil {
		return err
	}
	synthesized := synthesizeReverse(entries)
	r.entries.Store(&entries)
	r.log.Info().
		Int("entries", len(entries)).
		Int("synthesized", synthesized).
		Msg("balise registry loaded")
	return nil
}

// Watch reloads the registry when the CSV changes on disk. Blocks until
// the watcher fails or stop is closed.
func (r *Registry) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(r.path); err != nil {
		return err
	}

	for {
		select {
		case <-stop:
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := r.reload(); err != nil {
				r.log.Error().Err(err).Msg("registry reload failed, keeping previous snapshot")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn().Err(err).Msg("registry watcher error")
		}
	}
}

func readCSV(path string) (map[string]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open balise registry: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read balise registry header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, required := range []string{"balise", "direction", "station", "track", "type", "train_direction"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("balise registry missing column %q", required)
		}
	}

	entries := make(map[string]Entry)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read balise registry row: %w", err)
		}
		key := row[col["balise"]] + "_" + row[col["direction"]]
		entries[key] = Entry{
			Station:        row[col["station"]],
			Track:          row[col["track"]],
			Type:           row[col["type"]],
			TrainDirection: row[col["train_direction"]],
		}
	}
	return entries, nil
}

// synthesizeReverse fills in missing opposite-direction entries by
// flipping direction, type and train direction. Synthesized train
// directions carry a _g suffix so they remain recognizable in output.
// Existing entries always win. Returns the number of entries added.
func synthesizeReverse(entries map[string]Entry) int {
	added := 0
	for key, e := range entries {
		baliseID, direction, ok := splitKey(key)
		if !ok {
			continue
		}
		reverseKey := baliseID + "_" + flip(direction)
		if _, exists := entries[reverseKey]; exists {
			continue
		}
		entries[reverseKey] = Entry{
			Station:        e.Station,
			Track:          e.Track,
			Type:           flipType(e.Type),
			TrainDirection: flip(e.TrainDirection) + "_g",
		}
		added++
	}
	return added
}

func splitKey(key string) (baliseID, direction string, ok bool) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '_' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

func flip(direction string) string {
	switch direction {
	case "1":
		return "2"
	case "2":
		return "1"
	}
	return direction
}

func flipType(t string) string {
	switch t {
	case "ARRIVAL":
		return "DEPARTURE"
	case "DEPARTURE":
		return "ARRIVAL"
	}
	return t
}
