// Package reader implements the historical backfill source. It lists
// telemetry dump blobs for a date range, groups them by vehicle id and
// replays each vehicle's rows in file order, batched for the pipeline.
package reader

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// Row is one record of a telemetry dump file. Field order matches the
// dump CSV columns; timestamps stay as strings until the content parser
// needs them.
type Row struct {
	MessageType   string `json:"message_type"`
	NTPTimestamp  string `json:"ntp_timestamp"`
	NTPOk         string `json:"ntp_ok"`
	EkeTimestamp  string `json:"eke_timestamp"`
	MQTTTimestamp string `json:"mqtt_timestamp"`
	MQTTTopic     string `json:"mqtt_topic"`
	RawData       string `json:"raw_data"`
}

var rowTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// MQTTTime parses the broker receive timestamp of the row.
func (r Row) MQTTTime() (time.Time, error) {
	return parseRowTime(r.MQTTTimestamp)
}

func parseRowTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range rowTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Source lists and opens backfill files. Implementations exist for an
// S3-compatible object store and for a local directory.
type Source interface {
	// List returns the names of every file in the configured range.
	List(ctx context.Context) ([]string, error)
	// Open returns the raw (still compressed) content of one file.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// Files are named <date-prefix>..._<vehicle>.csv[.gz]; the trailing
// number before the extension is the vehicle id.
var vehicleIDRe = regexp.MustCompile(`(\d+)\.csv(\.gz)?$`)

// Reader replays dump files from a Source as per-vehicle row batches.
type Reader struct {
	src       Source
	batchSize int
	log       zerolog.Logger
}

func New(src Source, batchSize int, log zerolog.Logger) *Reader {
	return &Reader{
		src:       src,
		batchSize: batchSize,
		log:       log.With().Str("component", "reader").Logger(),
	}
}

// Partitions lists the source and groups file names by vehicle id,
// sorted within each vehicle so rows replay in file order. Files whose
// name carries no vehicle id are skipped.
func (r *Reader) Partitions(ctx context.Context) (map[string][]string, error) {
	names, err := r.src.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list backfill files: %w", err)
	}

	parts := make(map[string][]string)
	for _, name := range names {
		m := vehicleIDRe.FindStringSubmatch(name)
		if m == nil {
			r.log.Warn().Str("file", name).Msg("file name has no vehicle id, skipping")
			continue
		}
		parts[m[1]] = append(parts[m[1]], name)
	}
	for _, files := range parts {
		sort.Strings(files)
	}

	r.log.Info().Int("files", len(names)).Int("vehicles", len(parts)).Msg("backfill file list ready")
	return parts, nil
}

// ReadPartition replays one vehicle's files in order, calling emit for
// every full batch and once more for the trailing partial batch. An
// emit error stops the replay.
func (r *Reader) ReadPartition(ctx context.Context, vehicle string, files []string, emit func([]Row) error) error {
	batch := make([]Row, 0, r.batchSize)
	for _, name := range files {
		n, err := r.readFile(ctx, name, func(row Row) error {
			batch = append(batch, row)
			if len(batch) < r.batchSize {
				return nil
			}
			err := emit(batch)
			batch = batch[:0]
			return err
		})
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		r.log.Info().Str("file", name).Int("rows", n).Msg("file read complete")
	}
	if len(batch) > 0 {
		if err := emit(batch); err != nil {
			return err
		}
	}
	r.log.Info().Str("vehicle", vehicle).Int("files", len(files)).Msg("vehicle replay complete")
	return nil
}

func (r *Reader) readFile(ctx context.Context, name string, yield func(Row) error) (int, error) {
	body, err := r.src.Open(ctx, name)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	var in io.Reader = body
	if strings.HasSuffix(name, ".gz") {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return 0, fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		in = gz
	}

	cr := csv.NewReader(in)
	cr.FieldsPerRecord = 7
	cr.LazyQuotes = true

	// The first line is the column header.
	if _, err := cr.Read(); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, fmt.Errorf("read header: %w", err)
	}

	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		rec, err := cr.Read()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("row %d: %w", count+2, err)
		}
		row := Row{
			MessageType:   rec[0],
			NTPTimestamp:  rec[1],
			NTPOk:         rec[2],
			EkeTimestamp:  rec[3],
			MQTTTimestamp: rec[4],
			MQTTTopic:     rec[5],
			RawData:       rec[6],
		}
		if err := yield(row); err != nil {
			return count, err
		}
		count++
	}
}

// Dates expands an inclusive YYYY-MM-DD range into its date prefixes.
func Dates(startDate, endDate string) ([]string, error) {
	start, err := time.Parse(time.DateOnly, startDate)
	if err != nil {
		return nil, fmt.Errorf("bad start date %q: %w", startDate, err)
	}
	end, err := time.Parse(time.DateOnly, endDate)
	if err != nil {
		return nil, fmt.Errorf("bad end date %q: %w", endDate, err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end date %s before start date %s", endDate, startDate)
	}

	var dates []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(time.DateOnly))
	}
	return dates, nil
}

// SortedVehicles returns partition keys in numeric order, so replay
// logs read naturally. Non-numeric keys sort after numeric ones.
func SortedVehicles(parts map[string][]string) []string {
	vehicles := make([]string, 0, len(parts))
	for v := range parts {
		vehicles = append(vehicles, v)
	}
	sort.Slice(vehicles, func(i, j int) bool {
		a, aerr := strconv.Atoi(vehicles[i])
		b, berr := strconv.Atoi(vehicles[j])
		if aerr == nil && berr == nil {
			return a < b
		}
		if aerr == nil {
			return true
		}
		if berr == nil {
			return false
		}
		return vehicles[i] < vehicles[j]
	})
	return vehicles
}
