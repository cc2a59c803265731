package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/snarg/eke-engine/internal/database"
	"github.com/snarg/eke-engine/internal/ekemsg"
	"github.com/snarg/eke-engine/internal/ekeparser"
	"github.com/snarg/eke-engine/internal/metrics"
	"github.com/snarg/eke-engine/internal/reader"
)

// runAll replays the backfill range straight through every stage into
// the three Postgres sinks, no broker in between. Each worker owns its
// vehicles end to end and its own staging tables.
func (p *Pipeline) runAll(ctx context.Context) error {
	src, err := p.newSource()
	if err != nil {
		return err
	}
	rd := reader.New(src, p.cfg.BatchSize, p.log)

	parts, err := rd.Partitions(ctx)
	if err != nil {
		return err
	}
	vehicles := reader.SortedVehicles(parts)

	work := make(chan string)
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.WorkerCount; i++ {
		i := i
		g.Go(func() error {
			w, err := newReplayWorker(ctx, p, i)
			if err != nil {
				return err
			}
			defer w.close()

			for vehicle := range work {
				if err := w.replayVehicle(ctx, rd, vehicle, parts[vehicle]); err != nil {
					return fmt.Errorf("vehicle %s: %w", vehicle, err)
				}
			}
			return w.flushAll(ctx)
		})
	}

	g.Go(func() error {
		defer close(work)
		for _, vehicle := range vehicles {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case work <- vehicle:
			}
		}
		return nil
	})

	return g.Wait()
}

// replayWorker owns one staging sink per target table and buffers rows
// until a batch is full.
type replayWorker struct {
	p     *Pipeline
	sinks map[string]*database.StagingSink
	rows  map[string][][]any
}

func newReplayWorker(ctx context.Context, p *Pipeline, idx int) (*replayWorker, error) {
	w := &replayWorker{
		p:     p,
		sinks: make(map[string]*database.StagingSink),
		rows:  make(map[string][][]any),
	}
	workerID := fmt.Sprintf("%s-%d", p.cfg.MQTTClientName, idx)
	for _, target := range database.Targets() {
		sink, err := database.NewStagingSink(ctx, p.db, target, workerID, p.log)
		if err != nil {
			w.close()
			return nil, err
		}
		w.sinks[target] = sink
	}
	return w, nil
}

// replayVehicle runs one vehicle's files through fresh stage chains.
// Chains are flushed at the end of the vehicle so buffered records from
// the end of the range still come out.
func (w *replayWorker) replayVehicle(ctx context.Context, rd *reader.Reader, vehicle string, files []string) error {
	pc := newParserChain(vehicle, w.p.log)
	ec := newEventChain(vehicle, w.p.reg, w.p.log)

	err := rd.ReadPartition(ctx, vehicle, files, func(batch []reader.Row) error {
		for _, row := range batch {
			metrics.RowsReadTotal.Inc()

			msg, err := ekeparser.Parse(row.RawData, row.MQTTTopic)
			if err != nil {
				metrics.DecodeErrorsTotal.Inc()
				w.p.log.Error().Err(err).Str("vehicle", vehicle).Msg("failed to parse eke data")
				continue
			}
			if msg == nil {
				continue
			}
			if t, terr := row.MQTTTime(); terr == nil {
				msg.MQTTTimestamp = t
			}
			metrics.MessagesDecodedTotal.Inc()

			for _, env := range pc.Process(ekemsg.Envelope{Data: msg}) {
				if err := w.consume(ctx, ec, env); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, env := range pc.Flush() {
		if err := w.consume(ctx, ec, env); err != nil {
			return err
		}
	}
	return nil
}

// consume persists one parsed message and whatever events it raises.
func (w *replayWorker) consume(ctx context.Context, ec *eventChain, env ekemsg.Envelope) error {
	if env.IsEmpty() {
		return nil
	}

	row, err := database.MessageRow(env.Data)
	if err != nil {
		return err
	}
	if err := w.add(ctx, "messages", row); err != nil {
		return err
	}

	ev, st := ec.Process(env)
	if !ev.IsEmpty() {
		row, err := database.EventRow(ev.Data)
		if err != nil {
			return err
		}
		if err := w.add(ctx, "events", row); err != nil {
			return err
		}
	}
	if !st.IsEmpty() {
		row, err := database.StationEventRow(st.Data)
		if err != nil {
			return err
		}
		if err := w.add(ctx, "stationevents", row); err != nil {
			return err
		}
	}
	return nil
}

func (w *replayWorker) add(ctx context.Context, target string, row []any) error {
	w.rows[target] = append(w.rows[target], row)
	if len(w.rows[target]) >= w.p.cfg.BatchSize {
		return w.flush(ctx, target)
	}
	return nil
}

func (w *replayWorker) flush(ctx context.Context, target string) error {
	rows := w.rows[target]
	if len(rows) == 0 {
		return nil
	}
	if err := w.sinks[target].Write(ctx, rows); err != nil {
		return err
	}
	metrics.RowsPersistedTotal.WithLabelValues(target).Add(float64(len(rows)))
	w.rows[target] = w.rows[target][:0]
	return nil
}

func (w *replayWorker) flushAll(ctx context.Context) error {
	for _, target := range database.Targets() {
		if err := w.flush(ctx, target); err != nil {
			return err
		}
	}
	return nil
}

func (w *replayWorker) close() {
	for _, sink := range w.sinks {
		sink.Close(context.Background())
	}
}
