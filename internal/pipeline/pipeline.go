// Package pipeline wires the telemetry stages into runnable roles. Each
// role is one segment of the processing graph: reading backfill blobs,
// parsing content, creating events, or persisting to Postgres. State is
// keyed by vehicle and owned by exactly one worker, so the stages
// themselves never lock.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/snarg/eke-engine/internal/broker"
	"github.com/snarg/eke-engine/internal/config"
	"github.com/snarg/eke-engine/internal/database"
	"github.com/snarg/eke-engine/internal/ekemsg"
	"github.com/snarg/eke-engine/internal/ekeparser"
	"github.com/snarg/eke-engine/internal/metrics"
	"github.com/snarg/eke-engine/internal/reader"
	"github.com/snarg/eke-engine/internal/registry"
)

const (
	shardQueueDepth   = 256
	sinkFlushInterval = 2 * time.Second
	sinkWriteTimeout  = 30 * time.Second
)

type Pipeline struct {
	cfg    *config.Config
	broker *broker.Client
	db     *database.DB
	reg    *registry.Registry
	log    zerolog.Logger

	mu           sync.Mutex
	parserChains map[string]*parserChain
	eventChains  map[string]*eventChain
}

func New(cfg *config.Config, br *broker.Client, db *database.DB, reg *registry.Registry, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:          cfg,
		broker:       br,
		db:           db,
		reg:          reg,
		log:          log.With().Str("component", "pipeline").Logger(),
		parserChains: make(map[string]*parserChain),
		eventChains:  make(map[string]*eventChain),
	}
}

// Run executes the configured role until the context is cancelled or,
// for backfill roles, until the replay completes.
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.Info().Str("role", p.cfg.AppName).Msg("pipeline starting")

	var err error
	switch p.cfg.AppName {
	case config.RoleReader:
		err = p.runReader(ctx)
	case config.RoleContentParser:
		err = p.runContentParser(ctx)
	case config.RoleEventCreator:
		err = p.runEventCreator(ctx)
	case config.RolePGSink:
		err = p.runPGSink(ctx)
	case config.RoleAll:
		err = p.runAll(ctx)
	default:
		err = fmt.Errorf("unknown role %q", p.cfg.AppName)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ActiveVehicleCount reports how many vehicles have live stage state.
func (p *Pipeline) ActiveVehicleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.parserChains)
	if len(p.eventChains) > n {
		n = len(p.eventChains)
	}
	return n
}

// PendingAckCount reports unacknowledged inbound broker messages.
func (p *Pipeline) PendingAckCount() int {
	if p.broker == nil {
		return 0
	}
	return p.broker.PendingCount()
}

// newSource picks the backfill source: a local directory when
// LOCAL_DATA_DIR is set, the object store otherwise.
func (p *Pipeline) newSource() (reader.Source, error) {
	if p.cfg.LocalDataDir != "" {
		return reader.NewLocalSource(p.cfg.LocalDataDir)
	}
	return reader.NewS3Source(reader.S3Options{
		Endpoint:  p.cfg.S3Endpoint,
		Region:    p.cfg.S3Region,
		Bucket:    p.cfg.S3Bucket,
		AccessKey: p.cfg.S3AccessKey,
		SecretKey: p.cfg.S3SecretKey,
		StartDate: p.cfg.StartDate,
		EndDate:   p.cfg.EndDate,
	}, p.log)
}

// runReader replays the backfill blobs and publishes every raw row to
// the output topic keyed by vehicle. Vehicles are distributed over the
// worker pool; rows of one vehicle stay in file order.
func (p *Pipeline) runReader(ctx context.Context) error {
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
		g.Go(func() error {
			for vehicle := range work {
				err := rd.ReadPartition(ctx, vehicle, parts[vehicle], func(batch []reader.Row) error {
					for _, row := range batch {
						payload, err := encodeWire(KindRaw, row)
						if err != nil {
							return err
						}
						if err := p.broker.Publish(vehicle, payload); err != nil {
							return err
						}
						metrics.RowsReadTotal.Inc()
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
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

func (p *Pipeline) runContentParser(ctx context.Context) error {
	shards := newShardSet(p.cfg.WorkerCount, shardQueueDepth)
	p.broker.SetMessageHandler(func(m broker.Message) {
		vehicle := topicVehicle(m.Topic)
		shards.submit(vehicle, func() { p.parseOne(vehicle, m) })
	})
	return shards.run(ctx)
}

func (p *Pipeline) runEventCreator(ctx context.Context) error {
	shards := newShardSet(p.cfg.WorkerCount, shardQueueDepth)
	p.broker.SetMessageHandler(func(m broker.Message) {
		vehicle := topicVehicle(m.Topic)
		shards.submit(vehicle, func() { p.eventOne(vehicle, m) })
	})
	return shards.run(ctx)
}

// parseOne decodes one raw row and runs it through the vehicle's parser
// chain, forwarding the releasable messages.
func (p *Pipeline) parseOne(vehicle string, m broker.Message) {
	rec, err := decodeWire(m.Payload)
	if err != nil || rec.Kind != KindRaw {
		p.log.Error().Err(err).Str("topic", m.Topic).Msg("unusable record on input topic")
		p.broker.Ack([]string{m.Ref})
		return
	}

	var row reader.Row
	if err := json.Unmarshal(rec.Data, &row); err != nil {
		p.log.Error().Err(err).Str("vehicle", vehicle).Msg("malformed raw row")
		p.broker.Ack([]string{m.Ref})
		return
	}

	msg, err := ekeparser.Parse(row.RawData, row.MQTTTopic)
	if err != nil {
		metrics.DecodeErrorsTotal.Inc()
		p.log.Error().Err(err).Str("vehicle", vehicle).Msg("failed to parse eke data")
		p.broker.Ack([]string{m.Ref})
		return
	}
	if msg == nil {
		p.broker.Ack([]string{m.Ref})
		return
	}
	if t, terr := row.MQTTTime(); terr == nil {
		msg.MQTTTimestamp = t
	}
	metrics.MessagesDecodedTotal.Inc()

	chain := p.parserChainFor(vehicle)
	for _, out := range chain.Process(ekemsg.Envelope{Data: msg, SourceRefs: []string{m.Ref}}) {
		p.forwardMessage(vehicle, out)
	}
}

// forwardMessage publishes one parsed message and acknowledges its
// sources. A failed publish leaves the sources unacked so the broker
// redelivers them.
func (p *Pipeline) forwardMessage(vehicle string, env ekemsg.Envelope) {
	if env.IsEmpty() {
		p.broker.Ack(env.SourceRefs)
		return
	}
	payload, err := encodeWire(KindMessage, env.Data)
	if err != nil {
		p.log.Error().Err(err).Str("vehicle", vehicle).Msg("failed to encode message")
		return
	}
	if err := p.broker.Publish(vehicle, payload); err != nil {
		p.log.Error().Err(err).Str("vehicle", vehicle).Msg("publish failed, leaving sources unacked")
		return
	}
	p.broker.Ack(env.SourceRefs)
}

// eventOne runs one parsed message through the vehicle's event chain and
// publishes whatever events fall out.
func (p *Pipeline) eventOne(vehicle string, m broker.Message) {
	rec, err := decodeWire(m.Payload)
	if err != nil || rec.Kind != KindMessage {
		p.log.Error().Err(err).Str("topic", m.Topic).Msg("unusable record on input topic")
		p.broker.Ack([]string{m.Ref})
		return
	}

	var msg ekemsg.Message
	if err := json.Unmarshal(rec.Data, &msg); err != nil {
		p.log.Error().Err(err).Str("vehicle", vehicle).Msg("malformed message record")
		p.broker.Ack([]string{m.Ref})
		return
	}

	chain := p.eventChainFor(vehicle)
	ev, st := chain.Process(ekemsg.Envelope{Data: &msg, SourceRefs: []string{m.Ref}})

	acked := true
	if !ev.IsEmpty() {
		if err := p.publishWire(vehicle, KindEvent, ev.Data); err != nil {
			acked = false
		}
	}
	if !st.IsEmpty() {
		if err := p.publishWire(vehicle, KindStationEvent, st.Data); err != nil {
			acked = false
		}
	}
	if acked {
		p.broker.Ack([]string{m.Ref})
	}
}

func (p *Pipeline) publishWire(vehicle, kind string, v any) error {
	payload, err := encodeWire(kind, v)
	if err != nil {
		p.log.Error().Err(err).Str("vehicle", vehicle).Str("kind", kind).Msg("failed to encode record")
		return err
	}
	if err := p.broker.Publish(vehicle, payload); err != nil {
		p.log.Error().Err(err).Str("vehicle", vehicle).Str("kind", kind).Msg("publish failed")
		return err
	}
	return nil
}

// sinkItem couples a table row with the broker refs it was derived from.
type sinkItem struct {
	row  []any
	refs []string
}

// runPGSink consumes one stream and persists it to the configured target
// table. Sources are acknowledged only after their batch committed, so a
// crash replays the batch into the idempotent merge.
func (p *Pipeline) runPGSink(ctx context.Context) error {
	target := p.cfg.PostgresTargetTable
	sink, err := database.NewStagingSink(ctx, p.db, target, p.cfg.MQTTClientName, p.log)
	if err != nil {
		return err
	}
	defer sink.Close(context.Background())

	batcher := NewBatcher(p.cfg.BatchSize, sinkFlushInterval, func(items []sinkItem) {
		rows := make([][]any, 0, len(items))
		var refs []string
		for _, it := range items {
			rows = append(rows, it.row)
			refs = append(refs, it.refs...)
		}

		wctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
		defer cancel()
		if err := sink.Write(wctx, rows); err != nil {
			p.log.Error().Err(err).Int("rows", len(rows)).Msg("sink write failed, sources stay unacked")
			return
		}
		metrics.RowsPersistedTotal.WithLabelValues(target).Add(float64(len(rows)))
		p.broker.Ack(refs)
	})

	p.broker.SetMessageHandler(func(m broker.Message) {
		row, err := rowForTarget(target, m.Payload)
		if err != nil {
			p.log.Warn().Err(err).Str("topic", m.Topic).Msg("dropping unusable record")
			p.broker.Ack([]string{m.Ref})
			return
		}
		if row == nil {
			// Another sink's stream on the shared topic.
			p.broker.Ack([]string{m.Ref})
			return
		}
		batcher.Add(sinkItem{row: row, refs: []string{m.Ref}})
	})

	<-ctx.Done()
	batcher.Stop()
	return ctx.Err()
}

// rowForTarget maps a wire record onto the target table's columns. A nil
// row with nil error means the record belongs to a different target.
func rowForTarget(target string, payload []byte) ([]any, error) {
	rec, err := decodeWire(payload)
	if err != nil {
		return nil, err
	}

	switch target {
	case "messages":
		if rec.Kind != KindMessage {
			return nil, nil
		}
		var msg ekemsg.Message
		if err := json.Unmarshal(rec.Data, &msg); err != nil {
			return nil, fmt.Errorf("malformed message record: %w", err)
		}
		return database.MessageRow(&msg)
	case "events":
		if rec.Kind != KindEvent {
			return nil, nil
		}
		var ev ekemsg.Event
		if err := json.Unmarshal(rec.Data, &ev); err != nil {
			return nil, fmt.Errorf("malformed event record: %w", err)
		}
		return database.EventRow(&ev)
	case "stationevents":
		if rec.Kind != KindStationEvent {
			return nil, nil
		}
		var ev ekemsg.StationEvent
		if err := json.Unmarshal(rec.Data, &ev); err != nil {
			return nil, fmt.Errorf("malformed station event record: %w", err)
		}
		return database.StationEventRow(&ev)
	default:
		return nil, fmt.Errorf("unknown target table %q", target)
	}
}

func (p *Pipeline) parserChainFor(vehicle string) *parserChain {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.parserChains[vehicle]
	if !ok {
		c = newParserChain(vehicle, p.log)
		p.parserChains[vehicle] = c
	}
	return c
}

func (p *Pipeline) eventChainFor(vehicle string) *eventChain {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.eventChains[vehicle]
	if !ok {
		c = newEventChain(vehicle, p.reg, p.log)
		p.eventChains[vehicle] = c
	}
	return c
}

// topicVehicle extracts the vehicle key from a per-vehicle subtopic.
func topicVehicle(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
