package audit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ILLUVRSE/docflow/internal/canonical"
)

// Producer is the subset of kafka producer behavior the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key []byte, value []byte) (partition int, offset int64, producedAt time.Time, err error)
	Close() error
}

// Archiver uploads a sealed event to object storage and returns the object key.
type Archiver interface {
	Archive(ctx context.Context, ev Event) (key string, err error)
}

// Outbox is the durable event queue the streamer drains. Both stores implement it.
type Outbox interface {
	// FetchPendingEvents claims up to limit undelivered events. Events of one stream are
	// returned in seq order and never overtake an earlier event still in flight.
	FetchPendingEvents(ctx context.Context, limit int) ([]Event, error)
	// MarkStreamResult records delivery of a claimed event.
	MarkStreamResult(ctx context.Context, id string, archiveKey string, ok bool, errMsg string) error
	// ReleaseEvents returns claimed but unattempted events to pending.
	ReleaseEvents(ctx context.Context, ids []string) error
}

type StreamerConfig struct {
	// How many events to claim per poll.
	BatchSize int

	// PollInterval when there is no work.
	PollInterval time.Duration

	// MaxConcurrency bounds how many streams are published in parallel.
	MaxConcurrency int

	// EventTimeout bounds produce+archive for a single event.
	EventTimeout time.Duration
}

// Streamer publishes outbox events to Kafka (key = stream id) and optionally archives them.
// Within a stream events go out strictly in seq order: the first failure stops that stream
// for the batch and its remaining events are released for the next poll.
type Streamer struct {
	outbox   Outbox
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
}

// NewStreamer constructs a streamer. archiver may be nil.
func NewStreamer(outbox Outbox, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 30 * time.Second
	}
	return &Streamer{outbox: outbox, producer: producer, archiver: archiver, cfg: cfg}
}

// Run polls until ctx is cancelled.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[audit.streamer] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[audit.streamer] stopped")
	defer func() {
		if s.producer != nil {
			_ = s.producer.Close()
		}
	}()

	for {
		n, err := s.DrainOnce(ctx)
		if err != nil {
			log.Printf("[audit.streamer] fetch pending: %v", err)
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// DrainOnce claims one batch and publishes it. It returns the number of events claimed.
func (s *Streamer) DrainOnce(ctx context.Context) (int, error) {
	events, err := s.outbox.FetchPendingEvents(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	var (
		order   []string
		streams = make(map[string][]Event)
	)
	for _, ev := range events {
		if _, ok := streams[ev.StreamID]; !ok {
			order = append(order, ev.StreamID)
		}
		streams[ev.StreamID] = append(streams[ev.StreamID], ev)
	}

	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	for _, id := range order {
		sem <- struct{}{}
		wg.Add(1)
		go func(batch []Event) {
			defer func() {
				<-sem
				wg.Done()
			}()
			s.publishStream(ctx, batch)
		}(streams[id])
	}
	wg.Wait()
	return len(events), nil
}

func (s *Streamer) publishStream(ctx context.Context, batch []Event) {
	for i, ev := range batch {
		if err := s.processEvent(ctx, ev); err != nil {
			log.Printf("[audit.streamer] stream %s halted at seq %d: %v", ev.StreamID, ev.Seq, err)
			rest := make([]string, 0, len(batch)-i-1)
			for _, r := range batch[i+1:] {
				rest = append(rest, r.ID)
			}
			if len(rest) > 0 {
				if err := s.outbox.ReleaseEvents(context.WithoutCancel(ctx), rest); err != nil {
					log.Printf("[audit.streamer] release %d events of stream %s: %v", len(rest), ev.StreamID, err)
				}
			}
			return
		}
	}
}

// processEvent produces then archives one event and records the outcome in the outbox.
func (s *Streamer) processEvent(parentCtx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(parentCtx, s.cfg.EventTimeout)
	defer cancel()
	record := context.WithoutCancel(parentCtx)

	value, err := Envelope(ev)
	if err != nil {
		_ = s.outbox.MarkStreamResult(record, ev.ID, "", false, fmt.Sprintf("canonicalize envelope: %v", err))
		return fmt.Errorf("canonicalize envelope: %w", err)
	}

	_, _, producedAt, err := s.producer.Produce(ctx, []byte(ev.StreamID), value)
	if err != nil {
		_ = s.outbox.MarkStreamResult(record, ev.ID, "", false, fmt.Sprintf("kafka produce: %v", err))
		return fmt.Errorf("kafka produce: %w", err)
	}

	var key string
	if s.archiver != nil {
		key, err = s.archiver.Archive(ctx, ev)
		if err != nil {
			_ = s.outbox.MarkStreamResult(record, ev.ID, "", false, fmt.Sprintf("s3 archive: %v", err))
			return fmt.Errorf("s3 archive: %w", err)
		}
	}

	if err := s.outbox.MarkStreamResult(record, ev.ID, key, true, ""); err != nil {
		return fmt.Errorf("mark event stream success: %w", err)
	}
	log.Printf("[audit.streamer] event %s (%s #%d) processed: kafka_produced_at=%s archived_key=%q",
		ev.ID, ev.StreamID, ev.Seq, producedAt.Format(time.RFC3339Nano), key)
	return nil
}

// Envelope is the canonical JSON published to Kafka and written to the archive.
func Envelope(ev Event) ([]byte, error) {
	return canonical.Marshal(map[string]interface{}{
		"id":        ev.ID,
		"streamId":  ev.StreamID,
		"seq":       ev.Seq,
		"type":      ev.Type,
		"actor":     string(ev.Actor),
		"payload":   ev.Payload,
		"prevHash":  ev.PrevHash,
		"hash":      ev.Hash,
		"signature": ev.Signature,
		"signerId":  ev.SignerID,
		"ts":        ev.Ts.UTC().Format(time.RFC3339Nano),
	})
}
