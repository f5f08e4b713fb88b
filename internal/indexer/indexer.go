// Package indexer delivers committed message changes to the search index.
//
// Every message mutation appends a row to the index feed in the same transaction. The indexer reads
// the feed in order, folds the rows of one message into a single event, renders the searchable text
// and removes the rows only once the sink accepted the events. Delivery is therefore at least once.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/index"
	"github.com/NostraDavid/mail/internal/durable"
	"github.com/NostraDavid/mail/internal/ticker"
	"github.com/NostraDavid/mail/mime"
	"github.com/NostraDavid/mail/observability/metrics"
	"github.com/sirupsen/logrus"
)

const (
	DefaultBatchSize = 100
	DefaultInterval  = 2 * time.Second
)

type Config struct {
	BatchSize int
	Interval  time.Duration
	Parser    mime.Parser
	Metrics   *metrics.Metrics
}

type Indexer struct {
	store  *durable.Store
	sink   index.Sink
	cfg    Config
	ticker *ticker.Ticker

	lock sync.Mutex
}

func New(store *durable.Store, sink index.Sink, cfg Config) *Indexer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	if cfg.Parser == nil {
		cfg.Parser = mime.NewMessageParser()
	}

	return &Indexer{
		store:  store,
		sink:   sink,
		cfg:    cfg,
		ticker: ticker.New(cfg.Interval),
	}
}

// Run drains the feed periodically until ctx is done.
func (ix *Indexer) Run(ctx context.Context) {
	defer ix.ticker.Stop()

	ix.ticker.Tick(ctx, func(ctx context.Context) {
		if _, err := ix.Drain(ctx); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Warn("Failed to feed the search index, will retry")
		}
	})
}

// Flush drains the feed now through the running indexer.
func (ix *Indexer) Flush(ctx context.Context) error {
	return ix.ticker.Poll(ctx)
}

// Drain delivers the whole feed and returns the number of events delivered.
func (ix *Indexer) Drain(ctx context.Context) (int, error) {
	ix.lock.Lock()
	defer ix.lock.Unlock()

	var total int

	for {
		n, more, err := ix.drainBatch(ctx)
		if err != nil {
			return total, err
		}

		total += n

		if !more {
			return total, nil
		}
	}
}

func (ix *Indexer) drainBatch(ctx context.Context) (int, bool, error) {
	entries, err := durable.ReadResult(ctx, ix.store, func(ctx context.Context, rd db.ReadOnly) ([]db.IndexFeedEntry, error) {
		return rd.GetIndexFeed(ctx, ix.cfg.BatchSize)
	})
	if err != nil {
		return 0, false, err
	}

	if len(entries) == 0 {
		return 0, false, nil
	}

	pending := coalesce(entries)

	events := make([]index.Event, 0, len(pending))

	for _, p := range pending {
		event, err := ix.render(ctx, p)
		if err != nil {
			return 0, false, err
		}

		events = append(events, event)
	}

	if err := ix.sink.Apply(ctx, events); err != nil {
		return 0, false, fmt.Errorf("index sink rejected %v events: %w", len(events), err)
	}

	upTo := entries[len(entries)-1].Seq

	if err := ix.store.Write(ctx, func(ctx context.Context, tx *durable.Tx) error {
		return tx.DeleteIndexFeed(ctx, upTo)
	}); err != nil {
		return 0, false, err
	}

	for _, event := range events {
		ix.cfg.Metrics.IndexEvent(event.Op.String(), 1)
	}

	return len(events), len(entries) == ix.cfg.BatchSize, nil
}

type pendingEvent struct {
	id db.MessageID
	op index.Op
}

// coalesce folds the feed rows of each message into one operation, in order of first appearance.
// An insert followed by updates stays an insert; the last delete or re-insert wins.
func coalesce(entries []db.IndexFeedEntry) []pendingEvent {
	pos := make(map[db.MessageID]int, len(entries))

	var pending []pendingEvent

	for _, entry := range entries {
		op := toOp(entry.Op)

		idx, ok := pos[entry.MessageID]
		if !ok {
			pos[entry.MessageID] = len(pending)
			pending = append(pending, pendingEvent{id: entry.MessageID, op: op})

			continue
		}

		if op == index.OpUpdate {
			continue
		}

		pending[idx].op = op
	}

	return pending
}

func toOp(op db.IndexOp) index.Op {
	switch op {
	case db.IndexInsert:
		return index.OpInsert

	case db.IndexDelete:
		return index.OpDelete

	default:
		return index.OpUpdate
	}
}

// render builds the event for a message from its current stored state.
func (ix *Indexer) render(ctx context.Context, p pendingEvent) (index.Event, error) {
	event := index.Event{MessageID: string(p.id), Op: p.op}

	if p.op == index.OpDelete {
		return event, nil
	}

	message, err := durable.ReadResult(ctx, ix.store, func(ctx context.Context, rd db.ReadOnly) (*db.Message, error) {
		return rd.GetMessage(ctx, p.id)
	})
	if errors.Is(err, db.ErrNotFound) {
		event.Op = index.OpDelete
		return event, nil
	} else if err != nil {
		return index.Event{}, err
	}

	if message.Deleted {
		event.Op = index.OpDelete
		return event, nil
	}

	event.Text = ix.searchableText(message)

	return event, nil
}

func (ix *Indexer) searchableText(message *db.Message) string {
	text := []string{message.Subject, message.From, strings.Join(message.To, " ")}

	literal, err := ix.store.GetBlob(message.Blob)
	if err != nil {
		logrus.WithError(err).WithField("messageID", message.ID).Warn("Message content missing, indexing headers only")
		return strings.Join(text, "\n")
	}

	parts, err := ix.cfg.Parser.Parse(literal)
	if err != nil && !mime.IsPartial(err) {
		logrus.WithError(err).WithField("messageID", message.ID).Debug("Failed to parse message, indexing headers only")
		return strings.Join(text, "\n")
	}

	return strings.Join(append(text, parts.SearchableText()), "\n")
}
