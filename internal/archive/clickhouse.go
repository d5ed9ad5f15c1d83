// Package archive streams accepted events into ClickHouse for offline
// analytics. The ClickHouse copy is a secondary, lossy sink: the
// Postgres event log stays authoritative, and a full archive buffer
// drops rather than blocking the ingest path.
package archive

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/splitshelf/splitshelf/internal/models"
	"go.uber.org/zap"
)

const insertQuery = `INSERT INTO events_archive
	(event_id, experiment_id, product_id, variant_id,
	 session_id, event_type, event_case, order_id, revenue, quantity, created_at)`

// Sink batches events and flushes them to ClickHouse in the
// background. Push never blocks.
type Sink struct {
	conn   driver.Conn
	logger *zap.Logger

	buf           chan *models.Event
	batchSize     int
	flushInterval time.Duration
}

// Options configures the sink's connection and batching.
type Options struct {
	Addr     []string
	Database string
	Username string
	Password string

	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// NewSink opens the ClickHouse connection and verifies it with a ping.
func NewSink(ctx context.Context, opts Options, logger *zap.Logger) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: opts.Addr,
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, err
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}

	return &Sink{
		conn:          conn,
		logger:        logger,
		buf:           make(chan *models.Event, opts.BufferSize),
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
	}, nil
}

// Health pings the ClickHouse connection.
func (s *Sink) Health(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.conn.Ping(ctx)
}

// Push queues an event for archival. Drops when the buffer is full.
func (s *Sink) Push(ev *models.Event) {
	if s == nil {
		return
	}
	select {
	case s.buf <- ev:
	default:
		s.logger.Warn("archive buffer full, dropping event", zap.String("event_id", ev.ID))
	}
}

// Run drains the buffer until ctx is cancelled, flushing on batch size
// or interval, whichever comes first. A final flush runs on shutdown.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	pending := make([]*models.Event, 0, s.batchSize)
	for {
		select {
		case <-ctx.Done():
			s.flush(pending)
			return
		case ev := <-s.buf:
			pending = append(pending, ev)
			if len(pending) >= s.batchSize {
				s.flush(pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				s.flush(pending)
				pending = pending[:0]
			}
		}
	}
}

func (s *Sink) flush(events []*models.Event) {
	if len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, insertQuery)
	if err != nil {
		s.logger.Error("archive batch prepare failed", zap.Error(err))
		return
	}
	for _, ev := range events {
		var revenue float64
		if ev.Revenue != nil {
			revenue = *ev.Revenue
		}
		var quantity int32
		if ev.Quantity != nil {
			quantity = int32(*ev.Quantity)
		}
		if err := batch.Append(
			ev.ID,
			ev.ExperimentID,
			ev.ProductID,
			ev.VariantID,
			ev.SessionID,
			string(ev.Type),
			string(ev.Case),
			ev.OrderID(),
			revenue,
			quantity,
			ev.CreatedAt,
		); err != nil {
			s.logger.Error("archive batch append failed", zap.Error(err))
			return
		}
	}
	if err := batch.Send(); err != nil {
		s.logger.Error("archive batch send failed", zap.Error(err), zap.Int("events", len(events)))
		return
	}
	s.logger.Debug("archived events", zap.Int("events", len(events)))
}

// Close releases the ClickHouse connection.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	return s.conn.Close()
}
