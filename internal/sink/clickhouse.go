package sink

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"SockTracer/internal/config"
	"SockTracer/internal/model"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS socket_trace_records (
    Time        DateTime64(9),
    TraceID     String,
    PID         UInt32,
    FD          Int32,
    RemoteAddr  String,
    RemotePort  UInt16,
    ReqMethod   String,
    ReqPath     String,
    ReqHeaders  Map(String, String),
    RespStatus  UInt16,
    RespMessage String,
    RespHeaders Map(String, String),
    RespBody    String,
    LatencyNS   UInt64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Time)
ORDER BY (PID, Time);
`

// ClickHouseWriter buffers trace records and flushes them to ClickHouse in
// batches on a fixed interval.
type ClickHouseWriter struct {
	conn     driver.Conn
	interval time.Duration

	mu  sync.Mutex
	buf []model.TraceRecord
}

// NewClickHouseWriter connects, ensures the records table exists, and
// returns a writer flushing on the configured interval.
func NewClickHouseWriter(cfg config.ClickHouseConfig) (*ClickHouseWriter, error) {
	interval, err := time.ParseDuration(cfg.FlushInterval)
	if err != nil || interval <= 0 {
		interval = 5 * time.Second
	}

	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := conn.Exec(context.Background(), createTableStatement); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	log.Println("Successfully connected to ClickHouse and ensured table exists.")

	return &ClickHouseWriter{conn: conn, interval: interval}, nil
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	return conn, nil
}

// GetInterval returns the configured flush interval.
func (w *ClickHouseWriter) GetInterval() time.Duration {
	return w.interval
}

// Append implements model.RecordSink. Records are buffered until the next
// Flush.
func (w *ClickHouseWriter) Append(rec model.TraceRecord) {
	w.mu.Lock()
	w.buf = append(w.buf, rec)
	w.mu.Unlock()
}

// Flush sends all buffered records as one batch insert.
func (w *ClickHouseWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	records := w.buf
	w.buf = nil
	w.mu.Unlock()

	if len(records) == 0 {
		return nil
	}

	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO socket_trace_records")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, rec := range records {
		err = batch.Append(
			time.Unix(0, int64(rec.TimeNS)),
			rec.TraceID.String(),
			rec.PID,
			rec.FD,
			rec.RemoteAddr,
			uint16(rec.RemotePort),
			rec.ReqMethod,
			rec.ReqPath,
			rec.ReqHeaders,
			uint16(rec.RespStatus),
			rec.RespMessage,
			rec.RespHeaders,
			rec.RespBody,
			rec.LatencyNS,
		)
		if err != nil {
			return fmt.Errorf("failed to append record to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	log.Printf("Wrote %d trace records to ClickHouse", len(records))
	return nil
}

// Close flushes any remaining records and closes the connection.
func (w *ClickHouseWriter) Close() error {
	if err := w.Flush(context.Background()); err != nil {
		log.Printf("Final ClickHouse flush failed: %v", err)
	}
	return w.conn.Close()
}
