package query

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"SockTracer/internal/config"
	"SockTracer/internal/model"
)

// Querier defines the interface for querying emitted trace records.
type Querier interface {
	RecentRecords(ctx context.Context, limit int) ([]model.TraceRecord, error)
	RecordsForPID(ctx context.Context, pid uint32, since time.Time, limit int) ([]model.TraceRecord, error)
}

// clickhouseQuerier implements the Querier interface for ClickHouse.
type clickhouseQuerier struct {
	conn clickhouse.Conn
}

// NewClickHouseQuerier creates a new querier for ClickHouse.
func NewClickHouseQuerier(cfg config.ClickHouseConfig) (Querier, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &clickhouseQuerier{conn: conn}, nil
}

func connect(cfg config.ClickHouseConfig) (clickhouse.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
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

const selectColumns = `
	SELECT
		Time, TraceID, PID, FD, RemoteAddr, RemotePort,
		ReqMethod, ReqPath, ReqHeaders,
		RespStatus, RespMessage, RespHeaders, RespBody, LatencyNS
	FROM socket_trace_records
`

// RecentRecords returns the newest records, newest first.
func (q *clickhouseQuerier) RecentRecords(ctx context.Context, limit int) ([]model.TraceRecord, error) {
	rows, err := q.conn.Query(ctx, selectColumns+" ORDER BY Time DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// RecordsForPID returns records for one traced process since a point in
// time, newest first.
func (q *clickhouseQuerier) RecordsForPID(ctx context.Context, pid uint32, since time.Time, limit int) ([]model.TraceRecord, error) {
	rows, err := q.conn.Query(ctx,
		selectColumns+" WHERE PID = ? AND Time >= ? ORDER BY Time DESC LIMIT ?",
		pid, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query records for pid %d: %w", pid, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows driver.Rows) ([]model.TraceRecord, error) {
	var out []model.TraceRecord
	for rows.Next() {
		var (
			rec        model.TraceRecord
			ts         time.Time
			traceID    string
			remotePort uint16
			status     uint16
		)
		err := rows.Scan(
			&ts, &traceID, &rec.PID, &rec.FD, &rec.RemoteAddr, &remotePort,
			&rec.ReqMethod, &rec.ReqPath, &rec.ReqHeaders,
			&status, &rec.RespMessage, &rec.RespHeaders, &rec.RespBody, &rec.LatencyNS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.TimeNS = uint64(ts.UnixNano())
		rec.RemotePort = int(remotePort)
		rec.RespStatus = int(status)
		if id, err := uuid.Parse(traceID); err == nil {
			rec.TraceID = id
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
