package storage

import (
	"context"
	"log/slog"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ClickHouseSink is a best-effort, non-blocking secondary writer for
// RequestLogStore. The teacher imports clickhouse-go but never wires it
// (internal/app/init.go: "In the managed version this connects to
// ClickHouse for analytics") — this gives that dependency the home its own
// comment describes, without ever letting an analytics-sink failure affect
// the primary SQL write or the already-sent client response (§7).
type ClickHouseSink struct {
	conn clickhouse.Conn
	log  *slog.Logger
}

// NewClickHouseSink dials ClickHouse and ensures the mirrored table exists.
func NewClickHouseSink(ctx context.Context, dsn string, log *slog.Logger) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, err
	}
	const ddl = `
CREATE TABLE IF NOT EXISTS request_logs_analytics (
	timestamp String,
	request_type String,
	model String,
	provider String,
	client_token String,
	status_code UInt16,
	response_time_ms UInt32,
	total_tokens Nullable(Int64),
	amount_spent Nullable(Float64),
	success UInt8
) ENGINE = MergeTree() ORDER BY (timestamp)`
	if err := conn.Exec(ctx, ddl); err != nil {
		return nil, err
	}
	return &ClickHouseSink{conn: conn, log: log}, nil
}

// Mirror fire-and-forgets a copy of the request log row into ClickHouse.
// Called alongside (never instead of) the primary SQL write; any error is
// logged, never propagated.
func (c *ClickHouseSink) Mirror(ctx context.Context, log RequestLog) {
	go func() {
		err := c.conn.Exec(ctx,
			`INSERT INTO request_logs_analytics
				(timestamp, request_type, model, provider, client_token, status_code, response_time_ms, total_tokens, amount_spent, success)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			log.Timestamp, log.RequestType, log.Model, log.Provider, log.ClientToken,
			uint16(log.StatusCode), uint32(log.ResponseTimeMs), log.TotalTokens, log.AmountSpent, boolToUint8(log.Success),
		)
		if err != nil {
			c.log.Warn("clickhouse analytics mirror failed", "error", err)
		}
	}()
}

func (c *ClickHouseSink) Close() error { return c.conn.Close() }

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
