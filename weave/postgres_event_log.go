package weave

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// durable event log on postgres, for deployments where the log is
// shared across relay hosts

const (
	postgresEventsTableName  = "weave_events"
	postgresOperationTimeout = 5 * time.Second
)

type PostgresEventLog struct {
	db *sql.DB
}

func OpenPostgresEventLog(dsn string) (*PostgresEventLog, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("empty dsn")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	_, err = db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		seq BIGSERIAL PRIMARY KEY,
		subject TEXT NOT NULL,
		headers JSONB,
		payload BYTEA,
		logged_at BIGINT NOT NULL
	)`, postgresEventsTableName))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create events table: %w", err)
	}

	return &PostgresEventLog{
		db: db,
	}, nil
}

func (self *PostgresEventLog) Publish(ctx context.Context, subject string, headers map[string]string, payload []byte) (uint64, error) {
	var headersJson []byte
	if headers != nil {
		var err error
		headersJson, err = json.Marshal(headers)
		if err != nil {
			return 0, err
		}
	}

	var sequence uint64
	err := self.db.QueryRowContext(
		ctx,
		fmt.Sprintf("INSERT INTO %s (subject, headers, payload, logged_at) VALUES ($1, $2, $3, $4) RETURNING seq", postgresEventsTableName),
		subject,
		headersJson,
		payload,
		NowMillis(),
	).Scan(&sequence)
	if err != nil {
		return 0, err
	}
	return sequence, nil
}

func (self *PostgresEventLog) Read(ctx context.Context, subjectPattern string, fromSequence uint64, limit int) ([]EventRecord, error) {
	rows, err := self.db.QueryContext(
		ctx,
		fmt.Sprintf("SELECT seq, subject, headers, payload, logged_at FROM %s WHERE seq >= $1 ORDER BY seq", postgresEventsTableName),
		fromSequence,
	)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	out := []EventRecord{}
	for rows.Next() {
		var record EventRecord
		var headersJson []byte
		if err := rows.Scan(&record.Sequence, &record.Subject, &headersJson, &record.Payload, &record.LoggedAt); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		if 0 < len(headersJson) {
			if err := json.Unmarshal(headersJson, &record.Headers); err != nil {
				return nil, fmt.Errorf("headers decode failed: %w", err)
			}
		}
		if !MatchSubject(record.Subject, subjectPattern) {
			continue
		}
		out = append(out, record)
		if 0 < limit && limit <= len(out) {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (self *PostgresEventLog) Close() error {
	return self.db.Close()
}
