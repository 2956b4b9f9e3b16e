package weave

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// durable event log on a local sqlite file

type SqliteEventLog struct {
	db *sql.DB
}

func OpenSqliteEventLog(path string) (*SqliteEventLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		subject TEXT NOT NULL,
		headers TEXT,
		payload BLOB,
		logged_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create events table: %w", err)
	}

	return &SqliteEventLog{
		db: db,
	}, nil
}

func (self *SqliteEventLog) Publish(ctx context.Context, subject string, headers map[string]string, payload []byte) (uint64, error) {
	var headersJson []byte
	if headers != nil {
		var err error
		headersJson, err = json.Marshal(headers)
		if err != nil {
			return 0, err
		}
	}

	result, err := self.db.ExecContext(
		ctx,
		"INSERT INTO events (subject, headers, payload, logged_at) VALUES (?, ?, ?, ?)",
		subject,
		string(headersJson),
		payload,
		NowMillis(),
	)
	if err != nil {
		return 0, err
	}
	sequence, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(sequence), nil
}

func (self *SqliteEventLog) Read(ctx context.Context, subjectPattern string, fromSequence uint64, limit int) ([]EventRecord, error) {
	rows, err := self.db.QueryContext(
		ctx,
		"SELECT seq, subject, headers, payload, logged_at FROM events WHERE seq >= ? ORDER BY seq",
		fromSequence,
	)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	out := []EventRecord{}
	for rows.Next() {
		var record EventRecord
		var headersJson sql.NullString
		if err := rows.Scan(&record.Sequence, &record.Subject, &headersJson, &record.Payload, &record.LoggedAt); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		if headersJson.Valid && headersJson.String != "" {
			if err := json.Unmarshal([]byte(headersJson.String), &record.Headers); err != nil {
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

func (self *SqliteEventLog) Close() error {
	return self.db.Close()
}
