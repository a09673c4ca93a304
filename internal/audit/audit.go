// Package audit is a durable, sqlite-backed history of
// safety-configuration and fleet-membership transitions, for post-hoc
// incident review.
package audit

import (
	"database/sql"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/anodyne74/cangated/internal/gateway"
)

// EventKind classifies an audit row.
type EventKind string

const (
	EventFleetOpened      EventKind = "fleet_opened"
	EventGatewayLost      EventKind = "gateway_lost"
	EventSafetyModelSet   EventKind = "safety_model_set"
	EventHandshakeStarted EventKind = "handshake_started"
	EventHandshakeAborted EventKind = "handshake_aborted"
	EventHandshakeDone    EventKind = "handshake_done"
)

// Log is an append-only audit trail.
type Log struct {
	db *sql.DB
}

// Open opens (creating if necessary) a sqlite-backed audit log at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open audit log")
	}
	l := &Log{db: db}
	if err := l.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) initialize() error {
	_, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp  DATETIME NOT NULL,
		kind       TEXT NOT NULL,
		serial     TEXT,
		detail     TEXT
	)`)
	if err != nil {
		return errors.Wrap(err, "initialize audit schema")
	}
	return nil
}

// Record appends one event row.
func (l *Log) Record(kind EventKind, serial, detail string) error {
	_, err := l.db.Exec(`INSERT INTO events (timestamp, kind, serial, detail) VALUES (?, ?, ?, ?)`,
		time.Now(), string(kind), serial, detail)
	if err != nil {
		return errors.Wrapf(err, "record audit event %q", kind)
	}
	return nil
}

// RecordSafetyModel records a gateway's safety model transition.
func (l *Log) RecordSafetyModel(serial string, model gateway.SafetyModel, param int16) error {
	return l.Record(EventSafetyModelSet, serial, safetyDetail(model, param))
}

func safetyDetail(model gateway.SafetyModel, param int16) string {
	return model.String() + "/" + strconv.Itoa(int(param))
}

// Event is one row read back from the log.
type Event struct {
	ID        int64
	Timestamp time.Time
	Kind      EventKind
	Serial    string
	Detail    string
}

// Recent returns the last n events, newest first.
func (l *Log) Recent(n int) ([]Event, error) {
	rows, err := l.db.Query(`SELECT id, timestamp, kind, serial, detail FROM events ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, errors.Wrap(err, "query recent audit events")
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var serial, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Kind, &serial, &detail); err != nil {
			return nil, errors.Wrap(err, "scan audit event")
		}
		e.Serial = serial.String
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}
