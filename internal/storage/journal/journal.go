// Package journal records session lifecycle events in a bbolt database.
//
// The journal is an audit trail of what the idle reaper did: which sessions
// opened, which ones it expired, which ones the client closed. It is never
// read back to rebuild timers; deadlines do not survive a restart.
//
// Layout inside journal.db:
//
//	events/  event ULID → encoded Event   (ULIDs sort by time)
//	counts/  kind       → uint64 big-endian running total
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketEvents = []byte("events")
	bucketCounts = []byte("counts")
)

// ErrCorrupt is returned when a stored event cannot be decoded.
var ErrCorrupt = errors.New("journal: corrupt entry")

// Kind is the type of a session event.
type Kind uint8

const (
	KindOpened Kind = iota + 1
	KindExpired
	KindClosed
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindOpened:
		return "opened"
	case KindExpired:
		return "expired"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name in JSON responses.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// ParseKind maps a wire name back to a Kind. The empty string yields 0,
// which filters nothing.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "":
		return 0, nil
	case "opened":
		return KindOpened, nil
	case "expired":
		return KindExpired, nil
	case "closed":
		return KindClosed, nil
	}
	return 0, fmt.Errorf("journal: unknown event kind %q", s)
}

// Event is one journal record.
type Event struct {
	ID      string `json:"id"` // ULID, also the storage key
	Kind    Kind   `json:"kind"`
	Session string `json:"session_id"`
	Node    string `json:"node_id"`
	Remote  string `json:"remote,omitempty"`
	// At is UTC milliseconds since the Unix epoch.
	At int64 `json:"at"`
}

// Journal is a bbolt-backed append-only event log. It is safe for concurrent
// use; bbolt serialises writers.
type Journal struct {
	db *bbolt.DB
}

// Open opens (or creates) the journal at path.
func Open(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEvents); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketCounts)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: init buckets: %w", err)
	}

	return &Journal{db: db}, nil
}

// Append stores e and bumps the running total for its kind in one transaction.
func (j *Journal) Append(e Event) error {
	if e.ID == "" {
		return errors.New("journal: event id must not be empty")
	}
	val, err := marshalEvent(e)
	if err != nil {
		return fmt.Errorf("journal: marshal %s: %w", e.ID, err)
	}

	return j.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketEvents).Put([]byte(e.ID), val); err != nil {
			return err
		}
		counts := tx.Bucket(bucketCounts)
		key := []byte(e.Kind.String())
		var n uint64
		if v := counts.Get(key); len(v) == 8 {
			n = binary.BigEndian.Uint64(v)
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], n+1)
		return counts.Put(key, buf[:])
	})
}

// Recent returns up to limit events, newest first. A zero kind matches every
// event.
func (j *Journal) Recent(limit int, kind Kind) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []Event
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			e, err := unmarshalEvent(v)
			if err != nil {
				return fmt.Errorf("%w: %s", err, k)
			}
			if kind != 0 && e.Kind != kind {
				continue
			}
			e.ID = string(k)
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Count returns the running total for kind.
func (j *Journal) Count(kind Kind) (uint64, error) {
	var n uint64
	err := j.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketCounts).Get([]byte(kind.String())); len(v) == 8 {
			n = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return n, err
}

// Close closes the underlying bbolt database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// ---- serialisation helpers -------------------------------------------------
// Event values are a compact binary structure:
//
//	[kind   : 1 byte          ]
//	[at     : 8 bytes, int64  ]
//	[session: u16 len + bytes ]
//	[node   : u16 len + bytes ]
//	[remote : u16 len + bytes ]
//
// The ID is the bucket key and is not repeated in the value.

const eventFixed = 1 + 8

func marshalEvent(e Event) ([]byte, error) {
	fields := []string{e.Session, e.Node, e.Remote}
	size := eventFixed
	for _, f := range fields {
		if len(f) > 0xFFFF {
			return nil, fmt.Errorf("field too long (%d bytes)", len(f))
		}
		size += 2 + len(f)
	}

	buf := make([]byte, eventFixed, size)
	buf[0] = uint8(e.Kind)
	binary.BigEndian.PutUint64(buf[1:], uint64(e.At))
	for _, f := range fields {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(f)))
		buf = append(buf, f...)
	}
	return buf, nil
}

func unmarshalEvent(buf []byte) (Event, error) {
	if len(buf) < eventFixed {
		return Event{}, ErrCorrupt
	}
	e := Event{
		Kind: Kind(buf[0]),
		At:   int64(binary.BigEndian.Uint64(buf[1:])),
	}
	rest := buf[eventFixed:]
	var fields [3]string
	for i := range fields {
		if len(rest) < 2 {
			return Event{}, ErrCorrupt
		}
		n := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		if n > len(rest) {
			return Event{}, ErrCorrupt
		}
		fields[i] = string(rest[:n])
		rest = rest[n:]
	}
	e.Session, e.Node, e.Remote = fields[0], fields[1], fields[2]
	return e, nil
}
