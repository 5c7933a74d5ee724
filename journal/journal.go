// Package journal keeps migration run history in a pebble database: one
// entry per run, keyed by a time-ordered UUID, so an operator can see what
// converged when, with which manifest, and what failed.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/pkg/errors"
)

var (
	ErrClosed   = errors.New("journal: closed")
	ErrBadEntry = errors.New("journal: bad entry record")
)

// Run is one recorded migration attempt. Error is empty for successful
// runs; Manifest is the JSON manifest a successful run produced.
type Run struct {
	ID         uuid.UUID       `json:"id"`
	Time       time.Time       `json:"time"`
	HasChanges bool            `json:"has_changes"`
	Error      string          `json:"error,omitempty"`
	Manifest   json.RawMessage `json:"manifest,omitempty"`
}

// Journal is the pebble-backed run history.
type Journal struct {
	db  *pebble.DB
	dir string
}

// Open opens or creates the journal database at dir.
func Open(dir string) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "journal: open")
	}
	return &Journal{db: db, dir: dir}, nil
}

func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

// Record persists one run. A zero ID gets a fresh V7 UUID and a zero Time
// gets the current time; V7 IDs sort by creation time, so key order is
// chronological order. Returns the ID the run was stored under.
func (j *Journal) Record(run Run) (uuid.UUID, error) {
	if j.db == nil {
		return uuid.Nil, ErrClosed
	}
	if run.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return uuid.Nil, errors.Wrap(err, "journal: id")
		}
		run.ID = id
	}
	if run.Time.IsZero() {
		run.Time = time.Now()
	}
	if err := j.db.Set(runKey(run.ID), encodeRun(run), pebble.Sync); err != nil {
		return uuid.Nil, errors.Wrap(err, "journal: set")
	}
	return run.ID, nil
}

// List returns recorded runs, newest first. A non-positive limit returns
// everything.
func (j *Journal) List(limit int) ([]Run, error) {
	if j.db == nil {
		return nil, ErrClosed
	}
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{runPrefix},
		UpperBound: []byte{runPrefix + 1},
	})
	if err != nil {
		return nil, errors.Wrap(err, "journal: iter")
	}
	defer func() { _ = iter.Close() }()

	var runs []Run
	for ok := iter.Last(); ok; ok = iter.Prev() {
		if limit > 0 && len(runs) >= limit {
			break
		}
		run, err := decodeRun(iter.Value())
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Last returns the most recent run; ok is false for an empty journal.
func (j *Journal) Last() (run Run, ok bool, err error) {
	runs, err := j.List(1)
	if err != nil || len(runs) == 0 {
		return Run{}, false, err
	}
	return runs[0], true, nil
}

const runPrefix byte = 'R'

func runKey(id uuid.UUID) []byte {
	key := make([]byte, 0, 17)
	key = append(key, runPrefix)
	return append(key, id[:]...)
}

// TLV layout of one entry:
//
//	J ( I id  T unix-nanos  H has-changes  E error  M manifest )

func encodeRun(run Run) []byte {
	flag := []byte{0}
	if run.HasChanges {
		flag[0] = 1
	}
	return toytlv.Record('J',
		toytlv.Record('I', run.ID[:]),
		toytlv.Record('T', binary.BigEndian.AppendUint64(nil, uint64(run.Time.UnixNano()))),
		toytlv.Record('H', flag),
		toytlv.Record('E', []byte(run.Error)),
		toytlv.Record('M', run.Manifest),
	)
}

func decodeRun(data []byte) (run Run, err error) {
	body, _, err := toytlv.TakeWary('J', data)
	if err != nil {
		return run, badEntry(err)
	}
	id, rest, err := toytlv.TakeWary('I', body)
	if err != nil || len(id) != len(run.ID) {
		return run, badEntry(err)
	}
	copy(run.ID[:], id)
	nanos, rest, err := toytlv.TakeWary('T', rest)
	if err != nil || len(nanos) != 8 {
		return run, badEntry(err)
	}
	run.Time = time.Unix(0, int64(binary.BigEndian.Uint64(nanos)))
	flag, rest, err := toytlv.TakeWary('H', rest)
	if err != nil || len(flag) != 1 {
		return run, badEntry(err)
	}
	run.HasChanges = flag[0] != 0
	errText, rest, err := toytlv.TakeWary('E', rest)
	if err != nil {
		return run, badEntry(err)
	}
	run.Error = string(errText)
	manifest, _, err := toytlv.TakeWary('M', rest)
	if err != nil {
		return run, badEntry(err)
	}
	if len(manifest) > 0 {
		run.Manifest = append(json.RawMessage{}, manifest...)
	}
	return run, nil
}

func badEntry(cause error) error {
	if cause == nil {
		return ErrBadEntry
	}
	return errors.WithMessage(ErrBadEntry, cause.Error())
}
