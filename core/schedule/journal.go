package schedule

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bbolt "go.etcd.io/bbolt"

	"polyswarmclient/core/events"
)

// Journal persists event-backed actions in a bbolt bucket per chain.
type Journal struct {
	db     *bbolt.DB
	bucket []byte
	owned  bool
}

type journalRecord struct {
	Height  uint64          `json:"height"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// OpenJournal opens (or creates) the journal database at path and scopes it
// to chain.
func OpenJournal(path, chain string) (*Journal, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("schedule: open journal: %w", err)
	}
	j, err := NewJournal(db, chain)
	if err != nil {
		db.Close()
		return nil, err
	}
	j.owned = true
	return j, nil
}

// NewJournal scopes an already open database to chain. The caller keeps
// ownership of db.
func NewJournal(db *bbolt.DB, chain string) (*Journal, error) {
	chain = strings.TrimSpace(chain)
	if chain == "" {
		return nil, fmt.Errorf("schedule: journal chain required")
	}
	bucket := []byte("schedule/" + chain)
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("schedule: create bucket: %w", err)
	}
	return &Journal{db: db, bucket: bucket}, nil
}

// Close releases the database handle when the journal opened it.
func (j *Journal) Close() error {
	if j == nil || j.db == nil || !j.owned {
		return nil
	}
	return j.db.Close()
}

// Save writes a single action.
func (j *Journal) Save(a Action) error {
	payload, err := json.Marshal(a.Event)
	if err != nil {
		return fmt.Errorf("schedule: encode %s: %w", a.Kind(), err)
	}
	raw, err := json.Marshal(journalRecord{Height: a.Height, Kind: a.Kind(), Payload: payload})
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(j.bucket).Put(seqKey(a.seq), raw)
	})
}

// Delete removes the actions with the supplied sequence numbers.
func (j *Journal) Delete(seqs ...uint64) error {
	if len(seqs) == 0 {
		return nil
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(j.bucket)
		for _, seq := range seqs {
			if err := bucket.Delete(seqKey(seq)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns every journaled action in sequence order.
func (j *Journal) Load() ([]Action, error) {
	var out []Action
	err := j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(j.bucket).ForEach(func(k, v []byte) error {
			var rec journalRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("schedule: decode record: %w", err)
			}
			ev, err := events.DecodeDue(rec.Kind, rec.Payload)
			if err != nil {
				return err
			}
			out = append(out, Action{Height: rec.Height, Event: ev, seq: binary.BigEndian.Uint64(k)})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
