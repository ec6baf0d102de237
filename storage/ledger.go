package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Role identifies which agent role touched a bounty.
type Role string

const (
	RoleAmbassador  Role = "ambassador"
	RoleMicroengine Role = "microengine"
	RoleArbiter     Role = "arbiter"
)

// BountyRecord tracks the lifecycle of one bounty as seen by this agent.
type BountyRecord struct {
	GUID       string    `json:"guid"`
	Chain      string    `json:"chain"`
	Role       Role      `json:"role"`
	Expiration uint64    `json:"expiration"`
	Posted     bool      `json:"posted,omitempty"`
	Asserted   bool      `json:"asserted,omitempty"`
	Index      uint64    `json:"index,omitempty"`
	Revealed   bool      `json:"revealed,omitempty"`
	Voted      bool      `json:"voted,omitempty"`
	Settled    bool      `json:"settled,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Ledger stores bounty records per chain. Updates for one ledger are
// serialised so read-modify-write cycles do not interleave.
type Ledger struct {
	db  Database
	mu  sync.Mutex
	now func() time.Time
}

// NewLedger wraps db.
func NewLedger(db Database) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

func ledgerKey(chain, guid string) []byte {
	return []byte("bounty/" + strings.ToLower(chain) + "/" + strings.ToLower(guid))
}

// Get returns the record for guid. The boolean is false when none exists.
func (l *Ledger) Get(chain, guid string) (BountyRecord, bool, error) {
	raw, err := l.db.Get(ledgerKey(chain, guid))
	if errors.Is(err, ErrNotFound) {
		return BountyRecord{}, false, nil
	}
	if err != nil {
		return BountyRecord{}, false, fmt.Errorf("ledger: get %s: %w", guid, err)
	}
	var rec BountyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return BountyRecord{}, false, fmt.Errorf("ledger: decode %s: %w", guid, err)
	}
	return rec, true, nil
}

// Track records a bounty the first time it is seen. It reports false when a
// record already exists, which roles use to ignore duplicate announcements.
func (l *Ledger) Track(chain, guid string, role Role, expiration uint64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok, err := l.Get(chain, guid); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}
	rec := BountyRecord{GUID: guid, Chain: chain, Role: role, Expiration: expiration}
	return true, l.putLocked(rec)
}

// Update applies fn to the existing record for guid.
func (l *Ledger) Update(chain, guid string, fn func(*BountyRecord)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok, err := l.Get(chain, guid)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("ledger: %s on %s: %w", guid, chain, ErrNotFound)
	}
	fn(&rec)
	return l.putLocked(rec)
}

// MarkSettled flags the bounty as settled.
func (l *Ledger) MarkSettled(chain, guid string) error {
	return l.Update(chain, guid, func(rec *BountyRecord) { rec.Settled = true })
}

// Settled reports whether the bounty has already been settled. Unknown
// bounties are reported as not settled.
func (l *Ledger) Settled(chain, guid string) (bool, error) {
	rec, ok, err := l.Get(chain, guid)
	if err != nil || !ok {
		return false, err
	}
	return rec.Settled, nil
}

// Open lists the records on chain that are not settled yet.
func (l *Ledger) Open(chain string) ([]BountyRecord, error) {
	var (
		out     []BountyRecord
		iterErr error
	)
	prefix := []byte("bounty/" + strings.ToLower(chain) + "/")
	err := l.db.Iterate(prefix, func(_, value []byte) bool {
		var rec BountyRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			iterErr = fmt.Errorf("ledger: decode: %w", err)
			return false
		}
		if !rec.Settled {
			out = append(out, rec)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, iterErr
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) putLocked(rec BountyRecord) error {
	rec.UpdatedAt = l.now().UTC()
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger: encode %s: %w", rec.GUID, err)
	}
	if err := l.db.Put(ledgerKey(rec.Chain, rec.GUID), raw); err != nil {
		return fmt.Errorf("ledger: put %s: %w", rec.GUID, err)
	}
	return nil
}
