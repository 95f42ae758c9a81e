package document

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// AutoIDKind selects how Insert assigns `_id` when a document omits it
// (§3's Insert operation: "by kind: ObjectId, Guid, Int32/64 auto-increment,
// String stays required").
type AutoIDKind byte

const (
	AutoIDObjectId AutoIDKind = iota
	AutoIDGuid
	AutoIDInt32
	AutoIDInt64
	AutoIDString
)

// ErrIDRequired is returned when a String-keyed collection receives a
// document with no `_id`, since that kind has no auto-generation rule.
var ErrIDRequired = fmt.Errorf("document: _id is required for this collection's id kind")

// ObjectID is a 12-byte MongoDB-style identifier: a 4-byte unix timestamp,
// a 5-byte random process identifier, and a 3-byte counter.
type ObjectID [12]byte

var (
	objectIDMachine = randomMachineID()
	objectIDCounter uint32
)

func randomMachineID() [5]byte {
	var b [5]byte
	_, _ = rand.Read(b[:])
	return b
}

// NewObjectID generates a fresh ObjectID.
func NewObjectID() ObjectID {
	var id ObjectID
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:9], objectIDMachine[:])
	c := atomic.AddUint32(&objectIDCounter, 1)
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)
	return id
}

func (id ObjectID) String() string { return hex.EncodeToString(id[:]) }

// AutoIncrement tracks the next value to hand out for an Int32/Int64
// collection. The engine persists the counter in CollectionMeta.NextAutoID
// across commits; this type only sequences concurrent assignments within a
// single open engine.
type AutoIncrement struct {
	mu   sync.Mutex
	next int64
}

func (a *AutoIncrement) take() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.next
	a.next++
	return v
}

// Seed raises the counter's floor to v if v is higher than its current
// value, used when reopening a collection to resume past where a prior
// session's CollectionMeta.NextAutoID left off.
func (a *AutoIncrement) Seed(v int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v > a.next {
		a.next = v
	}
}

// AssignID sets doc's `_id` if missing, per kind. The caller persists an
// Int32/Int64 counter across commits: it primes counter from
// CollectionMeta.NextAutoID before the first call, and the returned
// advanced value is the counter's next value, the one to write back.
func AssignID(doc *Document, kind AutoIDKind, counter *AutoIncrement) (advanced int64, err error) {
	if _, ok := doc.ID(); ok {
		return counter.Next(), nil
	}
	switch kind {
	case AutoIDObjectId:
		doc.SetID(NewObjectID().String())
	case AutoIDGuid:
		doc.SetID(uuid.NewString())
	case AutoIDInt32:
		v := counter.take()
		doc.SetID(int64(int32(v)))
	case AutoIDInt64:
		v := counter.take()
		doc.SetID(v)
	case AutoIDString:
		return counter.Next(), ErrIDRequired
	default:
		return counter.Next(), fmt.Errorf("document: unknown auto id kind %d", kind)
	}
	return counter.Next(), nil
}

// NewAutoIncrement creates a counter seeded from a persisted value (a
// collection's CollectionMeta.NextAutoID).
func NewAutoIncrement(seed int64) *AutoIncrement {
	return &AutoIncrement{next: seed}
}

// Next reports the counter's next value without consuming it, the value
// the engine persists back into CollectionMeta.NextAutoID after a commit.
func (a *AutoIncrement) Next() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}
