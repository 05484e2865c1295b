// Package registry keeps the outbound calls that are waiting for a response.
//
// Every record is inserted before its request is written to the connection, so a peer that
// answers immediately always finds the record:
//
//	SendCall ──Insert(conn, id=7)──► write ──► peer
//	                                             │
//	HandleIncoming ◄──response(id=7)─────────────┘ ──RemoveMatching(conn, "7") → record
//
// A single mutex guards the list. Records are removed under the lock and handed to the
// caller, who invokes handlers and releases the record after the lock is dropped.
package registry

import (
	"container/list"
	"edge-rpc/message"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MatchMode selects how a response id is compared with stored ids.
type MatchMode int

const (
	// MatchExact requires the stored id and the lookup id to be equal.
	MatchExact MatchMode = iota
	// MatchPrefix compares the stored id only up to the length of the lookup id, so "1"
	// also finds a stored "10". Kept for peers that rely on the legacy comparison.
	MatchPrefix
)

func (m MatchMode) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchPrefix:
		return "prefix"
	default:
		return fmt.Sprintf("MatchMode(%d)", int(m))
	}
}

// ParseMatchMode maps a configured name to a MatchMode.
func ParseMatchMode(name string) (MatchMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "exact":
		return MatchExact, nil
	case "prefix":
		return MatchPrefix, nil
	default:
		return MatchExact, fmt.Errorf("registry: unknown match mode %q", name)
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithMatchMode sets the id comparison rule.
func WithMatchMode(m MatchMode) Option {
	return func(r *Registry) { r.mode = m }
}

// Registry is an ordered, mutex-guarded collection of pending requests.
type Registry struct {
	mu      sync.Mutex
	pending *list.List // of *message.PendingRequest, in insertion order
	mode    MatchMode
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{pending: list.New()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Mode returns the configured match mode.
func (r *Registry) Mode() MatchMode {
	return r.mode
}

// ErrDuplicateID reports an insert whose (conn, id) pair is already registered.
var ErrDuplicateID = errors.New("registry: id already pending on connection")

// Insert appends a record. It must be called before the request is written.
// At most one record exists per (conn, id): a second one is refused with ErrDuplicateID
// and stays owned by the caller.
func (r *Registry) Insert(p *message.PendingRequest) error {
	if p == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for e := r.pending.Front(); e != nil; e = e.Next() {
		if q := e.Value.(*message.PendingRequest); q.Conn == p.Conn && q.ID == p.ID {
			log.Error().Str("conn", connName(p.Conn)).Str("id", p.ID).Msg("duplicate id for pending request")
			return fmt.Errorf("%w: %q", ErrDuplicateID, p.ID)
		}
	}
	log.Debug().Str("conn", connName(p.Conn)).Str("id", p.ID).Msg("registry insert")
	r.pending.PushBack(p)
	return nil
}

// RemoveMatching removes and returns the first record sent over conn whose id matches.
func (r *Registry) RemoveMatching(conn message.Conn, id string) (*message.PendingRequest, bool) {
	log.Debug().Str("conn", connName(conn)).Str("id", id).Msg("registry remove")
	r.mu.Lock()
	defer r.mu.Unlock()
	for e := r.pending.Front(); e != nil; e = e.Next() {
		p := e.Value.(*message.PendingRequest)
		if p.Conn == conn && r.matches(p.ID, id) {
			r.pending.Remove(e)
			return p, true
		}
	}
	return nil, false
}

// RemoveExact is RemoveMatching with an exact id comparison whatever the match mode.
// Rollback paths use it so they can only ever take back their own record.
func (r *Registry) RemoveExact(conn message.Conn, id string) (*message.PendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for e := r.pending.Front(); e != nil; e = e.Next() {
		p := e.Value.(*message.PendingRequest)
		if p.Conn == conn && p.ID == id {
			r.pending.Remove(e)
			return p, true
		}
	}
	return nil, false
}

func (r *Registry) matches(stored, lookup string) bool {
	if r.mode == MatchPrefix {
		return strings.HasPrefix(stored, lookup)
	}
	return stored == lookup
}

// RemoveConn removes and returns every record sent over conn, in insertion order.
func (r *Registry) RemoveConn(conn message.Conn) []*message.PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*message.PendingRequest
	for e := r.pending.Front(); e != nil; {
		next := e.Next()
		if p := e.Value.(*message.PendingRequest); p.Conn == conn {
			r.pending.Remove(e)
			out = append(out, p)
		}
		e = next
	}
	return out
}

// DrainAll removes and returns every record, in insertion order.
func (r *Registry) DrainAll() []*message.PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*message.PendingRequest, 0, r.pending.Len())
	for e := r.pending.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*message.PendingRequest))
	}
	r.pending.Init()
	return out
}

// Count returns the number of pending records.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.Len()
}

// IsEmpty reports whether no record is pending.
func (r *Registry) IsEmpty() bool {
	return r.Count() == 0
}

// Entry describes one pending request for diagnostics.
type Entry struct {
	ID     string        `json:"id"`
	Conn   string        `json:"conn"`
	Method string        `json:"method"`
	Age    time.Duration `json:"age_ns"`
}

// Snapshot lists the pending requests without removing them.
func (r *Registry) Snapshot() []Entry {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, r.pending.Len())
	for e := r.pending.Front(); e != nil; e = e.Next() {
		p := e.Value.(*message.PendingRequest)
		out = append(out, Entry{
			ID:     p.ID,
			Conn:   connName(p.Conn),
			Method: p.Method(),
			Age:    now.Sub(p.IssuedAt),
		})
	}
	return out
}

func connName(c message.Conn) string {
	if c == nil {
		return "<nil>"
	}
	return c.String()
}
