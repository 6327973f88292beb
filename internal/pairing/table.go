// Package pairing maps inbound legacy stream sockets to the session that
// announced them.
package pairing

import (
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/assist-relay/internal/telemetry"
)

const DefaultTTL = 10 * time.Minute

var (
	ErrNoMatch   = errors.New("no pairing intent for address")
	ErrAmbiguous = errors.New("more than one pairing intent outstanding")
)

type Method string

const (
	MethodExact           Method = "exact"
	MethodSingleCandidate Method = "single_candidate"
	MethodLegacy          Method = "legacy"
)

type Match struct {
	SessionID string
	Method    Method
	// Address the intent was registered from, which may differ from the
	// socket address for single-candidate matches.
	Address string
}

type entry struct {
	sessionID string
	addr      string
	at        time.Time
}

type Option func(*Table)

func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// WithBoundCheck reports sessions that already have a socket; they are never
// offered as single-candidate matches.
func WithBoundCheck(fn func(sessionID string) bool) Option {
	return func(t *Table) { t.bound = fn }
}

type Table struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	bound     func(sessionID string) bool
	byAddr    map[string]entry
	bySession map[string]entry
	legacy    map[string]entry
}

func New(ttl time.Duration, opts ...Option) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	t := &Table{
		ttl:       ttl,
		now:       time.Now,
		bound:     func(string) bool { return false },
		byAddr:    make(map[string]entry),
		bySession: make(map[string]entry),
		legacy:    make(map[string]entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Remember records that sessionID expects a legacy socket from addr. A newer
// intent replaces any older one for the same session or address.
func (t *Table) Remember(sessionID, addr string) {
	addr = NormalizeAddr(addr)

	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.bySession[sessionID]; ok {
		if cur, ok := t.byAddr[old.addr]; ok && cur.sessionID == sessionID {
			delete(t.byAddr, old.addr)
		}
	}
	if prev, ok := t.byAddr[addr]; ok && prev.sessionID != sessionID {
		delete(t.bySession, prev.sessionID)
	}

	e := entry{sessionID: sessionID, addr: addr, at: t.now()}
	t.byAddr[addr] = e
	t.bySession[sessionID] = e

	log.Debug().
		Str("sessionId", sessionID).
		Str("addr", addr).
		Msg("pairing intent remembered")
}

// RememberLegacy adds a static address mapping for older agents that never
// announce a stream intent. Static entries neither expire nor get consumed.
func (t *Table) RememberLegacy(addr, sessionID string) {
	addr = NormalizeAddr(addr)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.legacy[addr] = entry{sessionID: sessionID, addr: addr, at: t.now()}
}

// LegacyLen reports the number of static legacy mappings.
func (t *Table) LegacyLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.legacy)
}

// Resolve maps a socket address to a session, consuming a matched intent.
// Order: exact address, the single outstanding unbound intent, legacy table.
// With several outstanding intents it never guesses and returns ErrAmbiguous
// unless the legacy table has an exact entry.
func (t *Table) Resolve(addr string) (Match, error) {
	addr = NormalizeAddr(addr)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sweepLocked()

	if e, ok := t.byAddr[addr]; ok {
		t.consumeLocked(e)
		return t.matched(e, MethodExact), nil
	}

	var candidates []entry
	for _, e := range t.bySession {
		if !t.bound(e.sessionID) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 1 {
		t.consumeLocked(candidates[0])
		return t.matched(candidates[0], MethodSingleCandidate), nil
	}

	if e, ok := t.legacy[addr]; ok {
		return t.matched(e, MethodLegacy), nil
	}

	if len(candidates) > 1 {
		telemetry.PairingResolutions.WithLabelValues("ambiguous").Inc()
		log.Warn().
			Str("addr", addr).
			Int("candidates", len(candidates)).
			Msg("ambiguous pairing, refusing to guess")
		return Match{}, ErrAmbiguous
	}

	telemetry.PairingResolutions.WithLabelValues("none").Inc()
	return Match{}, ErrNoMatch
}

// Forget drops the pending intent of sessionID, if any.
func (t *Table) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.bySession[sessionID]; ok {
		t.consumeLocked(e)
	}
}

// Pending returns the address sessionID registered from, if still pending.
func (t *Table) Pending(sessionID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.bySession[sessionID]
	if !ok || t.expired(e) {
		return "", false
	}
	return e.addr, true
}

// Sweep removes expired entries and returns how many were dropped.
func (t *Table) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sweepLocked()
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bySession)
}

func (t *Table) matched(e entry, method Method) Match {
	telemetry.PairingResolutions.WithLabelValues(string(method)).Inc()
	log.Info().
		Str("sessionId", e.sessionID).
		Str("addr", e.addr).
		Str("method", string(method)).
		Msg("legacy socket paired")
	return Match{SessionID: e.sessionID, Method: method, Address: e.addr}
}

func (t *Table) consumeLocked(e entry) {
	if cur, ok := t.byAddr[e.addr]; ok && cur.sessionID == e.sessionID {
		delete(t.byAddr, e.addr)
	}
	if cur, ok := t.bySession[e.sessionID]; ok && cur.addr == e.addr {
		delete(t.bySession, e.sessionID)
	}
}

func (t *Table) expired(e entry) bool {
	return t.now().Sub(e.at) > t.ttl
}

func (t *Table) sweepLocked() int {
	dropped := 0
	for _, e := range t.bySession {
		if t.expired(e) {
			t.consumeLocked(e)
			dropped++
		}
	}
	return dropped
}

// NormalizeAddr strips ports, brackets and IPv4-mapped IPv6 prefixes so the
// same client compares equal across transports.
func NormalizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
	addr = strings.ToLower(addr)
	if strings.HasPrefix(addr, "::ffff:") {
		addr = strings.TrimPrefix(addr, "::ffff:")
		if host, _, err := net.SplitHostPort(addr); err == nil {
			addr = host
		}
	}
	return addr
}
