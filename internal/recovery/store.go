// Package recovery is the volatile recovery store: the last room, router
// capabilities, connection id and auth seen by the call engine, a short
// rolling log, and short-lived flags that concurrent code paths consult to
// avoid racing an in-progress teardown.
//
// Everything except the flags can be persisted to SQLite so a restarted
// client can pick up where it left off. Persistence is best-effort.
package recovery

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/util"
)

// LogSize is the capacity of the rolling log.
const LogSize = 5

// DefaultFlagTTL bounds how long a flag survives if nobody clears it.
const DefaultFlagTTL = 10 * time.Second

// Flag is a short-lived marker.
type Flag string

const (
	FlagCleanupInProgress     Flag = "cleanupInProgress"
	FlagIntentionalDisconnect Flag = "intentionalDisconnect"
	FlagQueueStoppedRecently  Flag = "queueStoppedRecently"
	// FlagRaceRecovered throttles the queue-stopped recovery procedure.
	FlagRaceRecovered         Flag = "raceRecovered"
)

// EntryKind tags a rolling log entry.
type EntryKind string

const (
	EntryError      EntryKind = "error"
	EntryJoin       EntryKind = "join"
	EntryDisconnect EntryKind = "disconnect"
	EntryRecovery   EntryKind = "recovery"
)

// Entry is one rolling log line.
type Entry struct {
	At      time.Time `json:"at"`
	Kind    EntryKind `json:"kind"`
	Message string    `json:"message"`
}

// Auth is the last identity that successfully authenticated.
type Auth struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// Store is safe for concurrent use.
type Store struct {
	mu           sync.RWMutex
	roomID       string
	caps         *protocol.RtpCapabilities
	connectionID string
	auth         Auth

	log   *util.RingBuffer[Entry]
	flags *expirable.LRU[Flag, time.Time]
	db    *sql.DB
}

// New returns an in-memory store. flagTTL <= 0 selects DefaultFlagTTL.
func New(flagTTL time.Duration) *Store {
	if flagTTL <= 0 {
		flagTTL = DefaultFlagTTL
	}
	return &Store{
		log:   util.NewRingBuffer[Entry](LogSize),
		flags: expirable.NewLRU[Flag, time.Time](16, nil, flagTTL),
	}
}

// ---------------------------------------------------------------------------
// Room
// ---------------------------------------------------------------------------

func (s *Store) RoomID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID
}

func (s *Store) SetRoomID(roomID string) {
	s.mu.Lock()
	s.roomID = roomID
	s.mu.Unlock()
	s.persist(keyRoomID, roomID)
}

// ClearRoom forgets the current room.
func (s *Store) ClearRoom() { s.SetRoomID("") }

// ---------------------------------------------------------------------------
// Capabilities, connection, auth
// ---------------------------------------------------------------------------

// RouterCapabilities returns the last loaded router capabilities.
func (s *Store) RouterCapabilities() (protocol.RtpCapabilities, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.caps == nil {
		return protocol.RtpCapabilities{}, false
	}
	return *s.caps, true
}

func (s *Store) SetRouterCapabilities(caps protocol.RtpCapabilities) {
	s.mu.Lock()
	s.caps = &caps
	s.mu.Unlock()
	s.persistJSON(keyCaps, caps)
}

func (s *Store) ConnectionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectionID
}

func (s *Store) SetConnectionID(id string) {
	s.mu.Lock()
	s.connectionID = id
	s.mu.Unlock()
	s.persist(keyConnectionID, id)
}

// CachedAuth returns the last identity that authenticated successfully.
func (s *Store) CachedAuth() (Auth, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auth, s.auth.Token != ""
}

func (s *Store) SetAuth(a Auth) {
	s.mu.Lock()
	s.auth = a
	s.mu.Unlock()
	s.persistJSON(keyAuth, a)
}

// ---------------------------------------------------------------------------
// Rolling log
// ---------------------------------------------------------------------------

// Record appends a rolling log entry.
func (s *Store) Record(kind EntryKind, format string, args ...any) {
	s.log.Push(Entry{At: time.Now(), Kind: kind, Message: fmt.Sprintf(format, args...)})
	s.persistJSON(keyLog, s.log.Snapshot())
}

// Entries returns the rolling log, oldest first.
func (s *Store) Entries() []Entry {
	return s.log.Snapshot()
}

// ---------------------------------------------------------------------------
// Flags
// ---------------------------------------------------------------------------

// SetFlag raises f, stamped with the current time.
func (s *Store) SetFlag(f Flag) { s.flags.Add(f, time.Now()) }

// ClearFlag lowers f.
func (s *Store) ClearFlag(f Flag) { s.flags.Remove(f) }

// Flag reports whether f is raised.
func (s *Store) Flag(f Flag) bool {
	_, ok := s.flags.Get(f)
	return ok
}

// FlagWithin reports whether f was raised less than d ago.
func (s *Store) FlagWithin(f Flag, d time.Duration) bool {
	at, ok := s.flags.Get(f)
	return ok && time.Since(at) < d
}
