package server

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/triekv/triekv/lib/db"
)

// Session is the per-client connection state. The selected database is
// only touched by the command worker currently executing this client's
// request; requests of one connection never run concurrently.
type Session struct {
	ID   string
	conn net.Conn

	db         *db.Database
	lastAction atomic.Int64
}

// newSession builds a session pinned to the default database.
func newSession(conn net.Conn, store *db.Store) *Session {
	s := &Session{
		ID:   uuid.New().String(),
		conn: conn,
		db:   store.Default(),
	}
	s.touch()
	return s
}

// touch records protocol activity on the session.
func (s *Session) touch() {
	s.lastAction.Store(time.Now().Unix())
}

// LastAction returns the timestamp of the most recent protocol activity.
func (s *Session) LastAction() int64 {
	return s.lastAction.Load()
}
