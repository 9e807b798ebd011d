// Package session implements the Session State component (spec §4.C):
// per-connection schema/charset/autocommit/SQL_MODE/user-variable tracking
// and the replay script that brings a freshly leased backend link into
// equivalence with a client's expected state.
package session

import (
	"sort"
	"strconv"
)

// PreparedStatement is a tracked COM_STMT_PREPARE handle.
type PreparedStatement struct {
	ID         uint32
	Text       string
	ParamCount int
}

// State is the ordered record of everything a client's session has set
// that a backend needs replayed before commands resume after a lease.
type State struct {
	Schema       string
	CharsetID    uint8
	CollationID  uint16
	SQLMode      string
	Autocommit   bool
	Isolation    string
	TimeZone     string
	UserVars     map[string]string
	Prepared     map[uint32]PreparedStatement
}

// New returns a State with the connection defaults negotiated at
// handshake time (autocommit on, no schema).
func New(charsetID uint8) *State {
	return &State{
		CharsetID:  charsetID,
		Autocommit: true,
		UserVars:   make(map[string]string),
		Prepared:   make(map[uint32]PreparedStatement),
	}
}

// Snapshot returns a deep copy, safe to hand to another goroutine (e.g.
// the Backend Pool computing a diff against a PooledLink's last-known
// state) without racing the owning ClientConn's mutations.
func (s *State) Snapshot() *State {
	cp := *s
	cp.UserVars = make(map[string]string, len(s.UserVars))
	for k, v := range s.UserVars {
		cp.UserVars[k] = v
	}
	cp.Prepared = make(map[uint32]PreparedStatement, len(s.Prepared))
	for k, v := range s.Prepared {
		cp.Prepared[k] = v
	}
	return &cp
}

// RegisterPrepare records a prepared-statement handle returned by a
// successful COM_STMT_PREPARE.
func (s *State) RegisterPrepare(id uint32, text string, paramCount int) {
	s.Prepared[id] = PreparedStatement{ID: id, Text: text, ParamCount: paramCount}
}

// ForgetPrepare drops a handle closed by COM_STMT_CLOSE.
func (s *State) ForgetPrepare(id uint32) {
	delete(s.Prepared, id)
}

// ReplayScript is an ordered list of statements safe to execute
// unprefixed on a fresh connection to bring it from an empty state to an
// equivalent one.
type ReplayScript struct {
	Statements []string
}

// Empty reports whether there is nothing to replay, letting the Backend
// Pool skip a round trip on lease when the pooled link is already
// equivalent to the client's expected state.
func (r ReplayScript) Empty() bool { return len(r.Statements) == 0 }

// Diff computes the ReplayScript that transforms from (the state the
// pooled link was last synchronized to) into to (the client's current
// expected state). Replaying the result on a connection already in an
// equivalent state to from is a no-op in observable effect: unchanged
// fields emit no statement.
func Diff(from, to *State) ReplayScript {
	var stmts []string

	if from == nil {
		from = &State{UserVars: map[string]string{}, Prepared: map[uint32]PreparedStatement{}}
	}

	if to.Schema != from.Schema {
		if to.Schema == "" {
			// MySQL has no USE-to-nothing, and a backend rejects this
			// marker statement. The pool diffs in this direction when it
			// leases a link that last held a schema to a client with
			// none; that replay fails and Lease discards the link and
			// tries another.
			stmts = append(stmts, "USE ``")
		} else {
			stmts = append(stmts, "USE `"+to.Schema+"`")
		}
	}

	if to.CharsetID != from.CharsetID {
		stmts = append(stmts, "SET character_set_client = "+strconv.Itoa(int(to.CharsetID)))
	}
	if to.CollationID != from.CollationID && to.CollationID != 0 {
		stmts = append(stmts, "SET collation_connection = "+strconv.Itoa(int(to.CollationID)))
	}

	if to.SQLMode != from.SQLMode {
		stmts = append(stmts, "SET SESSION sql_mode = '"+to.SQLMode+"'")
	}

	if to.Autocommit != from.Autocommit {
		if to.Autocommit {
			stmts = append(stmts, "SET autocommit = 1")
		} else {
			stmts = append(stmts, "SET autocommit = 0")
		}
	}

	if to.Isolation != "" && to.Isolation != from.Isolation {
		stmts = append(stmts, "SET SESSION TRANSACTION ISOLATION LEVEL "+to.Isolation)
	}

	if to.TimeZone != "" && to.TimeZone != from.TimeZone {
		stmts = append(stmts, "SET time_zone = '"+to.TimeZone+"'")
	}

	stmts = append(stmts, diffUserVars(from.UserVars, to.UserVars)...)
	stmts = append(stmts, diffPrepared(from.Prepared, to.Prepared)...)

	return ReplayScript{Statements: stmts}
}

func diffUserVars(from, to map[string]string) []string {
	var stmts []string
	names := make([]string, 0, len(to))
	for name := range to {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if from[name] != to[name] {
			stmts = append(stmts, "SET @"+name+" = '"+to[name]+"'")
		}
	}
	return stmts
}

func diffPrepared(from, to map[uint32]PreparedStatement) []string {
	var stmts []string
	ids := make([]uint32, 0, len(to))
	for id := range to {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		want := to[id]
		if have, ok := from[id]; !ok || have.Text != want.Text {
			stmts = append(stmts, "PREPARE stmt_"+strconv.Itoa(int(id))+" FROM '"+want.Text+"'")
		}
	}
	return stmts
}

