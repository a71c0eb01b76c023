package transcript

import (
	"strconv"
	"time"
)

type Origin string

const (
	OriginHistory Origin = "history"
	OriginLive    Origin = "live"
	// OriginLocal marks an optimistic entry created before the server assigned
	// a durable id.
	OriginLocal Origin = "local"
)

// Entry is one chat message in a topic transcript.
//
// ID is the server-assigned durable id (0 until known). LocalID is the
// synthetic id of an optimistic entry; it is empty for server entries.
type Entry struct {
	ID          int64     `json:"id,omitempty"`
	LocalID     string    `json:"local_id,omitempty"`
	SenderID    int64     `json:"sender_id"`
	SenderLabel string    `json:"sender_label"`
	Body        string    `json:"body"`
	SentAt      time.Time `json:"sent_at"`
	Origin      Origin    `json:"origin"`
	Provisional bool      `json:"provisional,omitempty"`
}

func (e Entry) Durable() bool { return e.ID != 0 }

// Key identifies the entry inside one transcript.
func (e Entry) Key() string {
	if e.ID != 0 {
		return strconv.FormatInt(e.ID, 10)
	}
	return "local:" + e.LocalID
}

// Less orders entries by SentAt, then durable id, then synthetic id.
func Less(a, b Entry) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.Before(b.SentAt)
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.LocalID < b.LocalID
}

type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateError   State = "error"
	StateClosed  State = "closed"
)

// View is an immutable snapshot of a topic. Entries are only populated once
// the initial history merge completed; before that the UI sees Loading or
// Error and never a partial merge.
type View struct {
	Topic    string
	State    State
	Entries  []Entry
	Err      error
	HasOlder bool
	Version  uint64
}
