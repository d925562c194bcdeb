package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/keyfort/keyfort/internal/model"
)

// TimestampFormat is the wire format for event timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Event is one line in the hash-chained JSONL audit log: the append-only
// record of one credential operation against one backend. Events are
// immutable once written. The raw identity and the secret value never
// appear here; only the one-way identity hash does.
type Event struct {
	EventID      string          `json:"event_id"`
	Timestamp    string          `json:"ts"`
	Operation    model.Operation `json:"operation"`
	IdentityHash string          `json:"identity_hash,omitempty"`
	Actor        string          `json:"actor"`
	Backend      string          `json:"backend,omitempty"`
	Success      bool            `json:"success"`
	Rotation     bool            `json:"rotation,omitempty"`
	Error        string          `json:"error,omitempty"`
	ConfigHash   string          `json:"config_hash,omitempty"`
	PrevHash     string          `json:"prev_hash"`
}

// NewEvent builds an event with a fresh ID and timestamp.
func NewEvent(op model.Operation, identityHash, actor string) Event {
	return Event{
		EventID:      uuid.NewString(),
		Timestamp:    time.Now().UTC().Format(TimestampFormat),
		Operation:    op,
		IdentityHash: identityHash,
		Actor:        actor,
	}
}
