package attendsync

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// Tier is one of the three logical caches.
type Tier string

const (
	TierNone    Tier = ""
	TierStatic  Tier = "static"
	TierDynamic Tier = "dynamic"
	TierData    Tier = "data"
)

var allTiers = []Tier{TierStatic, TierDynamic, TierData}

type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32

	// URL is the full request URL the entry was stored under.
	URL string
}

// Header is one captured request header. Order is preserved.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PendingMutation is an outbox record: a captured attendance write that the
// server has not acknowledged yet. Records are immutable once appended.
type PendingMutation struct {
	Timestamp string   `json:"timestamp"`
	ID        string   `json:"id,omitempty"`
	URL       string   `json:"url"`
	Method    string   `json:"method"`
	Headers   []Header `json:"headers"`
	Body      string   `json:"body"`
}

// bodyBase64 marks a record whose body is not valid UTF-8 and was stored
// base64-encoded so that the exact bytes survive.
const bodyBase64 = "base64"

func (m PendingMutation) MarshalJSON() ([]byte, error) {
	type record PendingMutation
	out := struct {
		record
		BodyEncoding string `json:"bodyEncoding,omitempty"`
	}{record: record(m)}
	if !utf8.ValidString(m.Body) {
		out.Body = base64.StdEncoding.EncodeToString([]byte(m.Body))
		out.BodyEncoding = bodyBase64
	}
	return json.Marshal(out)
}

func (m *PendingMutation) UnmarshalJSON(b []byte) error {
	type record PendingMutation
	var in struct {
		record
		BodyEncoding string `json:"bodyEncoding"`
	}
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	switch in.BodyEncoding {
	case "":
	case bodyBase64:
		raw, err := base64.StdEncoding.DecodeString(in.Body)
		if err != nil {
			return fmt.Errorf("body: %w", err)
		}
		in.Body = string(raw)
	default:
		return fmt.Errorf("unknown body encoding %q", in.BodyEncoding)
	}
	*m = PendingMutation(in.record)
	return nil
}

// SyncError summarizes one record that could not be replayed.
type SyncError struct {
	ID      string `json:"id"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

type SyncResult struct {
	Success   bool        `json:"success"`
	Synced    int         `json:"synced"`
	Failed    int         `json:"failed"`
	Total     int         `json:"total"`
	Pending   int         `json:"pending"`
	Errors    []SyncError `json:"errors"`
	Timestamp string      `json:"timestamp"`
}

// Message is the envelope exchanged with page clients, in both directions.
type Message struct {
	Type        string      `json:"type"`
	SyncResults *SyncResult `json:"syncResults,omitempty"`
	Error       string      `json:"error,omitempty"`
	Count       *int        `json:"count,omitempty"`
}

const (
	MsgSyncNow          = "SYNC_NOW"
	MsgCheckPending     = "CHECK_PENDING_SYNC"
	MsgSyncCompleted    = "SYNC_COMPLETED"
	MsgSyncFailed       = "SYNC_FAILED"
	MsgPendingSyncCount = "PENDING_SYNC_COUNT"
)

// Sync tags, as registered by capture and fired by the scheduler.
const (
	TagSyncAttendance = "sync-attendance"
	TagSyncAll        = "sync-all"
	TagPeriodicSync   = "periodic-attendance-sync"
)
