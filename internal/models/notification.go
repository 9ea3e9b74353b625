package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// BlockID identifies a storage block. Any value is accepted; block existence
// is the storage engine's concern.
type BlockID int32

// Operation is an opaque operation tag such as "read", "write" or "evict".
type Operation string

// SubscriberID identifies one subscriber endpoint. It is assigned by the
// transport when the connection is accepted.
type SubscriberID string

// OpSet is a set of operation tags.
type OpSet map[Operation]struct{}

// NewOpSet builds a set from raw tags, skipping empty ones
func NewOpSet(ops ...string) OpSet {
	set := make(OpSet, len(ops))
	for _, op := range ops {
		if op == "" {
			continue
		}
		set[Operation(op)] = struct{}{}
	}
	return set
}

// Contains reports whether op is in the set
func (s OpSet) Contains(op Operation) bool {
	_, ok := s[op]
	return ok
}

// Union adds every operation of other to s
func (s OpSet) Union(other OpSet) {
	for op := range other {
		s[op] = struct{}{}
	}
}

// Difference removes every operation of other from s
func (s OpSet) Difference(other OpSet) {
	for op := range other {
		delete(s, op)
	}
}

// Clone returns an independent copy
func (s OpSet) Clone() OpSet {
	out := make(OpSet, len(s))
	for op := range s {
		out[op] = struct{}{}
	}
	return out
}

// Sorted returns the operations in lexical order
func (s OpSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for op := range s {
		out = append(out, string(op))
	}
	sort.Strings(out)
	return out
}

// Notification is a single block operation event. It is immutable once
// created by the ingest path.
type Notification struct {
	// Monotonically increasing, assigned at ingestion
	Seq uint64 `json:"seq"`

	BlockID BlockID   `json:"block_id"`
	Op      Operation `json:"op"`

	// Optional opaque payload supplied by the storage engine
	Payload []byte `json:"payload,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// NewNotification creates a notification; the payload is copied so later
// changes by the caller do not leak into queued deliveries.
func NewNotification(seq uint64, block BlockID, op Operation, payload []byte) Notification {
	var data []byte
	if len(payload) > 0 {
		data = make([]byte, len(payload))
		copy(data, payload)
	}
	return Notification{
		Seq:       seq,
		BlockID:   block,
		Op:        op,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}
}

// Method names accepted on the subscriber connection
const (
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
)

// Request is a one-way call from a subscriber. No reply is ever sent for it.
type Request struct {
	Method  string   `json:"method"`
	BlockID BlockID  `json:"block_id"`
	Ops     []string `json:"ops"`
}

// DecodeRequest parses a request frame
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("request method is required")
	}
	return &req, nil
}

// Validate checks that the method is one the service knows about
func (r *Request) Validate() error {
	switch r.Method {
	case MethodSubscribe, MethodUnsubscribe:
		return nil
	default:
		return fmt.Errorf("unknown method %s", r.Method)
	}
}

// Frame types sent from the server to a subscriber
const (
	FrameNotification = "notification"
	FrameError        = "error"
)

// Frame wraps everything the server writes to a subscriber connection.
// Error frames are transport-level and never acknowledge a request.
type Frame struct {
	Type         string        `json:"type"`
	Notification *Notification `json:"notification,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// NotificationFrame wraps n for the wire
func NotificationFrame(n Notification) Frame {
	return Frame{Type: FrameNotification, Notification: &n}
}

// ErrorFrame wraps a transport-level error message
func ErrorFrame(err error) Frame {
	return Frame{Type: FrameError, Error: err.Error()}
}
