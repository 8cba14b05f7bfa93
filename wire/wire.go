// Package wire defines the persisted representation of a run's history and
// the codecs used to turn it into bytes.
//
// Payload fields carry JSON-encoded strings rather than structured values so
// stored logs stay byte-compatible regardless of the payload's Go type.
package wire

import (
	"fmt"
	"time"
)

// Kind identifies which variant of an Event is populated.
type Kind string

const (
	KindStart      Kind = "start"
	KindStop       Kind = "stop"
	KindSave       Kind = "save"
	KindSend       Kind = "send"
	KindSleep      Kind = "sleep"
	KindLog        Kind = "log"
	KindCompensate Kind = "compensate"
)

// SavedValue kinds.
const (
	SavedRetry    = "retry"
	SavedResolved = "resolved"
	SavedFailed   = "failed"
)

// Records is the ordered history of a single run.
type Records struct {
	Events []Event `msgpack:"events" json:"events"`
}

// Event is a tagged union. Exactly one body matching Kind must be set.
// Timestamps are UTC Unix nanoseconds, see UnixNanos.
type Event struct {
	Kind       Kind        `msgpack:"kind" json:"kind"`
	At         int64       `msgpack:"at" json:"at"`
	Start      *Start      `msgpack:"start,omitempty" json:"start,omitempty"`
	Stop       *Stop       `msgpack:"stop,omitempty" json:"stop,omitempty"`
	Save       *Save       `msgpack:"save,omitempty" json:"save,omitempty"`
	Send       *Send       `msgpack:"send,omitempty" json:"send,omitempty"`
	Sleep      *Sleep      `msgpack:"sleep,omitempty" json:"sleep,omitempty"`
	Log        *Log        `msgpack:"log,omitempty" json:"log,omitempty"`
	Compensate *Compensate `msgpack:"compensate,omitempty" json:"compensate,omitempty"`
}

type Start struct {
	Kwargs map[string]string `msgpack:"kwargs" json:"kwargs"`
}

type Stop struct {
	HasResult bool   `msgpack:"has_result" json:"has_result"`
	Ok        bool   `msgpack:"ok" json:"ok"`
	Payload   string `msgpack:"payload,omitempty" json:"payload,omitempty"`
}

type Save struct {
	ID    int64      `msgpack:"id" json:"id"`
	Value SavedValue `msgpack:"value" json:"value"`
}

// SavedValue is the checkpointed outcome of a deterministic step.
type SavedValue struct {
	Kind      string `msgpack:"kind" json:"kind"`
	Counter   int64  `msgpack:"counter,omitempty" json:"counter,omitempty"`
	WaitUntil int64  `msgpack:"wait_until,omitempty" json:"wait_until,omitempty"`
	Payload   string `msgpack:"payload,omitempty" json:"payload,omitempty"`
}

type Send struct {
	EventName string `msgpack:"event_name" json:"event_name"`
	Value     string `msgpack:"value" json:"value"`
}

type Sleep struct {
	ID    int64 `msgpack:"id" json:"id"`
	Start int64 `msgpack:"start" json:"start"`
	End   int64 `msgpack:"end" json:"end"`
}

type Log struct {
	ID      int64  `msgpack:"id" json:"id"`
	Payload string `msgpack:"payload" json:"payload"`
	Level   string `msgpack:"level" json:"level"`
}

type Compensate struct{}

// Validate checks that the body matching Kind is present and no other body is.
func (e *Event) Validate() error {
	set := 0
	var matched bool
	check := func(present bool, kind Kind) {
		if present {
			set++
			if e.Kind == kind {
				matched = true
			}
		}
	}
	check(e.Start != nil, KindStart)
	check(e.Stop != nil, KindStop)
	check(e.Save != nil, KindSave)
	check(e.Send != nil, KindSend)
	check(e.Sleep != nil, KindSleep)
	check(e.Log != nil, KindLog)
	check(e.Compensate != nil, KindCompensate)

	if !matched {
		return fmt.Errorf("event kind %q has no matching body", e.Kind)
	}
	if set != 1 {
		return fmt.Errorf("event kind %q has %d bodies set", e.Kind, set)
	}
	if e.Save != nil {
		switch e.Save.Value.Kind {
		case SavedRetry, SavedResolved, SavedFailed:
		default:
			return fmt.Errorf("unknown saved value kind %q", e.Save.Value.Kind)
		}
	}
	return nil
}

// Metadata is a timestamped diagnostic entry attached to a run.
type Metadata struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Schedule identifies an open wake-up slot.
type Schedule struct {
	Queue      string    `json:"queue"`
	RunID      string    `json:"run_id"`
	At         time.Time `json:"at"`
	HasPayload bool      `json:"has_payload"`
}
