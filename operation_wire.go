package runlog

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/deepnoodle-ai/runlog/wire"
)

// ToWire converts an operation into its persisted form.
func (o Operation) ToWire() (wire.Event, error) {
	ev := wire.Event{At: wire.UnixNanos(o.At)}
	switch e := o.Event.(type) {
	case Start:
		ev.Kind = wire.KindStart
		var kwargs map[string]string
		if e.Kwargs != nil {
			kwargs = make(map[string]string, len(e.Kwargs))
			for name, value := range e.Kwargs {
				kwargs[name] = string(value)
			}
		}
		ev.Start = &wire.Start{Kwargs: kwargs}
	case Sleep:
		ev.Kind = wire.KindSleep
		ev.Sleep = &wire.Sleep{ID: int64(e.ID), Start: wire.UnixNanos(e.Start), End: wire.UnixNanos(e.End)}
	case Save:
		value, err := savedValueToWire(e.Value)
		if err != nil {
			return wire.Event{}, err
		}
		ev.Kind = wire.KindSave
		ev.Save = &wire.Save{ID: int64(e.ID), Value: value}
	case Send:
		ev.Kind = wire.KindSend
		ev.Send = &wire.Send{EventName: e.EventName, Value: string(e.Value)}
	case Stop:
		ev.Kind = wire.KindStop
		stop := &wire.Stop{}
		if e.Result != nil {
			stop.HasResult = true
			stop.Ok = e.Result.Ok
			stop.Payload = string(e.Result.Payload)
		}
		ev.Stop = stop
	case Log:
		ev.Kind = wire.KindLog
		ev.Log = &wire.Log{ID: int64(e.ID), Payload: string(e.Payload), Level: e.Level}
	case Compensate:
		ev.Kind = wire.KindCompensate
		ev.Compensate = &wire.Compensate{}
	default:
		return wire.Event{}, fmt.Errorf("unsupported operation event %T", o.Event)
	}
	return ev, nil
}

func savedValueToWire(v SavedValue) (wire.SavedValue, error) {
	switch sv := v.(type) {
	case Retry:
		return wire.SavedValue{Kind: wire.SavedRetry, Counter: int64(sv.Counter), WaitUntil: wire.UnixNanos(sv.WaitUntil)}, nil
	case Resolved:
		return wire.SavedValue{Kind: wire.SavedResolved, Payload: string(sv.Payload)}, nil
	case Failed:
		return wire.SavedValue{Kind: wire.SavedFailed, Payload: string(sv.Err)}, nil
	default:
		return wire.SavedValue{}, fmt.Errorf("unsupported saved value %T", v)
	}
}

// OperationFromWire converts a persisted event back into an operation. It
// fails on unknown kinds, missing bodies and payloads that are not valid JSON.
func OperationFromWire(ev wire.Event) (Operation, error) {
	if err := ev.Validate(); err != nil {
		return Operation{}, err
	}
	op := Operation{At: wire.FromUnixNanos(ev.At)}
	switch ev.Kind {
	case wire.KindStart:
		var kwargs map[string]json.RawMessage
		if ev.Start.Kwargs != nil {
			kwargs = make(map[string]json.RawMessage, len(ev.Start.Kwargs))
			names := make([]string, 0, len(ev.Start.Kwargs))
			for name := range ev.Start.Kwargs {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				value, err := decodePayload(ev.Start.Kwargs[name])
				if err != nil {
					return Operation{}, fmt.Errorf("start kwarg %q: %w", name, err)
				}
				kwargs[name] = value
			}
		}
		op.Event = Start{Kwargs: kwargs}
	case wire.KindSleep:
		op.Event = Sleep{ID: int(ev.Sleep.ID), Start: wire.FromUnixNanos(ev.Sleep.Start), End: wire.FromUnixNanos(ev.Sleep.End)}
	case wire.KindSave:
		value, err := savedValueFromWire(ev.Save.Value)
		if err != nil {
			return Operation{}, fmt.Errorf("save %d: %w", ev.Save.ID, err)
		}
		op.Event = Save{ID: int(ev.Save.ID), Value: value}
	case wire.KindSend:
		value, err := decodePayload(ev.Send.Value)
		if err != nil {
			return Operation{}, fmt.Errorf("send %q: %w", ev.Send.EventName, err)
		}
		op.Event = Send{EventName: ev.Send.EventName, Value: value}
	case wire.KindStop:
		stop := Stop{}
		if ev.Stop.HasResult {
			payload, err := decodePayload(ev.Stop.Payload)
			if err != nil {
				return Operation{}, fmt.Errorf("stop result: %w", err)
			}
			stop.Result = &RunResult{Ok: ev.Stop.Ok, Payload: payload}
		}
		op.Event = stop
	case wire.KindLog:
		payload, err := decodePayload(ev.Log.Payload)
		if err != nil {
			return Operation{}, fmt.Errorf("log %d: %w", ev.Log.ID, err)
		}
		op.Event = Log{ID: int(ev.Log.ID), Payload: payload, Level: ev.Log.Level}
	case wire.KindCompensate:
		op.Event = Compensate{}
	}
	return op, nil
}

func savedValueFromWire(v wire.SavedValue) (SavedValue, error) {
	switch v.Kind {
	case wire.SavedRetry:
		return Retry{Counter: int(v.Counter), WaitUntil: wire.FromUnixNanos(v.WaitUntil)}, nil
	case wire.SavedResolved:
		payload, err := decodePayload(v.Payload)
		if err != nil {
			return nil, err
		}
		return Resolved{Payload: payload}, nil
	case wire.SavedFailed:
		payload, err := decodePayload(v.Payload)
		if err != nil {
			return nil, err
		}
		return Failed{Err: payload}, nil
	default:
		return nil, fmt.Errorf("unknown saved value kind %q", v.Kind)
	}
}

// decodePayload turns a JSON-encoded string back into a raw JSON value. The
// empty string stands for "no payload".
func decodePayload(s string) (json.RawMessage, error) {
	if s == "" {
		return nil, nil
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("payload is not valid json")
	}
	return json.RawMessage(s), nil
}

// EventToWire converts a single event stamped at the given time, e.g. the
// payload of a scheduled wake-up.
func EventToWire(at time.Time, event OperationEvent) (*wire.Event, error) {
	ev, err := Operation{At: at, Event: event}.ToWire()
	if err != nil {
		return nil, err
	}
	return &ev, nil
}
