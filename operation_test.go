package runlog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/runlog/wire"
)

var epoch = time.Unix(0, 0).UTC()

func everyEventKind() []OperationEvent {
	return []OperationEvent{
		Start{Kwargs: map[string]json.RawMessage{"user": MustJSON("ada"), "n": MustJSON(3)}},
		Sleep{ID: 1, Start: t0, End: t0.Add(time.Hour)},
		Save{ID: 2, Value: Resolved{Payload: MustJSON(map[string]int{"a": 1})}},
		Save{ID: 3, Value: Failed{Err: MustJSON("boom")}},
		Save{ID: 4, Value: Retry{Counter: 2, WaitUntil: t0.Add(time.Minute)}},
		Save{ID: 6, Value: Retry{Counter: 1, WaitUntil: epoch}},
		Sleep{ID: 7, Start: epoch, End: time.Time{}},
		Send{EventName: "approve", Value: MustJSON(true)},
		Send{EventName: "ping"},
		Log{ID: 5, Payload: MustJSON("hello"), Level: "info"},
		Stop{Result: OkResult(MustJSON(42))},
		Stop{Result: ErrResult(MustJSON("failed"))},
		Stop{},
		Compensate{},
	}
}

func TestOperationWireRoundTrip(t *testing.T) {
	codecs := []wire.Codec{&wire.MsgpackCodec{}, &wire.JSONCodec{}}
	for _, codec := range codecs {
		t.Run(codec.Name(), func(t *testing.T) {
			for i, event := range everyEventKind() {
				op := Operation{At: t0.Add(time.Duration(i) * time.Millisecond), Event: event}
				ev, err := op.ToWire()
				require.NoError(t, err)

				data, err := codec.EncodeEvent(&ev)
				require.NoError(t, err)
				decoded, err := codec.DecodeEvent(data)
				require.NoError(t, err)

				back, err := OperationFromWire(*decoded)
				require.NoError(t, err, op.Summary())
				require.Equal(t, op, back)
				require.Equal(t, op.Summary(), back.Summary())
			}
		})
	}
}

func TestOperationFromWireRejectsInvalidPayload(t *testing.T) {
	ev := wire.Event{Kind: wire.KindSend, At: t0.UnixNano(), Send: &wire.Send{EventName: "x", Value: "{not json"}}
	_, err := OperationFromWire(ev)
	require.Error(t, err)

	ev = wire.Event{Kind: wire.KindSave, At: t0.UnixNano(), Save: &wire.Save{ID: 1, Value: wire.SavedValue{Kind: "maybe"}}}
	_, err = OperationFromWire(ev)
	require.ErrorContains(t, err, "unknown saved value kind")
}

func TestSummariesExcludePayload(t *testing.T) {
	a := Save{ID: 1, Value: Resolved{Payload: MustJSON("a")}}
	b := Save{ID: 1, Value: Resolved{Payload: MustJSON("b")}}
	require.Equal(t, a.Summary(), b.Summary())
	require.Equal(t, "Save{id: 1, value: Resolved}", a.Summary())
	require.Equal(t, "Stop{result: None}", Stop{}.Summary())
	require.Equal(t, "Stop{result: Err}", Stop{Result: ErrResult(nil)}.Summary())
}

func TestEventToWire(t *testing.T) {
	ev, err := EventToWire(t0, Send{EventName: "wake"})
	require.NoError(t, err)
	require.Equal(t, wire.KindSend, ev.Kind)
	require.Equal(t, t0.UnixNano(), ev.At)
}

func TestEpochSurvivesPersistence(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	run := NewRun("run-epoch")
	run.Append(epoch, Start{})
	run.Append(epoch.Add(time.Second), Sleep{ID: 1, Start: epoch, End: epoch.Add(time.Hour)})
	require.NoError(t, run.PersistInto(ctx, backend))

	recovered := NewRun("run-epoch")
	require.NoError(t, recovered.RecoverFrom(ctx, backend))
	require.Equal(t, run.Operations(), recovered.Operations())
	require.NoError(t, run.CheckAgainstNew(recovered))
}

func TestZeroAndEpochSchedulesAreDistinct(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	require.NoError(t, backend.AddSchedule(ctx, "q", "run-a", time.Time{}, nil))
	require.NoError(t, backend.AddSchedule(ctx, "q", "run-b", epoch, nil))

	schedules, err := backend.ListSchedules(ctx, "q")
	require.NoError(t, err)
	require.Len(t, schedules, 2)
	require.True(t, schedules[0].At.IsZero())
	require.True(t, schedules[1].At.Equal(epoch))
}
