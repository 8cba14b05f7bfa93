package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleEvents() []Event {
	return []Event{
		{Kind: KindStart, At: 1, Start: &Start{Kwargs: map[string]string{"x": "1"}}},
		{Kind: KindSave, At: 2, Save: &Save{ID: 0, Value: SavedValue{Kind: SavedResolved, Payload: "42"}}},
		{Kind: KindSave, At: 3, Save: &Save{ID: 1, Value: SavedValue{Kind: SavedRetry, Counter: 2, WaitUntil: 99}}},
		{Kind: KindSave, At: 4, Save: &Save{ID: 2, Value: SavedValue{Kind: SavedFailed, Payload: `"boom"`}}},
		{Kind: KindSend, At: 5, Send: &Send{EventName: "approved", Value: `{"by":"ops"}`}},
		{Kind: KindSleep, At: 6, Sleep: &Sleep{ID: 3, Start: 6, End: 5000000006}},
		{Kind: KindLog, At: 7, Log: &Log{ID: 4, Payload: `"hello"`, Level: "info"}},
		{Kind: KindCompensate, At: 8, Compensate: &Compensate{}},
		{Kind: KindStop, At: 9, Stop: &Stop{HasResult: true, Ok: true, Payload: "42"}},
	}
}

func TestCodecsRoundTripRecords(t *testing.T) {
	for _, name := range []string{CodecNameMsgpack, CodecNameJSON} {
		t.Run(name, func(t *testing.T) {
			codec, err := GetCodec(name)
			require.NoError(t, err)
			require.Equal(t, name, codec.Name())

			records := &Records{Events: sampleEvents()}
			data, err := codec.EncodeRecords(records)
			require.NoError(t, err)

			decoded, err := codec.DecodeRecords(data)
			require.NoError(t, err)
			require.Equal(t, records, decoded)
			for i := range decoded.Events {
				require.NoError(t, decoded.Events[i].Validate())
			}
		})
	}
}

func TestCodecsRoundTripEvent(t *testing.T) {
	for _, name := range []string{CodecNameMsgpack, CodecNameJSON} {
		t.Run(name, func(t *testing.T) {
			codec, err := GetCodec(name)
			require.NoError(t, err)

			event := &Event{Kind: KindSend, At: 10, Send: &Send{EventName: "tick", Value: "null"}}
			data, err := codec.EncodeEvent(event)
			require.NoError(t, err)

			decoded, err := codec.DecodeEvent(data)
			require.NoError(t, err)
			require.Equal(t, event, decoded)
		})
	}
}

func TestCodecDecodeGarbage(t *testing.T) {
	_, err := (&MsgpackCodec{}).DecodeRecords([]byte{0xc1})
	require.ErrorIs(t, err, ErrDecode)

	_, err = (&JSONCodec{}).DecodeEvent([]byte("{"))
	require.ErrorIs(t, err, ErrDecode)
}

func TestGetCodec(t *testing.T) {
	codec, err := GetCodec("")
	require.NoError(t, err)
	require.Equal(t, CodecNameMsgpack, codec.Name())

	_, err = GetCodec("protobuf")
	require.Error(t, err)
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr string
	}{
		{
			name:  "valid start",
			event: Event{Kind: KindStart, Start: &Start{}},
		},
		{
			name:    "missing body",
			event:   Event{Kind: KindSleep},
			wantErr: "no matching body",
		},
		{
			name:    "wrong body",
			event:   Event{Kind: KindSleep, Start: &Start{}},
			wantErr: "no matching body",
		},
		{
			name:    "two bodies",
			event:   Event{Kind: KindStart, Start: &Start{}, Compensate: &Compensate{}},
			wantErr: "2 bodies set",
		},
		{
			name:    "unknown kind",
			event:   Event{Kind: "teleport", Start: &Start{}},
			wantErr: "no matching body",
		},
		{
			name:    "unknown saved value",
			event:   Event{Kind: KindSave, Save: &Save{Value: SavedValue{Kind: "maybe"}}},
			wantErr: "unknown saved value kind",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
