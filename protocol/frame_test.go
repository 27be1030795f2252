package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mcpews/mcpews/protocol"
)

func TestFrameRoundTrip(t *testing.T) {
	id := protocol.NewRequestID()
	f, err := protocol.New(protocol.V1_1_0, protocol.PurposeCommandRequest, id, protocol.CommandRequestBody{
		Version:     protocol.CommandVersionLatest,
		CommandLine: "/say Hi, there!",
		Origin:      protocol.PlayerOrigin,
	})
	require.NoError(t, err)

	data, err := f.Encode()
	require.NoError(t, err)

	got, err := protocol.Decode(data)
	require.NoError(t, err)
	require.Equal(t, f.Header, got.Header)

	var body protocol.CommandRequestBody
	require.NoError(t, got.Bind(&body))
	require.Equal(t, "/say Hi, there!", body.CommandLine)
	require.Equal(t, "player", body.Origin.Type)
}

func TestFrameSentinelRequestID(t *testing.T) {
	f, err := protocol.New(protocol.V0_0_1, protocol.PurposeEvent, "", map[string]any{"x": 1})
	require.NoError(t, err)
	require.Equal(t, protocol.NilRequestID, f.Header.RequestID)
	require.False(t, f.HasRequestID())

	data, err := f.Encode()
	require.NoError(t, err)
	require.Contains(t, string(data), protocol.NilRequestID)
}

func TestFrameNilBodyEncodesNull(t *testing.T) {
	f, err := protocol.New(protocol.V1_0_0, protocol.DataPurpose("block"), protocol.NewRequestID(), nil)
	require.NoError(t, err)
	data, err := f.Encode()
	require.NoError(t, err)

	var raw struct {
		Body json.RawMessage `json:"body"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, "null", string(raw.Body))
}

func TestEventNameResolution(t *testing.T) {
	headerFrame := &protocol.Frame{
		Header: protocol.Header{EventName: "PlayerMessage"},
		Body:   json.RawMessage(`{"eventName":"Ignored"}`),
	}
	require.Equal(t, "PlayerMessage", headerFrame.EventName())

	bodyFrame := &protocol.Frame{
		Body: json.RawMessage(`{"eventName":"BlockPlaced","extra":1}`),
	}
	require.Equal(t, "BlockPlaced", bodyFrame.EventName())

	emptyFrame := &protocol.Frame{Body: json.RawMessage(`{"no":"name"}`)}
	require.Equal(t, "", emptyFrame.EventName())
}

func TestUnknownPurposePassesThrough(t *testing.T) {
	data := []byte(`{"header":{"version":1,"requestId":"00000000-0000-0000-0000-000000000000","messagePurpose":"totally:custom"},"body":{"weird":true}}`)
	f, err := protocol.Decode(data)
	require.NoError(t, err)
	require.Equal(t, protocol.Purpose("totally:custom"), f.Header.MessagePurpose)
	require.JSONEq(t, `{"weird":true}`, string(f.Body))
}

func TestDataPurpose(t *testing.T) {
	require.Equal(t, protocol.Purpose("data:block"), protocol.DataPurpose("block"))

	name, ok := protocol.DataTypeOf("data:mob")
	require.True(t, ok)
	require.Equal(t, "mob", name)

	_, ok = protocol.DataTypeOf(protocol.PurposeCommandRequest)
	require.False(t, ok)
	_, ok = protocol.DataTypeOf("data:")
	require.False(t, ok)
}

func TestIsError(t *testing.T) {
	require.False(t, protocol.IsError(0))
	require.False(t, protocol.IsError(1))
	require.True(t, protocol.IsError(0x80000000))
	// Negative status codes arrive as sign-extended 32-bit values.
	require.True(t, protocol.IsError(-2147483648))
}

func TestJoinCommand(t *testing.T) {
	require.Equal(t, "/say Hi, there!", protocol.JoinCommand([]string{"/say", "Hi,", "there!"}))
}

func TestVersionString(t *testing.T) {
	require.Equal(t, "0.0.4", protocol.V0_0_4.String())
	require.Equal(t, "1.1.0", protocol.V1_1_0.String())
}

func TestChatUnsubscribeAllBodyIsEmptyObject(t *testing.T) {
	data, err := json.Marshal(protocol.ChatUnsubscribeBody{})
	require.NoError(t, err)
	require.Equal(t, `{}`, string(data))
}
