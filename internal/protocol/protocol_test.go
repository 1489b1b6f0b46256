package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithSeqKeepsPayload(t *testing.T) {
	frame, err := Encode(EventUserOnline, UserOnline{UserID: "u1"})
	require.NoError(t, err)

	seqFrame, err := WithSeq(frame, 42)
	require.NoError(t, err)

	env, err := Decode(seqFrame)
	require.NoError(t, err)
	assert.Equal(t, EventUserOnline, env.Event)
	assert.Equal(t, int64(42), env.Seq)

	var data UserOnline
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "u1", data.UserID)
}

func TestFrameCodec(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameTypeEnvelope, []byte(`{"event":"heartbeat"}`)))
	require.NoError(t, WriteFrame(&buf, FrameTypeEnvelope, nil))

	ft, body, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeEnvelope, ft)
	assert.JSONEq(t, `{"event":"heartbeat"}`, string(body))

	_, body, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestReadFrameRejectsOversize(t *testing.T) {
	header := make([]byte, FrameHeaderSize)
	binary.BigEndian.PutUint32(header[:4], MaxFrameSize+1)
	_, _, err := ReadFrame(bytes.NewReader(header))
	assert.Error(t, err)
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(CloseReplaced))
	assert.True(t, Terminal(CloseUnauthorized))
	assert.False(t, Terminal(CloseHeartbeatTimeout))
	assert.False(t, Terminal(CloseNormal))
}
