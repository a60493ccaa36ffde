package workerproto

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req := Request{ID: uuid.New(), Op: "echo", Payload: []byte("hello")}
	line, err := EncodeRequest(req)
	require.NoError(t, err)
	assert.NotContains(t, line, "\n")

	resp := Response{ID: req.ID, OK: true, Payload: []byte("hello back")}
	respLine, err := EncodeResponse(resp)
	require.NoError(t, err)

	decoded, err := DecodeResponse(respLine)
	require.NoError(t, err)
	assert.Equal(t, resp.ID, decoded.ID)
	assert.Equal(t, resp.Payload, decoded.Payload)
	assert.True(t, decoded.OK)
}

func TestDecodeResponseRejectsGarbage(t *testing.T) {
	_, err := DecodeResponse("not-base64!!")
	assert.Error(t, err)
}

func TestRequestCommandMatchesOnlyItsOwnCorrelationID(t *testing.T) {
	cmd := NewRequestCommand("run", []byte("payload"))
	assert.True(t, cmd.GeneratesOutput())
	assert.NotEmpty(t, cmd.Instruction())

	other := Response{ID: uuid.New(), OK: true}
	otherLine, err := EncodeResponse(other)
	require.NoError(t, err)
	assert.False(t, cmd.IsCompletedStdout(otherLine))

	mine := Response{ID: cmd.req.ID, OK: true, Payload: []byte("result")}
	mineLine, err := EncodeResponse(mine)
	require.NoError(t, err)
	assert.True(t, cmd.IsCompletedStdout(mineLine))

	resp, ok := cmd.Response()
	require.True(t, ok)
	assert.Equal(t, []byte("result"), resp.Payload)
}
