package dlc

import (
	"context"
	"errors"
	"testing"

	"github.com/dlcdevkit/go-ddk/lib/oracle"
	"github.com/dlcdevkit/go-ddk/lib/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineErrorWrapping(t *testing.T) {
	assert.NoError(t, WrapEngineError("on_message", nil))

	cause := errors.New("contract not found")
	err := WrapEngineError("on_message", cause)
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "on_message", ee.Op)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "contract not found")
}

func TestLoggingEngineRecordsWithoutReplying(t *testing.T) {
	e := NewLoggingEngine(nil)
	msg := &wire.NegotiationPayload{Type: wire.OfferType, Payload: []byte("offer")}

	reply, err := e.OnMessage(context.Background(), msg, "alice")
	require.NoError(t, err)
	assert.Nil(t, reply)

	msg.Payload[0] = 'X'
	got := e.Received()
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].Sender)
	assert.Equal(t, []byte("offer"), got[0].Payload)

	_, err = e.GetOracleAnnouncement("missing")
	assert.ErrorIs(t, err, oracle.ErrNotFound)
}
