package router

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/dlcdevkit/go-ddk/lib/crypto/box"
	"github.com/dlcdevkit/go-ddk/lib/dlc"
	"github.com/dlcdevkit/go-ddk/lib/keys"
	"github.com/dlcdevkit/go-ddk/lib/oracle"
	"github.com/dlcdevkit/go-ddk/lib/relay"
	"github.com/dlcdevkit/go-ddk/lib/segment"
	"github.com/dlcdevkit/go-ddk/lib/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu   sync.Mutex
	envs []*relay.Envelope
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, e *relay.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.envs = append(p.envs, e)
	return nil
}

func (p *recordingPublisher) take() []*relay.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	envs := p.envs
	p.envs = nil
	return envs
}

// replyingEngine records like a LoggingEngine and answers through reply.
type replyingEngine struct {
	*dlc.LoggingEngine
	reply func(msg *wire.NegotiationPayload) (*wire.NegotiationPayload, error)
}

func (e *replyingEngine) OnMessage(ctx context.Context, msg *wire.NegotiationPayload, sender string) (*wire.NegotiationPayload, error) {
	if _, err := e.LoggingEngine.OnMessage(ctx, msg, sender); err != nil {
		return nil, err
	}
	if e.reply == nil {
		return nil, nil
	}
	return e.reply(msg)
}

type peer struct {
	id     *keys.Identity
	engine *replyingEngine
	pub    *recordingPublisher
	mr     *MessageRouter
}

func newPeer(t *testing.T, maxChunk int) *peer {
	t.Helper()
	id, err := keys.Generate()
	require.NoError(t, err)
	re, err := segment.NewReassembler(segment.Config{
		Timeout:            time.Minute,
		MaxPending:         16,
		CompletedCacheSize: 16,
	})
	require.NoError(t, err)
	p := &peer{
		id:     id,
		engine: &replyingEngine{LoggingEngine: dlc.NewLoggingEngine(nil)},
		pub:    &recordingPublisher{},
	}
	p.mr, err = NewMessageRouter(MessageRouterConfig{
		Identity:      id,
		Engine:        p.engine,
		Publisher:     p.pub,
		Reassembler:   re,
		MaxChunkSize:  maxChunk,
		SeenCacheSize: 64,
	})
	require.NoError(t, err)
	return p
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func signed(t *testing.T, from *keys.Identity, kind relay.Kind, created time.Time, content, recipient string) *relay.Envelope {
	t.Helper()
	e := relay.NewEnvelope(kind, created, content, recipient, "")
	require.NoError(t, e.Sign(from.PrivateKey()))
	return e
}

func TestNewMessageRouterValidates(t *testing.T) {
	_, err := NewMessageRouter(MessageRouterConfig{})
	assert.Error(t, err)

	p := newPeer(t, 64)
	_, err = NewMessageRouter(MessageRouterConfig{
		Identity:    p.id,
		Engine:      p.engine,
		Publisher:   p.pub,
		Reassembler: p.mr.reassembler,
	})
	assert.Error(t, err, "zero chunk size")
}

func TestSendSmallMessageIsOneEnvelope(t *testing.T) {
	a, b := newPeer(t, 2048), newPeer(t, 2048)
	msg := &wire.NegotiationPayload{Type: wire.OfferType, Payload: []byte("offer")}

	envs, err := a.mr.Send(context.Background(), b.id.Address(), msg, "")
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, relay.KindNegotiation, envs[0].Kind)
	assert.Equal(t, b.id.Address(), envs[0].Recipient())
	assert.Empty(t, envs[0].ReplyTo())
	assert.NoError(t, envs[0].Verify())

	raw, err := base64.StdEncoding.DecodeString(envs[0].Content)
	require.NoError(t, err)
	outer, err := wire.DecodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, wire.EncryptedPayloadType, outer.Tag())

	require.NoError(t, b.mr.HandleEnvelope(context.Background(), envs[0]))
	got := b.engine.Received()
	require.Len(t, got, 1)
	assert.Equal(t, a.id.Address(), got[0].Sender)
	assert.Equal(t, wire.OfferType, got[0].Type)
	assert.Equal(t, []byte("offer"), got[0].Payload)
}

func TestSegmentedMessageDeliveredOnceInAnyOrder(t *testing.T) {
	a, b := newPeer(t, 2048), newPeer(t, 2048)
	body := payload(10_000)
	msg := &wire.NegotiationPayload{Type: wire.AcceptType, Payload: body}

	envs, err := a.mr.Send(context.Background(), b.id.Address(), msg, "")
	require.NoError(t, err)
	// 10000 + header, sealed, split at 2048: one start and five chunks
	require.Len(t, envs, 6)
	assert.Len(t, a.pub.take(), 6)

	order := []int{5, 2, 0, 4, 3, 1}
	for _, i := range order {
		assert.NoError(t, b.mr.HandleEnvelope(context.Background(), envs[i]))
	}
	// relay replay of the whole set
	for _, e := range envs {
		assert.ErrorIs(t, b.mr.HandleEnvelope(context.Background(), e), ErrDuplicateEnvelope)
	}

	got := b.engine.Received()
	require.Len(t, got, 1)
	assert.True(t, bytes.Equal(body, got[0].Payload))
	assert.Equal(t, 0, b.mr.reassembler.Pending())
}

func TestReplyIsThreadedToCompletingEnvelope(t *testing.T) {
	a, b := newPeer(t, 2048), newPeer(t, 2048)
	b.engine.reply = func(msg *wire.NegotiationPayload) (*wire.NegotiationPayload, error) {
		if msg.Type != wire.OfferType {
			return nil, nil
		}
		return &wire.NegotiationPayload{Type: wire.AcceptType, Payload: payload(5000)}, nil
	}

	envs, err := a.mr.Send(context.Background(), b.id.Address(),
		&wire.NegotiationPayload{Type: wire.OfferType, Payload: []byte("offer")}, "")
	require.NoError(t, err)
	require.NoError(t, b.mr.HandleEnvelope(context.Background(), envs[0]))
	b.mr.WaitReplies()

	replies := b.pub.take()
	require.Len(t, replies, 4)
	for _, r := range replies {
		assert.Equal(t, envs[0].ID, r.ReplyTo())
		assert.Equal(t, a.id.Address(), r.Recipient())
		require.NoError(t, a.mr.HandleEnvelope(context.Background(), r))
	}

	got := a.engine.Received()
	require.Len(t, got, 1)
	assert.Equal(t, wire.AcceptType, got[0].Type)
	assert.Equal(t, b.id.Address(), got[0].Sender)
	assert.Equal(t, payload(5000), got[0].Payload)
}

func TestReplyFailureDoesNotStopRouting(t *testing.T) {
	a, b := newPeer(t, 2048), newPeer(t, 2048)
	b.engine.reply = func(*wire.NegotiationPayload) (*wire.NegotiationPayload, error) {
		return &wire.NegotiationPayload{Type: wire.SignType, Payload: []byte("sig")}, nil
	}
	b.pub.err = relay.ErrPublishFailed

	for i := 0; i < 2; i++ {
		envs, err := a.mr.Send(context.Background(), b.id.Address(),
			&wire.NegotiationPayload{Type: wire.OfferType, Payload: []byte{byte(i)}}, "")
		require.NoError(t, err)
		require.NoError(t, b.mr.HandleEnvelope(context.Background(), envs[0]))
	}
	b.mr.WaitReplies()
	assert.Len(t, b.engine.Received(), 2)
	assert.Empty(t, b.pub.take())
}

func TestDecryptionFailureIsDropped(t *testing.T) {
	a, b, c := newPeer(t, 2048), newPeer(t, 2048), newPeer(t, 2048)

	// sealed for c, addressed to b
	sealed, err := box.Encrypt(a.id.PrivateKey(), c.id.PublicKey(),
		wire.EncodeMessage(&wire.NegotiationPayload{Type: wire.OfferType, Payload: []byte("x")}))
	require.NoError(t, err)
	outer := wire.EncodeMessage(&wire.NegotiationPayload{Type: wire.EncryptedPayloadType, Payload: sealed})
	e := signed(t, a.id, relay.KindNegotiation, time.Now(), base64.StdEncoding.EncodeToString(outer), b.id.Address())

	err = b.mr.HandleEnvelope(context.Background(), e)
	assert.ErrorIs(t, err, box.ErrDecryptionFailed)
	assert.Empty(t, b.engine.Received())

	garbage := signed(t, a.id, relay.KindNegotiation, time.Now(), "%%not base64%%", b.id.Address())
	assert.ErrorIs(t, b.mr.HandleEnvelope(context.Background(), garbage), box.ErrDecryptionFailed)
	assert.Empty(t, b.engine.Received())
}

func TestMalformedPlaintextIsDropped(t *testing.T) {
	a, b := newPeer(t, 2048), newPeer(t, 2048)
	seal := func(pt []byte) string {
		sealed, err := box.Encrypt(a.id.PrivateKey(), b.id.PublicKey(), pt)
		require.NoError(t, err)
		return base64.StdEncoding.EncodeToString(
			wire.EncodeMessage(&wire.NegotiationPayload{Type: wire.EncryptedPayloadType, Payload: sealed}))
	}

	cases := []struct {
		name      string
		plaintext []byte
		want      error
	}{
		{"truncated", []byte{0xa4}, wire.ErrTruncatedMessage},
		{"segment control inside", wire.EncodeMessage(&wire.SegmentStart{Total: 1}), wire.ErrMalformedPayload},
		{"nested ciphertext", wire.Encode(wire.EncryptedPayloadType, []byte("x")), wire.ErrMalformedPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := signed(t, a.id, relay.KindNegotiation, time.Now(), seal(tc.plaintext), b.id.Address())
			assert.ErrorIs(t, b.mr.HandleEnvelope(context.Background(), e), tc.want)
		})
	}

	outer := signed(t, a.id, relay.KindNegotiation, time.Now(),
		base64.StdEncoding.EncodeToString(wire.Encode(wire.OfferType, []byte("plain"))), b.id.Address())
	assert.ErrorIs(t, b.mr.HandleEnvelope(context.Background(), outer), wire.ErrMalformedPayload)
	assert.Empty(t, b.engine.Received())
}

func TestMisaddressedEnvelopeIsDropped(t *testing.T) {
	a, b, c := newPeer(t, 2048), newPeer(t, 2048), newPeer(t, 2048)
	envs, err := a.mr.Send(context.Background(), c.id.Address(),
		&wire.NegotiationPayload{Type: wire.OfferType, Payload: []byte("x")}, "")
	require.NoError(t, err)
	assert.ErrorIs(t, b.mr.HandleEnvelope(context.Background(), envs[0]), ErrMisaddressed)
}

func TestFutureEnvelopeIsDropped(t *testing.T) {
	a, b := newPeer(t, 2048), newPeer(t, 2048)
	a.mr.clock = fixedClock(time.Now().Add(time.Hour))
	envs, err := a.mr.Send(context.Background(), b.id.Address(),
		&wire.NegotiationPayload{Type: wire.OfferType, Payload: []byte("x")}, "")
	require.NoError(t, err)
	assert.Error(t, b.mr.HandleEnvelope(context.Background(), envs[0]))
	assert.Empty(t, b.engine.Received())
}

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

func TestEngineErrorIsWrappedAndNotFatal(t *testing.T) {
	a, b := newPeer(t, 2048), newPeer(t, 2048)
	boom := errors.New("boom")
	b.engine.reply = func(msg *wire.NegotiationPayload) (*wire.NegotiationPayload, error) {
		if string(msg.Payload) == "bad" {
			return nil, boom
		}
		return nil, nil
	}
	send := func(body string) *relay.Envelope {
		envs, err := a.mr.Send(context.Background(), b.id.Address(),
			&wire.NegotiationPayload{Type: wire.OfferType, Payload: []byte(body)}, "")
		require.NoError(t, err)
		return envs[0]
	}

	err := b.mr.HandleEnvelope(context.Background(), send("bad"))
	var engineErr *dlc.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, "on_message", engineErr.Op)
	assert.ErrorIs(t, err, boom)

	assert.NoError(t, b.mr.HandleEnvelope(context.Background(), send("good")))
	assert.Len(t, b.engine.Received(), 2)
}

func TestSendRejectsReservedTypes(t *testing.T) {
	a, b := newPeer(t, 2048), newPeer(t, 2048)
	for _, typ := range []uint16{wire.EncryptedPayloadType, wire.SegmentStartType, wire.SegmentChunkType} {
		_, err := a.mr.Send(context.Background(), b.id.Address(), &wire.NegotiationPayload{Type: typ}, "")
		assert.ErrorIs(t, err, wire.ErrMalformedPayload)
	}
	_, err := a.mr.Send(context.Background(), "not-an-address",
		&wire.NegotiationPayload{Type: wire.OfferType}, "")
	assert.ErrorIs(t, err, keys.ErrInvalidAddress)
	assert.Empty(t, a.pub.take())
}

func TestSendSurfacesPublishFailure(t *testing.T) {
	a, b := newPeer(t, 2048), newPeer(t, 2048)
	a.pub.err = relay.ErrPublishFailed
	_, err := a.mr.Send(context.Background(), b.id.Address(),
		&wire.NegotiationPayload{Type: wire.OfferType, Payload: []byte("x")}, "")
	assert.ErrorIs(t, err, relay.ErrPublishFailed)
}

func signedOracle(t *testing.T, oracleID *keys.Identity, eventID string, outcome string) (*oracle.Announcement, *oracle.Attestation) {
	t.Helper()
	h := oracle.OutcomeHash(outcome)
	sig, err := schnorr.Sign(oracleID.PrivateKey(), h[:])
	require.NoError(t, err)
	var raw [64]byte
	copy(raw[:], sig.Serialize())
	var nonce [32]byte
	copy(nonce[:], raw[:32])

	ann, err := oracle.SignAnnouncement(oracleID.PrivateKey(), oracle.Event{
		Nonces:     [][32]byte{nonce},
		Maturity:   1_700_000_000,
		Descriptor: []byte("enum:up,down"),
		EventID:    eventID,
	})
	require.NoError(t, err)
	att := &oracle.Attestation{
		EventID:         eventID,
		OraclePublicKey: oracleID.PublicKey(),
		Signatures:      [][64]byte{raw},
		Outcomes:        []string{outcome},
	}
	return ann, att
}

func TestOracleEnvelopesBypassDecryption(t *testing.T) {
	o, b := newPeer(t, 2048), newPeer(t, 2048)
	ann, att := signedOracle(t, o.id, "btc-usd-2026", "up")

	annBytes, err := ann.Bytes()
	require.NoError(t, err)
	attBytes, err := att.Bytes()
	require.NoError(t, err)
	annEnv, err := o.mr.PublishOracle(context.Background(), relay.KindOracleAnnouncement, annBytes)
	require.NoError(t, err)
	attEnv, err := o.mr.PublishOracle(context.Background(), relay.KindOracleAttestation, attBytes)
	require.NoError(t, err)
	assert.Empty(t, annEnv.Recipient())

	require.NoError(t, b.mr.HandleEnvelope(context.Background(), annEnv))
	require.NoError(t, b.mr.HandleEnvelope(context.Background(), attEnv))

	gotAnn, err := b.engine.GetOracleAnnouncement("btc-usd-2026")
	require.NoError(t, err)
	assert.Equal(t, ann.Event, gotAnn.Event)
	gotAtt, err := b.engine.GetOracleAttestation("btc-usd-2026")
	require.NoError(t, err)
	assert.Equal(t, []string{"up"}, gotAtt.Outcomes)
	assert.Empty(t, b.engine.Received())
}

func TestInvalidOracleContentIsDropped(t *testing.T) {
	o, b := newPeer(t, 2048), newPeer(t, 2048)
	e := signed(t, o.id, relay.KindOracleAnnouncement, time.Now(),
		base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), "")
	assert.ErrorIs(t, b.mr.HandleEnvelope(context.Background(), e), oracle.ErrMalformed)

	_, err := b.engine.GetOracleAnnouncement("anything")
	assert.ErrorIs(t, err, oracle.ErrNotFound)
}

func TestUnknownKindIsDropped(t *testing.T) {
	a, b := newPeer(t, 2048), newPeer(t, 2048)
	e := signed(t, a.id, relay.Kind(1), time.Now(), "hello", "")
	assert.ErrorIs(t, b.mr.HandleEnvelope(context.Background(), e), ErrUnknownKind)

	_, err := a.mr.PublishOracle(context.Background(), relay.KindNegotiation, []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownKind)
}
