package chmux

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := newFrame(cmdData, 7, []byte("hello world"))
	require.NoError(t, writeFrame(&buf, f))

	got, err := readFrame(&buf, maxFramePayload)
	require.NoError(t, err)
	require.Equal(t, f.cmd, got.cmd)
	require.EqualValues(t, 7, got.portID)
	require.Equal(t, []byte("hello world"), got.payload)
}

func TestReadFrameRejectsOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, newFrame(cmdData, 1, make([]byte, 128))))

	_, err := readFrame(&buf, 64)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, ProtoOversizeFrame, protoErr.Kind)
}

func TestReadFrameRejectsUnknownCommand(t *testing.T) {
	var buf bytes.Buffer
	h := newHeader(cmd(200), 0, 0)
	buf.Write(h[:])

	_, err := readFrame(&buf, maxFramePayload)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, ProtoUnknownFrame, protoErr.Kind)
}

func TestEncodeDecodeOpen(t *testing.T) {
	payload := encodeOpen(42, 7, true)
	reqID, userID, hasUserID, err := decodeOpen(payload)
	require.NoError(t, err)
	require.EqualValues(t, 42, reqID)
	require.EqualValues(t, 7, userID)
	require.True(t, hasUserID)
}

func TestEncodeDecodeOpened(t *testing.T) {
	payload := encodeOpened(1, 2, 3)
	reqID, peerPortID, credits, err := decodeOpened(payload)
	require.NoError(t, err)
	require.EqualValues(t, 1, reqID)
	require.EqualValues(t, 2, peerPortID)
	require.EqualValues(t, 3, credits)
}

func TestEncodeDecodeCredit(t *testing.T) {
	payload := encodeCredit(12345)
	delta, err := decodeCredit(payload)
	require.NoError(t, err)
	require.EqualValues(t, 12345, delta)
}

func TestEncodeDecodeHello(t *testing.T) {
	h := helloPayload{features: featurePortData, chunkSize: 4096, receiveBuf: 1 << 20, nonce: 0xdeadbeef}
	payload := encodeHello(h)
	got, err := decodeHello(payload)
	require.NoError(t, err)
	require.Equal(t, h, got)
}
