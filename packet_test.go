package gearman

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	pkt := NewPacket(PtSubmitJob)
	require.NoError(t, pkt.SetFuncName("rev"))
	require.NoError(t, pkt.SetUniqueId("abc-123"))
	require.NoError(t, pkt.SetWorkload([]byte("hello")))

	frame, err := EncodePacket(magicRequest, pkt)
	require.NoError(t, err)

	got, consumed, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), consumed)
	assert.Equal(t, PtSubmitJob, got.Type)

	fn, _ := got.GetFuncName()
	uid, _ := got.GetUniqueId()
	wl, _ := got.GetWorkload()
	assert.Equal(t, "rev", fn)
	assert.Equal(t, "abc-123", uid)
	assert.Equal(t, []byte("hello"), wl)
}

func TestPacketRoundTripEmbeddedNul(t *testing.T) {
	pkt := NewPacket(PtWorkComplete)
	require.NoError(t, pkt.SetHandle("H:1"))
	payload := []byte{0x01, 0x00, 0x02, 0x00, 0x03}
	require.NoError(t, pkt.SetData(payload))

	frame, err := EncodePacket(magicResponse, pkt)
	require.NoError(t, err)

	got, _, err := Decode(frame)
	require.NoError(t, err)
	data, err := got.GetData()
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDecodeStreamingNeedsMore(t *testing.T) {
	pkt := NewPacket(PtEchoReq)
	require.NoError(t, pkt.SetData([]byte("ping")))
	frame, err := EncodePacket(magicRequest, pkt)
	require.NoError(t, err)

	_, _, err = Decode(frame[:HeaderSize-1])
	n, needMore := NeedMore(err)
	require.True(t, needMore)
	assert.Equal(t, 1, n)

	_, _, err = Decode(frame[:len(frame)-2])
	n, needMore = NeedMore(err)
	require.True(t, needMore)
	assert.Equal(t, 2, n)

	got, consumed, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), consumed)
	data, _ := got.GetData()
	assert.Equal(t, []byte("ping"), data)
}

func TestEncodeBadArgumentCount(t *testing.T) {
	_, err := Encode(magicRequest, PtSubmitJob, [][]byte{[]byte("only-one")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadArgumentCount)
}

func TestDecodeBadMagic(t *testing.T) {
	frame := []byte("XXXX" + "\x00\x00\x00\x01" + "\x00\x00\x00\x00")
	_, _, err := Decode(frame)
	require.Error(t, err)
	_, needMore := NeedMore(err)
	assert.False(t, needMore)
}

func TestEpochRoundTrip(t *testing.T) {
	pkt := NewPacket(PtSubmitJobEpoch)
	require.NoError(t, pkt.SetFuncName("f"))
	require.NoError(t, pkt.SetUniqueId("u"))
	require.NoError(t, pkt.SetEpoch(2000000000))
	require.NoError(t, pkt.SetWorkload([]byte("x")))

	frame, err := EncodePacket(magicRequest, pkt)
	require.NoError(t, err)

	got, _, err := Decode(frame)
	require.NoError(t, err)
	epoch, err := got.GetEpoch()
	require.NoError(t, err)
	assert.EqualValues(t, 2000000000, epoch)
}

func TestReduceAggregatePlaceholder(t *testing.T) {
	pkt := NewPacket(PtSubmitReduceJob)
	require.NoError(t, pkt.SetFuncName("f"))
	require.NoError(t, pkt.SetUniqueId("u"))
	require.NoError(t, pkt.SetReducer("r"))
	require.NoError(t, pkt.SetAggregate())
	require.NoError(t, pkt.SetWorkload([]byte("payload")))

	frame, err := EncodePacket(magicRequest, pkt)
	require.NoError(t, err)

	got, _, err := Decode(frame)
	require.NoError(t, err)
	wl, err := got.GetWorkload()
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), wl)
}
