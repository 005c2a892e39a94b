package packet

import (
	"testing"

	"github.com/haivision/srtgo/internal/seq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader_DataRoundTrip(t *testing.T) {
	h := &Header{
		Seq:          seq.Number(123456),
		Msg:          NewMsgFlags(BoundarySolo, true, KeyEven, false, 42),
		TimestampUs:  0xDEADBEEF,
		DestSocketID: 0x1234,
	}
	buf := make([]byte, HeaderSize)
	require.NoError(t, h.Marshal(buf))

	got, err := Unmarshal(buf)
	require.NoError(t, err)
	assert.False(t, got.Control)
	assert.Equal(t, h.Seq, got.Seq)
	assert.Equal(t, h.TimestampUs, got.TimestampUs)
	assert.Equal(t, h.DestSocketID, got.DestSocketID)
	assert.Equal(t, BoundarySolo, got.Msg.Boundary())
	assert.True(t, got.Msg.InOrder())
	assert.Equal(t, KeyEven, got.Msg.Key())
	assert.False(t, got.Msg.Rexmit())
	assert.Equal(t, uint32(42), got.Msg.Msgno())
}

func TestHeader_ControlRoundTrip(t *testing.T) {
	h := &Header{
		Control:     true,
		ControlType: 0x1FF,
		ControlExt:  ControlTypeFilter,
	}
	buf := make([]byte, HeaderSize)
	require.NoError(t, h.Marshal(buf))

	got, err := Unmarshal(buf)
	require.NoError(t, err)
	assert.True(t, got.Control)
	assert.Equal(t, h.ControlType, got.ControlType)
	assert.Equal(t, h.ControlExt, got.ControlExt)
}

func TestMsgFlags_WithRexmit(t *testing.T) {
	f := NewMsgFlags(BoundaryFirst, false, KeyNoEnc, false, 7)
	assert.False(t, f.Rexmit())
	f2 := f.WithRexmit(true)
	assert.True(t, f2.Rexmit())
	assert.Equal(t, f.Boundary(), f2.Boundary())
	assert.Equal(t, f.Msgno(), f2.Msgno())
	f3 := f2.WithRexmit(false)
	assert.Equal(t, f, f3)
}

func TestNextMsgno_WrapSkipsZero(t *testing.T) {
	assert.Equal(t, uint32(1), NextMsgno(msgnoMask))
	assert.Equal(t, uint32(2), NextMsgno(1))
}

func TestFilterHeader_RoundTrip(t *testing.T) {
	fh := &FilterHeader{Index: -1, EncFlagXor: 0xAB, LengthXor: 1450}
	buf := make([]byte, FilterHeaderSize)
	require.NoError(t, fh.Marshal(buf))

	got, err := UnmarshalFilterHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, *fh, *got)
}
