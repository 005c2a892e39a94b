package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haivision/srtgo/internal/fec"
	"github.com/haivision/srtgo/internal/xerr"
)

func TestSetFC_ClampsToMaxFlightPkt(t *testing.T) {
	o := Default()
	require.NoError(t, o.SetFC(25600))
	assert.Equal(t, defMaxFlightPkt, o.FC)
}

func TestSetFC_RejectsBelowOne(t *testing.T) {
	o := Default()
	err := o.SetFC(0)
	require.Error(t, err)
	kind, ok := xerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, xerr.InvalidArgument, kind)
}

func TestSetRcvBuf_FloorsAtMaxFlightPktThenCapsAtFC(t *testing.T) {
	o := Default()
	require.NoError(t, o.SetMSS(1500))
	require.NoError(t, o.SetFC(10))
	require.NoError(t, o.SetRcvBuf(1000)) // small byte budget -> floors at 32, then caps at FC=10
	assert.Equal(t, 10, o.RcvBufPkt)
}

func TestSetLatency_SetsAllThreeFields(t *testing.T) {
	o := Default()
	require.NoError(t, o.SetLatency(250))
	assert.Equal(t, 250*1e6, float64(o.Latency))
	assert.Equal(t, o.Latency, o.RcvLatency)
	assert.Equal(t, o.Latency, o.PeerLatency)
}

func TestSetPBKeyLen_RejectsInvalidLength(t *testing.T) {
	o := Default()
	assert.NoError(t, o.SetPBKeyLen(16))
	err := o.SetPBKeyLen(17)
	require.Error(t, err)
	kind, _ := xerr.KindOf(err)
	assert.Equal(t, xerr.InvalidArgument, kind)
}

func TestSetKMRefresh_RejectsPreAnnounceTooLarge(t *testing.T) {
	o := Default()
	err := o.SetKMRefresh(10, 5)
	require.Error(t, err) // (10-1)/2 == 4, 5 > 4
	assert.NoError(t, o.SetKMRefresh(10, 4))
}

func TestParseFilterString_ParsesFullGrammar(t *testing.T) {
	cfg, err := ParseFilterString("fec,cols:10,rows:4,layout:staircase,arq:always", 1316)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Cols)
	assert.Equal(t, 4, cfg.Rows)
	assert.Equal(t, fec.LayoutStaircase, cfg.Layout)
	assert.Equal(t, fec.ArqAlways, cfg.Arq)
	assert.Equal(t, 1316, cfg.PayloadSize)
}

func TestParseFilterString_RequiresCols(t *testing.T) {
	_, err := ParseFilterString("fec,rows:4", 1316)
	require.Error(t, err)
	kind, ok := xerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, xerr.FilterConfig, kind)
}

func TestParseFilterString_RejectsUnknownFilterType(t *testing.T) {
	_, err := ParseFilterString("unknown,cols:5", 1316)
	require.Error(t, err)
}

func TestSetPacketFilter_StoresRawStringAndParsedConfig(t *testing.T) {
	o := Default()
	require.NoError(t, o.SetPayloadSize(1200))
	require.NoError(t, o.SetPacketFilter("fec,cols:5,rows:2"))
	assert.Equal(t, "fec,cols:5,rows:2", o.PacketFilter)
	require.NotNil(t, o.FEC)
	assert.Equal(t, 5, o.FEC.Cols)
}

func TestApplyTransType_FilePresetsDisableTSBPD(t *testing.T) {
	o := Default()
	o.ApplyTransType(TransTypeFile)
	assert.False(t, o.TSBPDMode)
	assert.False(t, o.TLPktDrop)
}
