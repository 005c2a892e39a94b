// Package fec implements the row/column XOR packet-filter subsystem
// (spec.md §4.F): sender-side group accumulation and control-packet
// packing, and receiver-side cell tracking, rebuild, large-drop recovery,
// emergency shrink, and series dismissal.
package fec

import (
	"log/slog"

	"github.com/haivision/srtgo/internal/packet"
	"github.com/haivision/srtgo/internal/seq"
)

// Layout selects how column groups are staggered across the matrix.
type Layout int

const (
	LayoutEven Layout = iota
	LayoutStaircase
)

// ArqLevel configures which irrecoverable losses are reported back to the
// enclosing reliable layer for retransmission request.
type ArqLevel int

const (
	ArqNever ArqLevel = iota
	ArqOnReq
	ArqAlways
)

// minSeriesHistory bounds, and SRT_FEC_MAX_RCV_HISTORY hard-bounds, the
// number of column series the receiver retains (spec.md §4.F).
const maxRcvHistory = 10

// Config is the parsed `fec,cols:N[,rows:M][,layout:...][,arq:...]`
// filter string (spec.md §4.F; the string grammar itself lives in
// internal/config).
type Config struct {
	Cols        int
	Rows        int // may be negative: column parity only, no row parity
	Layout      Layout
	Arq         ArqLevel
	PayloadSize int
}

func (c Config) rowsAbs() int {
	if c.Rows == 0 {
		return 1
	}
	if c.Rows < 0 {
		return -c.Rows
	}
	return c.Rows
}

func (c Config) rowEnabled() bool { return c.Rows > 0 }
func (c Config) colEnabled() bool { return c.rowsAbs() > 1 }
func (c Config) matrixSize() int  { return c.rowsAbs() * c.Cols }

// group is one row or column accumulator (spec.md §3's "FEC group").
type group struct {
	base        seq.Number
	step        int // seqdiff between consecutive members
	drop        int // seqdiff between this group's base and the next series' same-index base
	collected   int
	fecReceived bool
	payloadXor  []byte
	lengthXor   uint16
	flagXor     uint8
	tsXor       uint32
	dismissed   bool
}

func newGroup(base seq.Number, step, drop, payloadSize int) group {
	return group{base: base, step: step, drop: drop, payloadXor: make([]byte, payloadSize)}
}

func (g *group) clip(payload []byte, length int, flagByte uint8, tsUs uint32) {
	n := len(g.payloadXor)
	if len(payload) < n {
		n = len(payload)
	}
	for i := 0; i < n; i++ {
		g.payloadXor[i] ^= payload[i]
	}
	g.lengthXor ^= uint16(length)
	g.flagXor ^= flagByte
	g.tsXor ^= tsUs
}

// configureColumns builds one series of cfg.Cols column groups starting at
// isn, following the reference implementation's diagonal stagger for
// staircase layouts (original_source/srtcore/fec.cpp ConfigureColumns):
// even arrangement lays columns out straight (base = isn+0, isn+1, ...);
// staircase shifts each subsequent column's base by cols+1 sequence
// numbers, except every rows-th column, which resets the shift back to
// row 0.
func configureColumns(cfg Config, isn seq.Number) []group {
	cols := make([]group, cfg.Cols)
	matrix := cfg.matrixSize()
	rows := cfg.rowsAbs()

	if cfg.Layout == LayoutEven {
		for i := 0; i < cfg.Cols; i++ {
			cols[i] = newGroup(seq.Inc(isn, i), cfg.Cols, matrix, cfg.PayloadSize)
		}
		return cols
	}

	offset := 0
	for col := 0; col < cfg.Cols; col++ {
		cols[col] = newGroup(seq.Inc(isn, offset), cfg.Cols, matrix, cfg.PayloadSize)
		if col%rows == rows-1 {
			offset = col + 1
		} else {
			offset += 1 + cfg.Cols
		}
	}
	return cols
}

// Sender maintains one row group and cfg.Cols column groups, per spec.md
// §4.F ("Sender side").
type Sender struct {
	cfg  Config
	row  group
	cols []group
}

// NewSender creates a sender's FEC state anchored at the first sequence
// number it will protect.
func NewSender(cfg Config, isn seq.Number) *Sender {
	s := &Sender{cfg: cfg}
	s.row = newGroup(isn, 1, cfg.Cols, cfg.PayloadSize)
	if cfg.colEnabled() {
		s.cols = configureColumns(cfg, isn)
	}
	return s
}

func (s *Sender) colIndex(pktSeq seq.Number) int {
	off := seq.Off(s.row.base, pktSeq)
	return ((off % s.cfg.Cols) + s.cfg.Cols) % s.cfg.Cols
}

// FeedSource folds a just-scheduled data packet into the row group (if row
// parity is enabled) and its column group (if column parity is enabled).
func (s *Sender) FeedSource(pktSeq seq.Number, payload []byte, length int, flagByte uint8, tsUs uint32) {
	if s.cfg.rowEnabled() {
		s.row.clip(payload, length, flagByte, tsUs)
		s.row.collected++
	}
	if s.cfg.colEnabled() {
		g := &s.cols[s.colIndex(pktSeq)]
		g.clip(payload, length, flagByte, tsUs)
		g.collected++
	}
}

// ControlPacket is a ready-to-send FEC control packet.
type ControlPacket struct {
	Header      packet.FilterHeader
	Payload     []byte
	TimestampUs uint32
}

// PackControlPacket checks whether the column group covering pktSeq (or
// else the row group) has just completed, emitting and resetting it if so.
// Columns are checked first per spec.md §4.F step ordering.
func (s *Sender) PackControlPacket(pktSeq seq.Number) (ControlPacket, bool) {
	if s.cfg.colEnabled() {
		idx := s.colIndex(pktSeq)
		g := &s.cols[idx]
		if g.collected >= s.cfg.rowsAbs() {
			cp := ControlPacket{
				Header:      packet.FilterHeader{Index: int8(idx), EncFlagXor: g.flagXor, LengthXor: g.lengthXor},
				Payload:     append([]byte(nil), g.payloadXor...),
				TimestampUs: g.tsXor,
			}
			newBase := seq.Inc(g.base, g.drop)
			*g = newGroup(newBase, g.step, g.drop, s.cfg.PayloadSize)
			return cp, true
		}
	}
	if s.cfg.rowEnabled() && s.row.collected >= s.cfg.Cols {
		cp := ControlPacket{
			Header:      packet.FilterHeader{Index: -1, EncFlagXor: s.row.flagXor, LengthXor: s.row.lengthXor},
			Payload:     append([]byte(nil), s.row.payloadXor...),
			TimestampUs: s.row.tsXor,
		}
		newBase := seq.Inc(s.row.base, s.cfg.Cols)
		s.row = newGroup(newBase, 1, s.cfg.Cols, s.cfg.PayloadSize)
		return cp, true
	}
	return ControlPacket{}, false
}

// CellMode selects how MarkCellReceived treats the target bit.
type CellMode int

const (
	CellReceived CellMode = iota
	CellRemove
	CellExtend
)

// RebuiltPacket is a packet recovered by XOR reversal, ready for insertion
// into the receive buffer.
type RebuiltPacket struct {
	Seq         seq.Number
	Payload     []byte
	Length      int
	MsgFlags    packet.MsgFlags
	TimestampUs uint32
}

// Stats exposes counters an external metrics layer can read.
type Stats struct {
	SeriesDropped   int
	LargeDropsSeen  int
	PacketsRebuilt  int
}

// Receiver tracks arrival state across a cell bitmap, a grow-on-demand row
// queue, and a preallocated-per-series column queue (spec.md §4.F
// "Receiver side").
type Receiver struct {
	cfg    Config
	log    *slog.Logger
	rcvBuf int // rcv_buffer_size, for emergency-shrink size checks

	cellBase seq.Number
	cells    []bool

	rowq []group
	colq []group

	lastInOrder bool
	stats       Stats
}

// NewReceiver creates a receiver's FEC state anchored at the first
// in-series sequence number. rcvBufferSize feeds the emergency-shrink size
// bound (spec.md §4.F).
func NewReceiver(cfg Config, isn seq.Number, rcvBufferSize int, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Receiver{cfg: cfg, log: logger, rcvBuf: rcvBufferSize, cellBase: isn}
	r.rowq = []group{newGroup(isn, 1, cfg.Cols, cfg.PayloadSize)}
	if cfg.colEnabled() {
		r.colq = configureColumns(cfg, isn)
	}
	return r
}

// Stats returns a snapshot of the receiver's bookkeeping counters.
func (r *Receiver) Stats() Stats { return r.stats }

// MarkCellReceived sets, clears, or merely extends storage for the cell at
// seq, per spec.md §4.F.
func (r *Receiver) MarkCellReceived(s seq.Number, mode CellMode) {
	off := seq.Off(r.cellBase, s)
	if off < 0 {
		return
	}
	if off >= len(r.cells) {
		r.cells = append(r.cells, make([]bool, off+1-len(r.cells))...)
	}
	switch mode {
	case CellReceived:
		r.cells[off] = true
	case CellRemove:
		r.cells[off] = false
	case CellExtend:
	}
}

func (r *Receiver) cellIsSet(s seq.Number) bool {
	off := seq.Off(r.cellBase, s)
	return off >= 0 && off < len(r.cells) && r.cells[off]
}

// rowIndexFor locates (extending rowq on demand) the row group covering s.
func (r *Receiver) rowIndexFor(s seq.Number) (idx, within int, ok bool) {
	off := seq.Off(r.rowq[0].base, s)
	if off < 0 {
		return 0, 0, false
	}
	idx = off / r.cfg.Cols
	within = off % r.cfg.Cols
	for idx >= len(r.rowq) {
		last := r.rowq[len(r.rowq)-1]
		r.rowq = append(r.rowq, newGroup(seq.Inc(last.base, r.cfg.Cols), 1, r.cfg.Cols, r.cfg.PayloadSize))
	}
	return idx, within, true
}

// HangHorizontal clips a data or FEC control packet into its row group,
// rebuilding the single missing packet by XOR reversal once the row has
// cols-1 data packets and its control packet collected.
func (r *Receiver) HangHorizontal(pktSeq seq.Number, payload []byte, length int, flagByte uint8, tsUs uint32, isFec, inOrder bool) *RebuiltPacket {
	r.CheckLargeDrop(pktSeq)
	idx, _, ok := r.rowIndexFor(pktSeq)
	if !ok {
		return nil
	}
	g := &r.rowq[idx]
	if g.dismissed {
		return nil
	}
	g.clip(payload, length, flagByte, tsUs)
	if isFec {
		g.fecReceived = true
	} else {
		g.collected++
		r.MarkCellReceived(pktSeq, CellReceived)
		r.lastInOrder = inOrder
	}
	if g.collected != r.cfg.Cols-1 || !g.fecReceived {
		return nil
	}

	missingWithin := -1
	for w := 0; w < r.cfg.Cols; w++ {
		if !r.cellIsSet(seq.Inc(g.base, w)) {
			missingWithin = w
			break
		}
	}
	if missingWithin == -1 {
		return nil
	}
	missingSeq := seq.Inc(g.base, missingWithin)
	rebuiltLen := int(g.lengthXor)
	rebuilt := append([]byte(nil), g.payloadXor...)
	if rebuiltLen <= len(rebuilt) {
		rebuilt = rebuilt[:rebuiltLen]
	}
	r.MarkCellReceived(missingSeq, CellReceived)
	r.stats.PacketsRebuilt++
	return &RebuiltPacket{
		Seq:         missingSeq,
		Payload:     rebuilt,
		Length:      rebuiltLen,
		MsgFlags:    packet.NewMsgFlags(packet.BoundarySolo, r.lastInOrder, packet.KeyNoEnc, true, 0),
		TimestampUs: g.tsXor,
	}
}

// colIndexFor locates (extending colq one series at a time on demand) the
// column group covering s. The series number is recomputed against
// colq[colx]'s CURRENT base on every iteration, so a mid-loop
// shrinkIfNeeded (which rebases colq to just its newest series) is always
// reflected correctly instead of leaving the loop reasoning about a stale
// base.
func (r *Receiver) colIndexFor(s seq.Number) (idx int, ok bool) {
	offRow := seq.Off(r.rowq[0].base, s)
	if offRow < 0 {
		return 0, false
	}
	colx := ((offRow % r.cfg.Cols) + r.cfg.Cols) % r.cfg.Cols
	matrix := r.cfg.matrixSize()

	for {
		curBase := r.colq[colx].base
		curOff := seq.Off(curBase, s)
		if curOff < 0 {
			return 0, false
		}
		nSeries := len(r.colq) / r.cfg.Cols
		curSeries := curOff / matrix
		if curSeries < nSeries {
			return curSeries*r.cfg.Cols + colx, true
		}
		r.extendColSeries()
		r.shrinkIfNeeded()
	}
}

func (r *Receiver) extendColSeries() {
	n := len(r.colq)
	lastStart := n - r.cfg.Cols
	matrix := r.cfg.matrixSize()
	for k := 0; k < r.cfg.Cols; k++ {
		old := r.colq[lastStart+k]
		r.colq = append(r.colq, newGroup(seq.Inc(old.base, matrix), r.cfg.Cols, matrix, r.cfg.PayloadSize))
	}
}

// HangVertical is the column analogue of HangHorizontal. A rebuild here
// may trigger one bounded row rebuild (feeding the recovered packet back
// into HangHorizontal), but never recurses past that single level.
func (r *Receiver) HangVertical(pktSeq seq.Number, payload []byte, length int, flagByte uint8, tsUs uint32, isFec bool) *RebuiltPacket {
	if !r.cfg.colEnabled() {
		return nil
	}
	idx, ok := r.colIndexFor(pktSeq)
	if !ok {
		return nil
	}
	g := &r.colq[idx]
	if g.dismissed {
		return nil
	}
	g.clip(payload, length, flagByte, tsUs)
	if isFec {
		g.fecReceived = true
	} else {
		g.collected++
		r.MarkCellReceived(pktSeq, CellReceived)
	}
	rows := r.cfg.rowsAbs()
	if g.collected != rows-1 || !g.fecReceived {
		return nil
	}

	missingPos := -1
	for w := 0; w < rows; w++ {
		if !r.cellIsSet(seq.Inc(g.base, w*r.cfg.Cols)) {
			missingPos = w
			break
		}
	}
	if missingPos == -1 {
		return nil
	}
	missingSeq := seq.Inc(g.base, missingPos*r.cfg.Cols)
	rebuiltLen := int(g.lengthXor)
	rebuilt := append([]byte(nil), g.payloadXor...)
	if rebuiltLen <= len(rebuilt) {
		rebuilt = rebuilt[:rebuiltLen]
	}
	r.MarkCellReceived(missingSeq, CellReceived)
	r.stats.PacketsRebuilt++
	rp := &RebuiltPacket{
		Seq:         missingSeq,
		Payload:     rebuilt,
		Length:      rebuiltLen,
		MsgFlags:    packet.NewMsgFlags(packet.BoundarySolo, r.lastInOrder, packet.KeyNoEnc, true, 0),
		TimestampUs: g.tsXor,
	}
	if further := r.HangHorizontal(missingSeq, rp.Payload, rp.Length, 0, rp.TimestampUs, false, r.lastInOrder); further != nil {
		return further
	}
	return rp
}

// CheckLargeDrop resets the row (and, if enabled, column) containers onto
// a fresh base when pktSeq lands far enough past the current coverage that
// growing the existing queues would be wasteful, per spec.md §4.F and
// original_source/srtcore/fec.cpp's row-only/column-aware large-drop
// checks.
func (r *Receiver) CheckLargeDrop(pktSeq seq.Number) {
	off := seq.Off(r.rowq[0].base, pktSeq)
	if off < 0 {
		return
	}

	if !r.cfg.colEnabled() {
		if off <= 5*r.cfg.Cols {
			return
		}
		rowdist := off / r.cfg.Cols
		newBase := seq.Inc(r.rowq[0].base, rowdist*r.cfg.Cols)
		r.log.Warn("fec: large drop detected, resetting row groups", "old_base", r.rowq[0].base, "new_base", newBase)
		r.stats.LargeDropsSeen++
		r.rowq = []group{newGroup(newBase, 1, r.cfg.Cols, r.cfg.PayloadSize)}
		r.cells = nil
		r.cellBase = newBase
		return
	}

	resetAnyway := off != seq.Off(r.colq[0].base, pktSeq)
	colx := ((off % r.cfg.Cols) + r.cfg.Cols) % r.cfg.Cols
	colBase := r.colq[colx].base
	coloff := seq.Off(colBase, pktSeq)
	if coloff < 0 {
		return
	}
	matrix := r.cfg.matrixSize()
	sizeInPackets := colx * r.cfg.rowsAbs()
	colSeries := coloff / matrix

	if !(sizeInPackets > r.rcvBuf/2 || colSeries > maxRcvHistory || resetAnyway) {
		return
	}
	newBase := seq.Inc(r.colq[0].base, (colSeries-1)*matrix)
	r.log.Warn("fec: large drop detected, resetting row and column groups", "old_base", r.colq[0].base, "new_base", newBase)
	r.stats.LargeDropsSeen++
	r.rowq = []group{newGroup(newBase, 1, r.cfg.Cols, r.cfg.PayloadSize)}
	r.colq = configureColumns(r.cfg, newBase)
	r.cells = nil
	r.cellBase = newBase
}

// minSeriesHistory returns the emergency-shrink series-count bound: 4 for
// staircase, 2 for even (spec.md §4.F).
func (r *Receiver) minSeriesHistory() int {
	if r.cfg.Layout == LayoutStaircase {
		return 4
	}
	return 2
}

// shrinkIfNeeded enforces the emergency-shrink bounds before a structural
// growth completes: if the column queue holds more series than allowed, or
// more than the cells the receive buffer could plausibly hold, every
// series but the newest is dropped and state is rebased consistently.
func (r *Receiver) shrinkIfNeeded() bool {
	if !r.cfg.colEnabled() {
		return false
	}
	nSeries := len(r.colq) / r.cfg.Cols
	if nSeries <= r.minSeriesHistory() && nSeries <= maxRcvHistory && len(r.cells) <= r.rcvBuf/2 {
		return false
	}
	keepFrom := len(r.colq) - r.cfg.Cols
	newSeriesBase := r.colq[keepFrom].base
	r.log.Warn("fec: emergency shrink, dropping older series", "series_kept_base", newSeriesBase)
	r.stats.SeriesDropped += nSeries - 1
	r.colq = append([]group(nil), r.colq[keepFrom:]...)
	r.rowq = []group{newGroup(newSeriesBase, 1, r.cfg.Cols, r.cfg.PayloadSize)}
	r.cells = nil
	r.cellBase = newSeriesBase
	return true
}

// DismissOldestSeries removes the oldest full series of column and row
// groups (plus the corresponding cell-bitmap prefix) once triggerSeq is at
// least one full matrix (even) or two matrices (staircase) past colq[0]'s
// base, per spec.md §4.F dismissal rule.
func (r *Receiver) DismissOldestSeries(triggerSeq seq.Number) bool {
	if !r.cfg.colEnabled() || len(r.colq) < 2*r.cfg.Cols {
		return false
	}
	matrix := r.cfg.matrixSize()
	threshold := matrix
	if r.cfg.Layout == LayoutStaircase {
		threshold = 2 * matrix
	}
	off := seq.Off(r.colq[0].base, triggerSeq)
	if off < threshold {
		return false
	}

	nextSeriesBase := r.colq[r.cfg.Cols].base
	if seq.Off(r.rowq[0].base, nextSeriesBase) < 0 || len(r.rowq) < matrix/r.cfg.Cols {
		// Row/column bases disagree at the dismissal point: safe reset.
		r.log.Warn("fec: row/column base mismatch at dismissal, resetting", "base", nextSeriesBase)
		r.rowq = []group{newGroup(nextSeriesBase, 1, r.cfg.Cols, r.cfg.PayloadSize)}
	} else {
		r.rowq = append([]group(nil), r.rowq[r.cfg.rowsAbs():]...)
	}
	r.colq = append([]group(nil), r.colq[r.cfg.Cols:]...)

	dropCells := seq.Off(r.cellBase, nextSeriesBase)
	if dropCells > 0 && dropCells <= len(r.cells) {
		r.cells = append([]bool(nil), r.cells[dropCells:]...)
	} else {
		r.cells = nil
	}
	r.cellBase = nextSeriesBase
	return true
}

// LossRange is a contiguous run of sequence numbers a row group has given
// up waiting for, reported for ONREQ retransmission.
type LossRange struct {
	Lo, Hi seq.Number
}

// CollectIrrecoverable walks row groups that have slipped at least 1/3 of
// a row past the current reference position, returning missing-cell
// ranges eligible for retransmission. It is a no-op under ArqNever.
func (r *Receiver) CollectIrrecoverable(refSeq seq.Number) []LossRange {
	if r.cfg.Arq == ArqNever {
		return nil
	}
	var out []LossRange
	slipThreshold := r.cfg.Cols / 3
	if slipThreshold < 1 {
		slipThreshold = 1
	}
	for i := range r.rowq {
		g := &r.rowq[i]
		if g.dismissed {
			continue
		}
		slip := seq.Off(g.base, refSeq) - r.cfg.Cols
		if slip < slipThreshold {
			continue
		}
		var open bool
		var lo seq.Number
		for w := 0; w < r.cfg.Cols; w++ {
			s := seq.Inc(g.base, w)
			set := r.cellIsSet(s)
			if !set && !open {
				open = true
				lo = s
			} else if set && open {
				out = append(out, LossRange{Lo: lo, Hi: seq.Dec(s)})
				open = false
			}
		}
		if open {
			out = append(out, LossRange{Lo: lo, Hi: seq.Inc(g.base, r.cfg.Cols-1)})
		}
	}
	return out
}
