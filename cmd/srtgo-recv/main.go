// Command srtgo-recv is a demo CLI that accepts a single UDP peer,
// reassembles messages through internal/rcvbuffer (with TSBPD release and
// FEC-rebuilt packet intake via internal/fec), ACKs received data back to
// the sender, and writes delivered messages to stdout, grounded on
// tools/uping/cmd/uping-recv/main.go's flag/logging/shutdown shape.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/haivision/srtgo/internal/config"
	"github.com/haivision/srtgo/internal/demoproto"
	"github.com/haivision/srtgo/internal/fec"
	"github.com/haivision/srtgo/internal/metrics"
	"github.com/haivision/srtgo/internal/packet"
	"github.com/haivision/srtgo/internal/rcvbuffer"
	"github.com/haivision/srtgo/internal/seq"
)

func main() {
	var (
		listenAddr   string
		latencyMs    int
		packetFilter string
		ackEvery     time.Duration
		dropEvery    time.Duration
		verbose      bool
	)

	pflag.StringVarP(&listenAddr, "listen", "l", "", "local UDP address to listen on (required)")
	pflag.IntVar(&latencyMs, "latency", 120, "TSBPD latency in milliseconds")
	pflag.StringVar(&packetFilter, "packetfilter", "", "PACKETFILTER string, must match the sender's")
	pflag.DurationVar(&ackEvery, "ack-interval", 20*time.Millisecond, "how often to send an ACK")
	pflag.DurationVar(&dropEvery, "drop-interval", 100*time.Millisecond, "how often to run the too-late-drop sweep")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "enable verbose logs")
	pflag.Parse()

	if listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen is required")
		pflag.Usage()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := config.Default()
	if err := opts.SetLatency(latencyMs); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if packetFilter != "" {
		if err := opts.SetPacketFilter(packetFilter); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(2)
		}
	}

	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad --listen address: %v\n", err)
		os.Exit(2)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to listen: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	buf := rcvbuffer.New(rcvbuffer.Config{
		Clock:      clock,
		Latency:    opts.Latency,
		TSBPD:      opts.TSBPDMode,
		InitialSeq: seq.Number(0),
	})

	var fecRecv *fec.Receiver
	if opts.FEC != nil {
		fecRecv = fec.NewReceiver(*opts.FEC, seq.Number(0), opts.RcvBufPkt, log)
	}

	peer := newPeerTracker()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return readLoop(gctx, conn, buf, fecRecv, peer, log) })
	g.Go(func() error { return ackLoop(gctx, conn, buf, peer, ackEvery) })
	g.Go(func() error { return dropLoop(gctx, buf, dropEvery, clock) })
	g.Go(func() error { return deliverLoop(gctx, buf, clock, os.Stdout) })

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "srtgo-recv: %v\n", err)
		os.Exit(1)
	}
}

// peerTracker remembers the most recently seen sender address, since this
// demo serves exactly one peer at a time. Read from the ack-sender goroutine
// and written from the read loop, hence the atomic pointer.
type peerTracker struct {
	addr atomic.Pointer[net.UDPAddr]
}

func newPeerTracker() *peerTracker { return &peerTracker{} }

func (p *peerTracker) set(addr *net.UDPAddr) { p.addr.Store(addr) }
func (p *peerTracker) get() *net.UDPAddr     { return p.addr.Load() }

func readLoop(ctx context.Context, conn *net.UDPConn, buf *rcvbuffer.Buffer, fecRecv *fec.Receiver, peer *peerTracker, log *slog.Logger) error {
	rbuf := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := conn.ReadFromUDP(rbuf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return nil
		}
		peer.set(addr)

		hdr, err := packet.Unmarshal(rbuf[:n])
		if err != nil {
			log.Warn("srtgo-recv: bad header", "err", err)
			continue
		}
		payload := append([]byte(nil), rbuf[packet.HeaderSize:n]...)

		if hdr.Control {
			if hdr.ControlType == packet.ControlTypeFilter && fecRecv != nil {
				handleFEC(buf, fecRecv, hdr, payload)
			}
			continue
		}

		if fecRecv != nil {
			fecRecv.HangVertical(hdr.Seq, payload, len(payload), 0, hdr.TimestampUs, false)
			fecRecv.HangHorizontal(hdr.Seq, payload, len(payload), 0, hdr.TimestampUs, false, hdr.Msg.InOrder())
		}
		srcTime := time.UnixMicro(int64(hdr.TimestampUs))
		buf.Insert(hdr.Seq, payload, hdr.Msg, srcTime)
	}
}

func handleFEC(buf *rcvbuffer.Buffer, fecRecv *fec.Receiver, hdr *packet.Header, payload []byte) {
	fh, err := packet.UnmarshalFilterHeader(payload)
	if err != nil || len(payload) < packet.FilterHeaderSize {
		return
	}
	data := payload[packet.FilterHeaderSize:]
	var rebuilt *fec.RebuiltPacket
	if fh.Index < 0 {
		rebuilt = fecRecv.HangHorizontal(hdr.Seq, data, len(data), fh.EncFlagXor, hdr.TimestampUs, true, hdr.Msg.InOrder())
	} else {
		rebuilt = fecRecv.HangVertical(hdr.Seq, data, len(data), fh.EncFlagXor, hdr.TimestampUs, true)
	}
	if rebuilt != nil {
		metrics.FECPacketsRebuiltTotal.Inc()
		buf.InsertRebuilt(rebuilt, time.UnixMicro(int64(rebuilt.TimestampUs)))
	}
}

func ackLoop(ctx context.Context, conn *net.UDPConn, buf *rcvbuffer.Buffer, peer *peerTracker, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			addr := peer.get()
			if addr == nil {
				continue
			}
			ackSeq := buf.ContiguousAckSeq()
			hdr := packet.Header{Control: true, ControlType: demoproto.ControlTypeAck}
			out := make([]byte, packet.HeaderSize+4)
			if err := hdr.Marshal(out); err != nil {
				continue
			}
			copy(out[packet.HeaderSize:], demoproto.EncodeAck(ackSeq))
			conn.WriteToUDP(out, addr)
		}
	}
}

func dropLoop(ctx context.Context, buf *rcvbuffer.Buffer, every time.Duration, clock clockwork.Clock) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			count, bytes := buf.DropTooLate(clock.Now())
			if count > 0 {
				metrics.PacketsDroppedTotal.WithLabelValues("too_late").Add(float64(count))
				metrics.RcvBufferPackets.Set(float64(buf.Size()))
				_ = bytes
			}
		}
	}
}

func deliverLoop(ctx context.Context, buf *rcvbuffer.Buffer, clock clockwork.Clock, out *os.File) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			for {
				payload, _, ok := buf.ExtractMsg(clock.Now())
				if !ok {
					break
				}
				out.Write(payload)
			}
			metrics.RcvBufferPackets.Set(float64(buf.Size()))
		}
	}
}
