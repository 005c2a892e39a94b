// Command srtgo-send is a demo CLI that reads data from stdin, frames it
// through internal/sndbuffer, and reliably streams it to a peer over UDP,
// using internal/epoll to signal outgoing-data readiness while a separate
// goroutine reads incoming ACK control packets, grounded on
// tools/uping/cmd/uping-send/main.go's flag/logging/shutdown shape.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/haivision/srtgo/internal/config"
	"github.com/haivision/srtgo/internal/demoproto"
	"github.com/haivision/srtgo/internal/epoll"
	"github.com/haivision/srtgo/internal/fec"
	"github.com/haivision/srtgo/internal/metrics"
	"github.com/haivision/srtgo/internal/packet"
	"github.com/haivision/srtgo/internal/seq"
	"github.com/haivision/srtgo/internal/sndbuffer"
)

const dataUsockID = 1

func main() {
	var (
		listenAddr  string
		connectAddr string
		mss         int
		latencyMs   int
		packetFilter string
		rexmitEvery time.Duration
		rateLogEvery time.Duration
		verbose     bool
	)

	pflag.StringVarP(&listenAddr, "listen", "l", ":0", "local UDP address to bind")
	pflag.StringVarP(&connectAddr, "connect", "c", "", "remote UDP address to send to (required)")
	pflag.IntVar(&mss, "mss", 1500, "maximum segment size in bytes")
	pflag.IntVar(&latencyMs, "latency", 120, "TSBPD latency in milliseconds")
	pflag.StringVar(&packetFilter, "packetfilter", "", "PACKETFILTER string, e.g. fec,cols:10,rows:4")
	pflag.DurationVar(&rexmitEvery, "rexmit-interval", 200*time.Millisecond, "minimum interval between rexmit attempts for the same loss")
	pflag.DurationVar(&rateLogEvery, "rate-log-interval", 2*time.Second, "how often to log rate estimates")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "enable verbose logs")
	pflag.Parse()

	if connectAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --connect is required")
		pflag.Usage()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := config.Default()
	if err := opts.SetMSS(mss); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := dialWithBackoff(ctx, listenAddr, connectAddr, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to dial: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	clock := clockwork.NewRealClock()
	buf := sndbuffer.New(sndbuffer.Config{
		Logger:         log,
		Clock:          clock,
		PktPayloadSize: opts.MSS - packet.HeaderSize,
		FullHeaderSize: packet.HeaderSize + 28,
	})

	epollMgr := epoll.NewManager(clock)
	eid, err := epollMgr.Create(epoll.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create epoll: %v\n", err)
		os.Exit(1)
	}
	defer epollMgr.Release(eid)
	if err := epollMgr.AddUsock(eid, dataUsockID, epoll.EventOut|epoll.EventIn); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register usock: %v\n", err)
		os.Exit(1)
	}

	var fecSender *fec.Sender
	if opts.FEC != nil {
		fecSender = fec.NewSender(*opts.FEC, seq.Number(0))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return readStdinIntoBuffer(gctx, buf, opts, epollMgr, eid)
	})
	g.Go(func() error {
		return readAcks(gctx, conn, buf, log)
	})
	g.Go(func() error {
		return sendLoop(gctx, conn, buf, epollMgr, eid, fecSender, rexmitEvery, log)
	})
	g.Go(func() error {
		return logRates(gctx, buf, rateLogEvery, log)
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "srtgo-send: %v\n", err)
		os.Exit(1)
	}
}

func dialWithBackoff(ctx context.Context, listenAddr, connectAddr string, log *slog.Logger) (*net.UDPConn, error) {
	var conn *net.UDPConn
	op := func() error {
		local, err := net.ResolveUDPAddr("udp", listenAddr)
		if err != nil {
			return backoff.Permanent(err)
		}
		remote, err := net.ResolveUDPAddr("udp", connectAddr)
		if err != nil {
			return backoff.Permanent(err)
		}
		c, err := net.DialUDP("udp", local, remote)
		if err != nil {
			log.Warn("srtgo-send: dial failed, retrying", "err", err)
			return err
		}
		conn = c
		return nil
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return conn, nil
}

// readStdinIntoBuffer frames stdin into messages and feeds them to buf,
// flagging the data usock OUT-ready whenever new data lands.
func readStdinIntoBuffer(ctx context.Context, buf *sndbuffer.Buffer, opts config.Options, m *epoll.Manager, eid epoll.EID) error {
	r := bufio.NewReaderSize(os.Stdin, opts.PayloadSize*8)
	chunk := make([]byte, opts.PayloadSize*8)
	nextSeq := seq.Number(0)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := r.Read(chunk)
		if n > 0 {
			added, addErr := buf.AddBuffer(chunk[:n], sndbuffer.Ctrl{
				Mode:    sndbuffer.ModeMessage,
				InOrder: true,
				TTL:     sndbuffer.TTLInfinite,
			}, nextSeq)
			if addErr != nil {
				return fmt.Errorf("addbuffer: %w", addErr)
			}
			nextSeq = seq.Inc(nextSeq, added)
			_ = m.UpdateEvents(dataUsockID, []epoll.EID{eid}, epoll.EventOut, true)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func readAcks(ctx context.Context, conn *net.UDPConn, buf *sndbuffer.Buffer, log *slog.Logger) error {
	rbuf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := conn.Read(rbuf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return nil
		}
		hdr, err := packet.Unmarshal(rbuf[:n])
		if err != nil || !hdr.Control || hdr.ControlType != demoproto.ControlTypeAck {
			continue
		}
		ackSeq, err := demoproto.DecodeAck(rbuf[packet.HeaderSize:n])
		if err != nil {
			continue
		}
		if buf.Revoke(ackSeq) {
			log.Debug("srtgo-send: revoked acked packets", "ack", uint32(ackSeq))
		}
	}
}

func sendLoop(ctx context.Context, conn *net.UDPConn, buf *sndbuffer.Buffer, m *epoll.Manager, eid epoll.EID, fecSender *fec.Sender, rexmitEvery time.Duration, log *slog.Logger) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sentAny := false

		if pkt, _, ok, err := buf.ExtractUniquePacket(0); err == nil && ok {
			sentAny = true
			if err := sendDataPacket(conn, pkt); err != nil {
				log.Warn("srtgo-send: write failed", "err", err)
			}
			if fecSender != nil {
				fecSender.FeedSource(pkt.Seq, pkt.Payload, len(pkt.Payload), uint8(pkt.MsgFlags.Key()), uint32(pkt.Origin.UnixMicro()))
				if cp, ok := fecSender.PackControlPacket(pkt.Seq); ok {
					if err := sendFilterPacket(conn, cp); err != nil {
						log.Warn("srtgo-send: filter packet write failed", "err", err)
					}
				}
			}
			buf.ReleasePacket(pkt.Seq)
		}

		if pkt, drops, ok := buf.ExtractFirstRexmitPacket(rexmitEvery); ok {
			sentAny = true
			metrics.RetransmitsTotal.Inc()
			if err := sendDataPacket(conn, pkt); err != nil {
				log.Warn("srtgo-send: rexmit write failed", "err", err)
			}
			for _, d := range drops {
				log.Debug("srtgo-send: dropped expired range", "lo", uint32(d.Lo), "hi", uint32(d.Hi))
			}
		}

		if !sentAny {
			_ = m.UpdateEvents(dataUsockID, []epoll.EID{eid}, epoll.EventOut, false)
			if _, err := m.Wait(ctx, eid, 50*time.Millisecond); err != nil {
				continue
			}
		}
	}
}

func sendDataPacket(conn *net.UDPConn, pkt sndbuffer.ExtractedPacket) error {
	hdr := packet.Header{
		Seq:         pkt.Seq,
		Msg:         pkt.MsgFlags,
		TimestampUs: uint32(pkt.Origin.UnixMicro()),
	}
	out := make([]byte, packet.HeaderSize+len(pkt.Payload))
	if err := hdr.Marshal(out); err != nil {
		return err
	}
	copy(out[packet.HeaderSize:], pkt.Payload)
	_, err := conn.Write(out)
	return err
}

// sendFilterPacket writes a completed FEC control packet (row or column
// parity) as a ControlTypeFilter packet, the filter header immediately
// following the 16-byte wire header.
func sendFilterPacket(conn *net.UDPConn, cp fec.ControlPacket) error {
	hdr := packet.Header{
		Control:     true,
		ControlType: packet.ControlTypeFilter,
		TimestampUs: cp.TimestampUs,
	}
	out := make([]byte, packet.HeaderSize+packet.FilterHeaderSize+len(cp.Payload))
	if err := hdr.Marshal(out); err != nil {
		return err
	}
	if err := cp.Header.Marshal(out[packet.HeaderSize:]); err != nil {
		return err
	}
	copy(out[packet.HeaderSize+packet.FilterHeaderSize:], cp.Payload)
	_, err := conn.Write(out)
	return err
}

func logRates(ctx context.Context, buf *sndbuffer.Buffer, every time.Duration, log *slog.Logger) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			metrics.InputRateBps.Set(buf.InputRateBps())
			metrics.SendRateBps.Set(buf.SendRateBps())
			metrics.SndBufferBytes.Set(float64(buf.BytesInBuffer()))
			metrics.SndBufferPackets.Set(float64(buf.Size()))
			log.Debug("srtgo-send: rate", "input_bps", buf.InputRateBps(), "send_bps", buf.SendRateBps(), "queued", buf.Size())
		}
	}
}
