// Command connectx claims a ConnectX-4 port, brings the link up, and
// forwards traffic: frames arriving on the port are counted and
// discarded, and optionally a synthetic load is blasted out.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/c35s/connectx/app"
	"github.com/c35s/connectx/connectx"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func main() {

	var (
		pciAddr  = flag.String("pci", "", "PCI address of the ConnectX function (required)")
		macStr   = flag.String("mac", "", "override the port MAC address")
		sendq    = flag.Int("sendq", 1024, "send queue size (power of two)")
		recvq    = flag.Int("recvq", 1024, "receive queue size (power of two)")
		generate = flag.Bool("generate", false, "blast synthetic 64-byte frames")
		dump     = flag.Bool("dump", false, "hexdump firmware commands to stderr")
	)

	flag.Parse()

	if *pciAddr == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := connectx.Config{
		PCIAddress: *pciAddr,
		SendQSize:  *sendq,
		RecvQSize:  *recvq,
	}

	if *macStr != "" {
		mac, err := net.ParseMAC(*macStr)
		if err != nil {
			panic(err)
		}

		cfg.MAC = mac
	}

	if *dump {
		cfg.DumpCommands = os.Stderr
	}

	nic, err := connectx.Open(cfg)
	if err != nil {
		panic(err)
	}

	if err := nic.Up(); err != nil {
		panic(err)
	}

	nic.Input = new(app.Link)
	nic.Output = new(app.Link)

	var eng app.Engine
	eng.Add(&sink{in: nic.Output})

	if *generate {
		eng.Add(&source{out: nic.Input, src: nic.MAC()})
	}

	eng.Add(nic)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := eng.Run(ctx)
		if err == context.Canceled {
			return nil
		}

		return err
	})

	if term.IsTerminal(int(os.Stdout.Fd())) {
		g.Go(func() error {
			return printStats(ctx, nic)
		})
	}

	if err := g.Wait(); err != nil {
		panic(err)
	}
}

// source fills its output link with minimal broadcast frames.
type source struct {
	out *app.Link
	src net.HardwareAddr
	seq uint32
}

func (s *source) Push() {}

func (s *source) Pull() {
	f := make([]byte, 64)
	copy(f[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(f[6:12], s.src)
	f[12], f[13] = 0x08, 0x00

	for !s.out.Full() {
		f[14] = byte(s.seq >> 8)
		f[15] = byte(s.seq)
		s.seq++

		s.out.Transmit(app.NewPacket(f))
	}
}

// sink drains and discards its input link.
type sink struct {
	in *app.Link
}

func (s *sink) Pull() {}

func (s *sink) Push() {
	for s.in.Receive() != nil {
	}
}

func printStats(ctx context.Context, nic *connectx.NIC) error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	var lastRx, lastTx uint64

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil

		case <-tick.C:
			rx, tx := nic.RxPackets, nic.TxPackets
			fmt.Printf("\rrx %d pps  tx %d pps  drop %d   ",
				rx-lastRx, tx-lastTx, nic.RxDrop)

			lastRx, lastTx = rx, tx
		}
	}
}
