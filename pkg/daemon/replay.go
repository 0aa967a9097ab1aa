package daemon

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"

	"github.com/psaab/snfpath/pkg/dataplane"
	"github.com/psaab/snfpath/pkg/hooks"
	"github.com/psaab/snfpath/pkg/packet"
)

// ReplayResult counts the final verdict of every replayed frame.
type ReplayResult struct {
	Frames     uint64
	Passed     uint64
	Dropped    uint64
	Redirected uint64
	Errors     uint64
}

func (r ReplayResult) log() {
	slog.Info("replay complete",
		"frames", r.Frames,
		"passed", r.Passed,
		"dropped", r.Dropped,
		"redirected", r.Redirected,
		"errors", r.Errors)
}

type replayCounters struct {
	frames, passed, dropped, redirected, errors atomic.Uint64
}

func (c *replayCounters) result() ReplayResult {
	return ReplayResult{
		Frames:     c.frames.Load(),
		Passed:     c.passed.Load(),
		Dropped:    c.dropped.Load(),
		Redirected: c.redirected.Load(),
		Errors:     c.errors.Load(),
	}
}

func (d *Daemon) replayFile(ctx context.Context, path string) (ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayResult{}, err
	}
	defer f.Close()
	slog.Info("replaying capture", "file", path, "ifindex", d.opts.ReplayIfindex, "hooks", d.opts.ReplayHooks)
	return Replay(ctx, d.dp, f, ReplayConfig{
		Ifindex: d.opts.ReplayIfindex,
		Hooks:   d.opts.ReplayHooks,
		Workers: d.opts.ReplayWorkers,
	})
}

// ReplayConfig configures Replay.
type ReplayConfig struct {
	Ifindex uint32
	Hooks   []string
	Workers int // default runtime.NumCPU()
}

// Replay feeds every frame of a pcap stream through the hook chain on a
// pool of workers, so frames hit the hooks concurrently the way they do on
// a multi-queue NIC. A drop or redirect verdict ends a frame's chain.
func Replay(ctx context.Context, dp dataplane.DataPlane, r io.Reader, cfg ReplayConfig) (ReplayResult, error) {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	chain := cfg.Hooks
	if len(chain) == 0 {
		chain = DefaultReplayHooks
	}

	var c replayCounters
	frames := make(chan []byte, workers*4)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for data := range frames {
				runChain(dp, chain, cfg.Ifindex, data, &c)
			}
		}()
	}

	_, err := packet.Replay(ctx, r, func(data []byte, _ gopacket.CaptureInfo) {
		select {
		case frames <- data:
		case <-ctx.Done():
		}
	})
	close(frames)
	wg.Wait()
	return c.result(), err
}

// runChain runs one frame through the chain and records its final verdict.
func runChain(dp dataplane.DataPlane, chain []string, ifindex uint32, data []byte, c *replayCounters) {
	c.frames.Add(1)
	p := hooks.Packet{Data: data, Ifindex: ifindex, Protocol: frameProtocol(data)}
	for _, name := range chain {
		v, err := dp.Dispatch(name, p)
		if err != nil {
			c.errors.Add(1)
			if errors.Is(err, dataplane.ErrUnsupported) || errors.Is(err, dataplane.ErrUnknownHook) {
				slog.Debug("replay: hook unavailable", "hook", name, "err", err)
			}
			return
		}
		switch v.Action {
		case hooks.Drop:
			c.dropped.Add(1)
			return
		case hooks.Redirect:
			c.redirected.Add(1)
			return
		}
	}
	c.passed.Add(1)
}

// frameProtocol is the EtherType the attach point would report, or 0 for
// a runt frame.
func frameProtocol(data []byte) uint16 {
	if len(data) < packet.EthHdrLen {
		return 0
	}
	return binary.BigEndian.Uint16(data[2*packet.ETHAlen : packet.EthHdrLen])
}

func (r ReplayResult) String() string {
	return fmt.Sprintf("%d frames: %d passed, %d dropped, %d redirected, %d errors",
		r.Frames, r.Passed, r.Dropped, r.Redirected, r.Errors)
}
