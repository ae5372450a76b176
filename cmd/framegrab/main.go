//go:build linux

// Command framegrab is a consumer for framebrokerd's local socket: it grabs
// frames, optionally dumps one to disk, hands them back and reports cadence.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/control"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/engine"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/transport/ipc"
)

func main() {
	socket := flag.String("socket", "/run/framebroker/framebroker.sock", "Broker socket path")
	count := flag.Int("count", 100, "Frames to grab (0 = until interrupted)")
	timeout := flag.Duration("timeout", time.Second, "Per-grab timeout")
	dump := flag.String("dump", "", "Write the planes of the first frame to this file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *socket, *count, *timeout, *dump); err != nil {
		slog.Error("framegrab failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, socket string, count int, timeout time.Duration, dump string) error {
	client, err := ipc.Dial(socket)
	if err != nil {
		return err
	}
	defer client.Close()

	info, err := client.Info()
	if err != nil {
		return err
	}
	slog.Info("connected to broker", "socket", socket, "decoded", info.Decoded, "ready", info.Ready)

	var (
		stamps   []time.Time
		seqs     []uint64
		timeouts int
		start    = time.Now()
	)

	for count == 0 || len(stamps) < count {
		if ctx.Err() != nil {
			break
		}

		frame, err := client.GrabFrame(timeout)
		switch {
		case errors.Is(err, engine.ErrTimeout):
			timeouts++
			slog.Warn("grab timed out", "timeout", timeout)
			continue
		case errors.Is(err, control.ErrNoFrameAvailable):
			continue
		case err != nil:
			return err
		}

		stamps = append(stamps, time.Unix(0, frame.Info.UnixNanos))
		seqs = append(seqs, frame.Info.Seq)

		slog.Debug("frame grabbed",
			"seq", frame.Info.Seq,
			"slot", frame.Info.Slot,
			"trace_id", frame.Info.TraceID,
			"size", frame.Info.Size,
		)

		if dump != "" && len(stamps) == 1 {
			if err := writePlanes(dump, frame.Planes); err != nil {
				slog.Warn("failed to dump frame", "path", dump, "error", err)
			} else {
				slog.Info("frame dumped", "path", dump, "format", frame.Info.Format,
					"resolution", fmt.Sprintf("%dx%d", frame.Info.Width, frame.Info.Height))
			}
		}

		if _, err := client.PutFrame(frame.Info.Token); err != nil {
			return err
		}
	}

	st := computeStats(stamps, seqs, time.Since(start))
	slog.Info("grab complete",
		"frames", st.Frames,
		"timeouts", timeouts,
		"duration", st.Duration.Round(time.Millisecond),
		"fps_mean", fmt.Sprintf("%.2f", st.FPSMean),
		"fps_stddev", fmt.Sprintf("%.2f", st.FPSStdDev),
		"fps_range", fmt.Sprintf("%.1f-%.1f", st.FPSMin, st.FPSMax),
		"seq_gaps", st.SeqGaps,
		"stable", st.IsStable,
	)

	if bs, err := client.Stats(); err == nil {
		slog.Info("broker stats",
			"live_handles", bs.LiveHandles,
			"generation", bs.Generation,
			"grabs", bs.Grabs,
			"rejected_puts", bs.RejectedPuts,
			"sessions", bs.Sessions,
		)
	}
	return nil
}

// writePlanes writes planes back to back (I420/NV12 raw layout).
func writePlanes(path string, planes [][]byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	for _, p := range planes {
		if _, err := f.Write(p); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}
