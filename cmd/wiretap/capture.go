package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/sweeney/telephony-policy/internal/bus"
	"github.com/sweeney/telephony-policy/internal/capture"
)

func newCaptureCmd() *cobra.Command {
	var (
		busType string
		outDir  string
	)
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Record channel and policy signals until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runCapture(ctx, busType, outDir, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&busType, "bus", "system", "bus to listen on (system or session)")
	cmd.Flags().StringVar(&outDir, "outdir", "testdata/captures", "output directory for captures")
	return cmd
}

func runCapture(ctx context.Context, busType, outDir string, out io.Writer) error {
	conn, err := bus.Connect(busType)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := bus.Subscribe(conn); err != nil {
		return err
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	filename := filepath.Join(outDir, time.Now().Format("20060102-150405")+".jsonl")
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(out, "writing to %s (ctrl+c to stop)\n", filename)
	signals := make(chan *dbus.Signal, 64)
	conn.Signal(signals)

	n, err := record(ctx, signals, capture.NewWriter(f), time.Now, out)
	fmt.Fprintf(out, "captured %d signals\n", n)
	return err
}

// record writes signals until ctx is done or the channel closes.
// Signals the capture format cannot carry are reported and skipped.
func record(ctx context.Context, signals <-chan *dbus.Signal, w *capture.Writer, now func() time.Time, out io.Writer) (int, error) {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n, nil
		case sig, ok := <-signals:
			if !ok {
				return n, nil
			}
			e, err := capture.FromSignal(sig, now())
			if err != nil {
				fmt.Fprintf(out, "skipping %s: %v\n", sig.Name, err)
				continue
			}
			if err := w.Write(e); err != nil {
				return n, err
			}
			n++
		}
	}
}
