package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sweeney/telephony-policy/internal/call"
	"github.com/sweeney/telephony-policy/internal/capture"
	"github.com/sweeney/telephony-policy/internal/factstore"
	"github.com/sweeney/telephony-policy/internal/policy"
	"github.com/sweeney/telephony-policy/internal/rules"
	"github.com/sweeney/telephony-policy/internal/tracker"
	"github.com/sweeney/telephony-policy/internal/wire"
)

type replayOptions struct {
	maxCalls int
	selfID   string
	verbose  bool
}

func newReplayCmd() *cobra.Command {
	var opts replayOptions
	cmd := &cobra.Command{
		Use:   "replay <capture>",
		Short: "Feed a capture through the tracker and print the decisions enforced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			entries, err := capture.Read(f)
			if err != nil {
				return err
			}
			return replay(cmd.Context(), entries, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().IntVar(&opts.maxCalls, "max-calls", 0, "reject new calls beyond this many (0 means no limit)")
	cmd.Flags().StringVar(&opts.selfID, "self-id", wire.DefaultSelfID, "initiator id of locally placed calls")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log tracker activity to stderr")
	return cmd
}

func replay(ctx context.Context, entries []capture.Entry, opts replayOptions, out, logOut io.Writer) error {
	if !opts.verbose {
		logOut = io.Discard
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))

	store := factstore.NewMemStore()
	resolver := rules.New(store, rules.WithMaxCalls(opts.maxCalls), rules.WithLogger(logger))
	transport := tracker.NewMockTransport()
	machine := tracker.New(policy.NewBridge(store, resolver, logger), transport,
		tracker.WithLogger(logger),
		tracker.WithSelfID(opts.selfID),
	)

	seen := 0
	for i, e := range entries {
		stamp := e.Time.Format("15:04:05")
		if req, ok := e.CallRequest(); ok {
			verdict := "deny"
			machine.HandleCallRequest(ctx, req, func(allow bool) {
				if allow {
					verdict = "allow"
				}
			})
			fmt.Fprintf(out, "%s CallRequest %s %s -> %s\n", stamp, call.ShortPath(req.Path), req.Direction, verdict)
			continue
		}

		sig, err := e.Signal()
		if err != nil {
			return fmt.Errorf("entry %d: %w", i+1, err)
		}
		_, member := wire.SplitName(e.Name)
		fmt.Fprintf(out, "%s %s %s\n", stamp, member, call.ShortPath(e.Path))
		if err := machine.HandleSignal(ctx, sig); err != nil {
			fmt.Fprintf(out, "  ! %v\n", err)
		}

		reqs := transport.Requests()
		for _, r := range reqs[seen:] {
			fmt.Fprintf(out, "  -> %s\n", shortRequest(r))
		}
		seen = len(reqs)
	}

	stats := machine.Stats()
	fmt.Fprintf(out, "%d signals, %d cycles, %d decode errors, %d enforce failures\n",
		stats.Signals, stats.Cycles, stats.DecodeErrors, stats.EnforceFailures+stats.ProtocolViolations+stats.ResolverFailures)
	calls := machine.Calls()
	fmt.Fprintf(out, "%d live calls\n", len(calls))
	for _, c := range calls {
		fmt.Fprintf(out, "  #%d %s %s %s\n", c.ID, call.ShortPath(c.Path), c.Direction, c.State)
	}
	return nil
}

func shortRequest(r tracker.Request) string {
	r.Path = call.ShortPath(r.Path)
	return r.String()
}
