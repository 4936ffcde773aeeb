package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tripwire/chainwatch/internal/filewatcher"
	"github.com/tripwire/chainwatch/internal/peerwatch"
)

var (
	peersFollow   bool
	peersInterval time.Duration
)

var peersCmd = &cobra.Command{
	Use:   "peers <path>",
	Short: "Print the members listed in a peer file",
	Long: `Read a peer file (one "host" or "host:port" per line), resolve each
host and print the resulting members. With --follow the file is watched and
printed again every time it changes.`,
	Args: cobra.ExactArgs(1),
	RunE: runPeers,
}

func init() {
	peersCmd.Flags().BoolVarP(&peersFollow, "follow", "f", false, "keep watching the file and reprint on change")
	peersCmd.Flags().DurationVar(&peersInterval, "interval", time.Second, "how often to check for changes with --follow")
}

func printMembers(out io.Writer, members []peerwatch.Member) {
	if len(members) == 0 {
		fmt.Fprintln(out, "no members")
		return
	}
	for _, m := range members {
		fmt.Fprintf(out, "%s %s swim=%d gossip=%d\n", m.ID, m.Address, m.SwimPort, m.GossipPort)
	}
}

func runPeers(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	resolver := peerwatch.NewResolver(nil)
	if !peersFollow {
		members, err := peerwatch.ReadMembers(ctx, args[0], resolver)
		if err != nil {
			return err
		}
		printMembers(out, members)
		return nil
	}

	logger := newLogger(logLevel, cmd.ErrOrStderr())
	pw, err := peerwatch.Run(args[0],
		peerwatch.WithLogger(logger),
		peerwatch.WithResolver(resolver),
		peerwatch.WithWatchOptions(filewatcher.WithDelay(peersInterval)),
	)
	if err != nil {
		return err
	}
	defer pw.Stop()

	return followPeers(ctx, pw, out, peersInterval)
}

func followPeers(ctx context.Context, pw *peerwatch.PeerWatcher, out io.Writer, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if !pw.HasFSEvents() {
			continue
		}
		members, err := pw.Members(ctx)
		if err != nil {
			// The flag stays set; the next tick retries.
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		printMembers(out, members)
	}
}
