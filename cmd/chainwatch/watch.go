package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tripwire/chainwatch/internal/filewatcher"
	"github.com/tripwire/chainwatch/internal/notify"
)

var (
	watchNoInitialEvent bool
	watchDebounce       time.Duration
	watchDirs           bool
	watchPoll           bool
	watchScanInterval   time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch <path>",
	Short: "Print events for a single path",
	Long: `Follow one path through its symlink chain and print a line for every
event until interrupted.

Examples:
  chainwatch watch /etc/app/current.conf
  chainwatch watch --no-initial-event --debounce 200ms /run/secrets/token
  chainwatch watch --poll --scan-interval 500ms /etc/app/app.conf`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchNoInitialEvent, "no-initial-event", false, "do not report a file that already exists")
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 2*time.Second, "notification coalescing window")
	watchCmd.Flags().BoolVar(&watchDirs, "dirs", false, "also print directory activity")
	watchCmd.Flags().BoolVar(&watchPoll, "poll", false, "detect changes by rescanning directories instead of fsnotify")
	watchCmd.Flags().DurationVar(&watchScanInterval, "scan-interval", notify.DefaultScanInterval, "rescan period with --poll")
}

// printCallbacks writes one line per event to out.
type printCallbacks struct {
	out  io.Writer
	dirs bool
}

func (p printCallbacks) print(kind, path string) {
	fmt.Fprintf(p.out, "%s %s %s\n", time.Now().Format(time.RFC3339), kind, path)
}

func (p printCallbacks) FileAppeared(path string)    { p.print("appeared", path) }
func (p printCallbacks) FileModified(path string)    { p.print("modified", path) }
func (p printCallbacks) FileDisappeared(path string) { p.print("disappeared", path) }

func (p printCallbacks) EventInDirectories(dirs []string) {
	if !p.dirs {
		return
	}
	for _, d := range dirs {
		p.print("directory", d)
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger := newLogger(logLevel, cmd.ErrOrStderr())
	cb := printCallbacks{out: cmd.OutOrStdout(), dirs: watchDirs}
	opts := []filewatcher.Option{
		filewatcher.WithDelay(watchDebounce),
		filewatcher.WithLogger(logger),
	}
	if watchPoll {
		interval := watchScanInterval
		opts = append(opts, filewatcher.WithNotifier(func(c notify.Config) (notify.Watcher, error) {
			c.ScanInterval = interval
			return notify.NewPoll(c)
		}))
	}

	create := filewatcher.Create[printCallbacks]
	if watchNoInitialEvent {
		create = filewatcher.CreateWithNoInitialEvent[printCallbacks]
	}
	fw, err := create(args[0], cb, opts...)
	if err != nil {
		return err
	}
	defer fw.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fw.Run(ctx)
}
