package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tripwire/chainwatch/internal/config"
	"github.com/tripwire/chainwatch/internal/supervisor"
)

// metricFamily is one Prometheus metric family with its samples.
type metricFamily struct {
	name    string
	help    string
	kind    string // "counter" or "gauge"
	samples []sample
}

type sample struct {
	labels string
	value  float64
}

// metricFamilies builds the exposition from a status snapshot:
//
//	chainwatch_uptime_seconds                  gauge
//	chainwatch_watch_up{watch}                 gauge: 1 while watching
//	chainwatch_events_total{watch,kind}        counter: appeared, modified, disappeared
//	chainwatch_directory_events_total{watch}   counter
//	chainwatch_restarts_total{watch}           counter
//	chainwatch_peer_members{watch}             gauge, peers watches only
//	chainwatch_user_config_changes_total{watch} counter
//	chainwatch_journal_entries{watch}          gauge, when counts is non-nil
func metricFamilies(h supervisor.HealthStatus, watches []supervisor.WatchStatus, counts map[string]int64) []metricFamily {
	up := metricFamily{name: "chainwatch_watch_up", kind: "gauge",
		help: "1 when the watch is running, 0 otherwise."}
	events := metricFamily{name: "chainwatch_events_total", kind: "counter",
		help: "File events reported per watch and kind."}
	dirs := metricFamily{name: "chainwatch_directory_events_total", kind: "counter",
		help: "Notifications seen in the directories of each watch."}
	restarts := metricFamily{name: "chainwatch_restarts_total", kind: "counter",
		help: "Times each watch was recreated after a failure."}
	members := metricFamily{name: "chainwatch_peer_members", kind: "gauge",
		help: "Members listed in the peer file at the last read."}
	userConfig := metricFamily{name: "chainwatch_user_config_changes_total", kind: "counter",
		help: "Changes seen in each watch's user.toml override."}
	journaled := metricFamily{name: "chainwatch_journal_entries", kind: "gauge",
		help: "Entries recorded in the journal per watch."}

	for _, w := range watches {
		watch := label("watch", w.Name)
		var running float64
		if w.State == supervisor.StateWatching {
			running = 1
		}
		up.samples = append(up.samples, sample{watch, running})
		events.samples = append(events.samples,
			sample{watch + "," + label("kind", "appeared"), float64(w.Appeared)},
			sample{watch + "," + label("kind", "modified"), float64(w.Modified)},
			sample{watch + "," + label("kind", "disappeared"), float64(w.Disappeared)},
		)
		dirs.samples = append(dirs.samples, sample{watch, float64(w.DirEvents)})
		restarts.samples = append(restarts.samples, sample{watch, float64(w.Restarts)})
		if w.Kind == config.KindPeers {
			members.samples = append(members.samples, sample{watch, float64(w.Members)})
		}
		userConfig.samples = append(userConfig.samples, sample{watch, float64(w.UserConfigChanges)})
		if counts != nil {
			journaled.samples = append(journaled.samples, sample{watch, float64(counts[w.Name])})
		}
	}

	return []metricFamily{
		{name: "chainwatch_uptime_seconds", kind: "gauge",
			help: "Seconds since the supervisor started.", samples: []sample{{"", h.UptimeS}}},
		up, events, dirs, restarts, members, userConfig, journaled,
	}
}

// label renders name="value" with the exposition format's escaping.
func label(name, value string) string {
	value = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(value)
	return name + `="` + value + `"`
}

// handleMetrics writes the metrics in the Prometheus text exposition format.
// A failing journal only drops the journal family.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var counts map[string]int64
	if c, ok := s.events.(EntryCounter); ok {
		var err error
		if counts, err = c.CountByWatch(r.Context()); err != nil {
			s.logger.Warn("server: cannot count journal entries", slog.Any("error", err))
			counts = nil
		}
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	writeMetrics(w, metricFamilies(s.status.Health(), s.status.Watches(), counts))
}

func writeMetrics(w io.Writer, families []metricFamily) {
	for _, f := range families {
		if len(f.samples) == 0 {
			continue
		}
		fmt.Fprintf(w, "# HELP %s %s\n", f.name, f.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", f.name, f.kind)
		for _, s := range f.samples {
			if s.labels == "" {
				fmt.Fprintf(w, "%s %g\n", f.name, s.value)
				continue
			}
			fmt.Fprintf(w, "%s{%s} %g\n", f.name, s.labels, s.value)
		}
	}
}
