package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/mcules/modelctl/internal/metrics"
	"github.com/mcules/modelctl/internal/smoke"
	"github.com/mcules/modelctl/internal/triton"
)

func writeJSON(w io.Writer, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printIndex(w io.Writer, entries []triton.IndexEntry, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(w, entries)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tSTATE\tREASON")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Name, e.Version, e.State, e.Reason)
	}
	return tw.Flush()
}

func printActivity(w io.Writer, events []triton.ActivityEvent, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(w, events)
	}
	for _, e := range events {
		fmt.Fprintf(w, "%s %-12s %s %s\n", e.At.Format(time.RFC3339), e.Type, e.Model, e.Note)
	}
	return nil
}

type stepOutput struct {
	Name       string  `json:"name"`
	Passed     bool    `json:"passed"`
	Error      string  `json:"error,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

func printSmokeResult(w io.Writer, res smoke.Result, latency *metrics.LatencyTracker, jsonOutput bool) error {
	if jsonOutput {
		steps := make([]stepOutput, 0, len(res.Steps))
		for _, s := range res.Steps {
			out := stepOutput{Name: s.Name, Passed: s.Passed(), DurationMS: float64(s.Duration) / float64(time.Millisecond)}
			if s.Err != nil {
				out.Error = s.Err.Error()
			}
			steps = append(steps, out)
		}
		return writeJSON(w, map[string]any{
			"passed":  res.Passed(),
			"steps":   steps,
			"latency": latency.Snapshot(),
		})
	}

	for _, s := range res.Steps {
		status := "PASS"
		if !s.Passed() {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%-4s %-26s %s\n", status, s.Name, s.Duration.Round(time.Microsecond))
	}
	if ops := latency.Ops(); len(ops) > 0 {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "OP\tEWMA_MS\tOK\tERR")
		for _, op := range ops {
			l, _ := latency.Get(op)
			fmt.Fprintf(tw, "%s\t%.2f\t%d\t%d\n", op, l.EWMAms, l.OK, l.Error)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}
