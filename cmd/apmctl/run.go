package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/danmuck/apmctl/internal/apm"
	"github.com/danmuck/apmctl/internal/config"
	"github.com/danmuck/apmctl/internal/journal"
	"github.com/danmuck/apmctl/internal/observability"
	"github.com/danmuck/apmctl/internal/sim"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var ErrExpectationMismatch = errors.New("apmctl: step finished with unexpected status")

// stepResult is one row of the run report.
type stepResult struct {
	Index    int
	Command  string
	Status   apm.Status
	Expected apm.Status
	Deferred bool
	Pending  []uint32
	Payloads int
}

func (r stepResult) ok() bool { return r.Status == r.Expected }

// run drives every scenario step through a Manager wired to the simulated
// network and writes a per-step report to out.
func run(ctx context.Context, cfg RunConfig, out io.Writer) error {
	if cfg.Scenario == "" {
		return fmt.Errorf("apmctl: no scenario configured")
	}
	scn, err := config.LoadScenario(cfg.Scenario)
	if err != nil {
		return err
	}
	behavior, err := scn.Behavior()
	if err != nil {
		return err
	}
	cmds, err := scn.Commands()
	if err != nil {
		return err
	}

	network := sim.New(behavior)
	mem := journal.NewMemoryJournal()
	reporters := journal.Tee{mem}
	if cfg.RedisURL != "" {
		rj, err := journal.DialRedisJournal(ctx, cfg.RedisURL, cfg.RedisPrefix, cfg.RedisTTL)
		if err != nil {
			return err
		}
		defer rj.Close()
		reporters = append(reporters, rj)
	}

	reg := prometheus.NewRegistry()
	metrics := observability.NewAPMMetrics(reg, cfg.Name)
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           observability.RequestLogger(log.Logger, observability.Handler(reg)),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("apmctl metrics listener failed")
			}
		}()
		defer srv.Close()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("apmctl metrics listening")
	}

	m := apm.NewManager(apm.ManagerConfig{
		Name:           cfg.Name,
		DeferQueueSize: cfg.DeferQueueSize,
		QueueDepth:     cfg.QueueDepth,
	}, network,
		apm.WithContainerFactory(network),
		apm.WithReporter(reporters),
		apm.WithMetrics(metrics),
	)

	log.Info().
		Str("scenario", scn.Name).
		Str("mode", string(cfg.Mode)).
		Int("steps", len(cmds)).
		Msg("apmctl run starting")

	var results []stepResult
	switch cfg.Mode {
	case ModeAsync:
		results, err = runAsync(ctx, cfg, m, network, mem, scn, cmds)
	default:
		results, err = runSync(ctx, m, network, mem, scn, cmds)
	}
	if err != nil {
		return err
	}

	writeReport(out, scn.Name, results)
	if cfg.PrintTrace {
		writeTrace(out, network.Trace())
	}

	var failed int
	for _, r := range results {
		if !r.ok() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d steps", ErrExpectationMismatch, failed, len(results))
	}
	return nil
}

func runSync(
	ctx context.Context,
	m *apm.Manager,
	network *sim.Network,
	mem *journal.MemoryJournal,
	scn config.Scenario,
	cmds []apm.Command,
) ([]stepResult, error) {
	results := make([]stepResult, 0, len(cmds))
	for i, cmd := range cmds {
		res, err := newResult(i, scn.Steps[i], cmd)
		if err != nil {
			return nil, err
		}
		id, err := m.Submit(ctx, cmd)
		if err != nil {
			log.Warn().Int("step", i).Err(err).Msg("apmctl step rejected")
			res.Status = apm.StatusOf(err)
			results = append(results, res)
			continue
		}
		if _, err := network.Drain(ctx, m); err != nil {
			return nil, fmt.Errorf("step %d drain: %w", i, err)
		}
		e, err := mem.Find(id)
		if err != nil {
			// still waiting on a reply that will never come
			res.Status = apm.StatusPending
			results = append(results, res)
			continue
		}
		results = append(results, res.fill(e))
	}
	return results, nil
}

func runAsync(
	ctx context.Context,
	cfg RunConfig,
	m *apm.Manager,
	network *sim.Network,
	mem *journal.MemoryJournal,
	scn config.Scenario,
	cmds []apm.Command,
) ([]stepResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := m.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("apmctl manager stopped")
		}
	}()
	go func() {
		if err := network.Pump(runCtx, m); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("apmctl pump stopped")
		}
	}()

	results := make([]stepResult, 0, len(cmds))
	for i, cmd := range cmds {
		res, err := newResult(i, scn.Steps[i], cmd)
		if err != nil {
			return nil, err
		}
		seen := len(mem.Entries())
		id, err := m.EnqueueCommand(runCtx, cmd)
		if err != nil {
			return nil, fmt.Errorf("step %d enqueue: %w", i, err)
		}
		waitCtx, waitCancel := context.WithTimeout(runCtx, cfg.StepTimeout)
		err = mem.WaitFor(waitCtx, seen+1)
		waitCancel()
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			log.Warn().Int("step", i).Dur("timeout", cfg.StepTimeout).Msg("apmctl step timed out")
			res.Status = apm.StatusPending
			results = append(results, res)
			continue
		}
		e, err := mem.Find(id)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		results = append(results, res.fill(e))
	}
	return results, nil
}

func newResult(i int, step config.StepEntry, cmd apm.Command) (stepResult, error) {
	want, err := step.ExpectedStatus()
	if err != nil {
		return stepResult{}, fmt.Errorf("step %d: %w", i, err)
	}
	return stepResult{Index: i, Command: cmd.Opcode.String(), Expected: want}, nil
}

func (r stepResult) fill(e journal.Entry) stepResult {
	r.Status = apm.Status(e.StatusCode)
	r.Deferred = e.Deferred
	r.Pending = e.PendingSubGraphs
	r.Payloads = len(e.Payloads) + len(e.ProxyPayloads)
	return r
}

func writeReport(out io.Writer, name string, results []stepResult) {
	fmt.Fprintf(out, "scenario %s\n", name)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tCOMMAND\tSTATUS\tEXPECT\tRESULT\tDETAIL")
	for _, r := range results {
		verdict := "ok"
		if !r.ok() {
			verdict = "MISMATCH"
		}
		detail := ""
		if r.Deferred {
			detail += "deferred "
		}
		if len(r.Pending) > 0 {
			detail += fmt.Sprintf("pending=%v ", r.Pending)
		}
		if r.Payloads > 0 {
			detail += fmt.Sprintf("payloads=%d", r.Payloads)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", r.Index, r.Command, r.Status, r.Expected, verdict, detail)
	}
	tw.Flush()
}

func writeTrace(out io.Writer, trace []sim.Event) {
	fmt.Fprintln(out, "trace")
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, ev := range trace {
		dest := fmt.Sprintf("container %d", ev.Dest)
		if ev.Proxy {
			dest = fmt.Sprintf("proxy %d", ev.Dest)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%v\t%s\n", dest, ev.Opcode, ev.SubGraphs, ev.Status)
	}
	tw.Flush()
}
