package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/johndauphine/ingest-sync/internal/logging"
	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds each individual health check.
const checkTimeout = 30 * time.Second

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// HealthCheckResult reports connectivity to every dependency.
type HealthCheckResult struct {
	Timestamp string                 `json:"timestamp"`
	Healthy   bool                   `json:"healthy"`
	State     CheckResult            `json:"state"`
	Warehouse CheckResult            `json:"warehouse"`
	Archive   *CheckResult           `json:"archive,omitempty"`
	Sources   map[string]CheckResult `json:"sources,omitempty"`
}

// HealthCheck pings the state store, the warehouse and the raw archive. Checks
// run in parallel, each with its own timeout, so one slow dependency does not
// eat the others' budget.
func (o *Orchestrator) HealthCheck(ctx context.Context) *HealthCheckResult {
	result := &HealthCheckResult{Timestamp: o.now().UTC().Format(time.RFC3339)}

	var g errgroup.Group
	g.Go(func() error {
		result.State = timed(ctx, func(context.Context) error { return o.state.Ping() })
		return nil
	})
	g.Go(func() error {
		result.Warehouse = timed(ctx, o.warehouse.Ping)
		result.Warehouse.Detail = o.warehouse.Type()
		return nil
	})
	if o.archive != nil {
		g.Go(func() error {
			r := timed(ctx, o.archive.Ping)
			result.Archive = &r
			return nil
		})
	}
	g.Wait()

	result.Healthy = result.State.OK && result.Warehouse.OK && (result.Archive == nil || result.Archive.OK)
	return result
}

// Validate runs HealthCheck and then every enabled source's debug probe
// against its first partition. Probes run concurrently, one per source.
func (o *Orchestrator) Validate(ctx context.Context) *HealthCheckResult {
	result := o.HealthCheck(ctx)
	cfg := o.Config()
	result.Sources = make(map[string]CheckResult)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, sc := range cfg.Sources {
		if !sc.IsEnabled() {
			continue
		}
		g.Go(func() error {
			r := timed(ctx, func(ctx context.Context) error {
				src, err := o.newSource(cfg, sc)
				if err != nil {
					return err
				}
				partitions, err := src.Partitions(ctx)
				if err != nil {
					return err
				}
				if len(partitions) == 0 {
					return fmt.Errorf("no partitions")
				}
				out, err := src.Probe(ctx, partitions[0])
				if err != nil {
					return err
				}
				if msg := probeError(out); msg != "" {
					return fmt.Errorf("probe %s: %s", partitions[0], msg)
				}
				return nil
			})
			mu.Lock()
			result.Sources[sc.Name] = r
			mu.Unlock()
			if !r.OK {
				logging.For(sc.Name, "").Warn("validation failed: %s", r.Error)
			}
			return nil
		})
	}
	g.Wait()

	for _, r := range result.Sources {
		if !r.OK {
			result.Healthy = false
		}
	}
	return result
}

func timed(ctx context.Context, check func(context.Context) error) CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	var r CheckResult
	if err := check(ctx); err != nil {
		r.Error = err.Error()
	} else {
		r.OK = true
	}
	r.LatencyMs = time.Since(start).Milliseconds()
	return r
}

// probeError returns the first error reported by a probe, looking one level
// into nested request summaries.
func probeError(out map[string]any) string {
	if msg, ok := out["error"].(string); ok && msg != "" {
		return msg
	}
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if nested, ok := out[k].(map[string]any); ok {
			if msg, ok := nested["error"].(string); ok && msg != "" {
				return k + ": " + msg
			}
		}
	}
	return ""
}
