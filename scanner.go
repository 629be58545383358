package merchsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ProbeFunc reports whether the remote side is reachable. A nil error means
// online.
type ProbeFunc func(ctx context.Context) error

// OnlineSetter receives connectivity changes. *Manager implements it.
type OnlineSetter interface {
	SetOnline(online bool)
}

// HTTPProbe returns a probe that GETs url. Any response below 500 counts as
// reachable.
func HTTPProbe(client *http.Client, url string) ProbeFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		if resp.StatusCode >= 500 {
			return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
		}
		return nil
	}
}

// Prober periodically probes connectivity and reports it to the Manager.
// It goes offline only after Threshold consecutive failures and back online
// on the first success.
type Prober struct {
	probe     ProbeFunc
	target    OnlineSetter
	interval  time.Duration
	timeout   time.Duration
	threshold int
	failures  int
	done      chan struct{}
}

// NewProber creates a connectivity prober. A threshold below 1 means 1.
func NewProber(probe ProbeFunc, target OnlineSetter, interval time.Duration, threshold int) *Prober {
	if threshold < 1 {
		threshold = 1
	}
	timeout := interval / 2
	if timeout <= 0 || timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return &Prober{
		probe:     probe,
		target:    target,
		interval:  interval,
		timeout:   timeout,
		threshold: threshold,
		done:      make(chan struct{}),
	}
}

// Start probes once, then on every tick. Call with a cancellable context for
// shutdown.
func (p *Prober) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	go func() {
		defer ticker.Stop()
		defer close(p.done)
		p.check(ctx)
		for {
			select {
			case <-ticker.C:
				p.check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the prober has stopped.
func (p *Prober) Wait() {
	<-p.done
}

func (p *Prober) check(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	if err == nil {
		if p.failures >= p.threshold {
			slog.Info("connectivity prober: reachable again", "after_failures", p.failures)
		}
		p.failures = 0
		p.target.SetOnline(true)
		return
	}

	p.failures++
	slog.Debug("connectivity prober: probe failed", "failures", p.failures, "error", err)
	if p.failures == p.threshold {
		slog.Warn("connectivity prober: going offline", "failures", p.failures, "error", err)
	}
	if p.failures >= p.threshold {
		p.target.SetOnline(false)
	}
}
