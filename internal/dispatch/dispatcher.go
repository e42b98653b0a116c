package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/switchyard/internal/engine"
	"github.com/kalambet/switchyard/internal/metrics"
)

// Dispatcher invokes engines by kind under a per-call deadline and turns
// every outcome, including engine panics and schema violations,
// into a classified engine.Result.
type Dispatcher struct {
	engines  map[engine.Kind]engine.Engine
	limiters map[engine.Kind]*rate.Limiter
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Dispatcher. limits gives an optional requests/second cap per
// engine; zero or missing means unlimited.
func New(engines []engine.Engine, limits map[engine.Kind]float64, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		engines:  make(map[engine.Kind]engine.Engine, len(engines)),
		limiters: make(map[engine.Kind]*rate.Limiter),
		metrics:  m,
		logger:   logger,
	}
	for _, e := range engines {
		d.engines[e.Kind()] = e
	}
	for k, rps := range limits {
		if rps > 0 {
			d.limiters[k] = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
		}
	}
	return d
}

// Has reports whether an engine of kind k is registered.
func (d *Dispatcher) Has(k engine.Kind) bool {
	_, ok := d.engines[k]
	return ok
}

type callResult struct {
	res engine.Result
	err error
}

// Invoke calls engine k with req. The call is cancelled once timeout elapses
// or ctx is done, in which case the result is TIMED_OUT; Invoke itself
// never blocks past that point.
func (d *Dispatcher) Invoke(ctx context.Context, k engine.Kind, req engine.Request, timeout time.Duration) engine.Result {
	start := time.Now()
	res := d.invoke(ctx, k, req, timeout)
	if res.LatencyMS == 0 {
		res.LatencyMS = time.Since(start).Milliseconds()
	}

	d.metrics.ObserveDispatch(string(k), string(res.Status), time.Duration(res.LatencyMS)*time.Millisecond)
	attrs := []any{"trace_id", req.TraceID, "engine", k, "status", res.Status, "latency_ms", res.LatencyMS}
	if res.Error != nil {
		d.logger.Info("engine call failed", append(attrs, "error_kind", res.Error.Kind, "error", res.Error.Message)...)
	} else {
		d.logger.Debug("engine call succeeded", attrs...)
	}
	return res
}

func (d *Dispatcher) invoke(ctx context.Context, k engine.Kind, req engine.Request, timeout time.Duration) engine.Result {
	eng, ok := d.engines[k]
	if !ok {
		return failed(engine.ErrUnknown, fmt.Sprintf("engine %s is not configured", k))
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if lim, ok := d.limiters[k]; ok {
		if err := lim.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return timedOut(ctx.Err())
			}
			return failed(engine.ErrRateLimited, fmt.Sprintf("local rate limit for %s: %v", k, err))
		}
	}

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("engine panicked: %v", r)}
			}
		}()
		res, err := eng.Invoke(ctx, req)
		done <- callResult{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return timedOut(ctx.Err())
	case cr := <-done:
		return Normalize(cr.res, cr.err)
	}
}

// Normalize maps a raw engine outcome onto the result contract: errors are
// classified, schema violations become SERVER_ERROR, and a success with a
// blank answer becomes EMPTY_RESPONSE.
func Normalize(res engine.Result, err error) engine.Result {
	if err != nil {
		var ee *engine.Error
		switch {
		case errors.As(err, &ee):
			if ee.Kind == engine.ErrTimeout {
				return engine.Result{Status: engine.StatusTimedOut, Error: ee}
			}
			return engine.Result{Status: engine.StatusFailed, Error: ee}
		case errors.Is(err, context.DeadlineExceeded):
			return timedOut(err)
		default:
			return failed(engine.ErrUnknown, err.Error())
		}
	}

	if verr := res.Validate(); verr != nil {
		return failed(engine.ErrServer, fmt.Sprintf("non-conforming engine response: %v", verr))
	}

	switch res.Status {
	case engine.StatusSucceeded:
		if strings.TrimSpace(res.Response) == "" {
			out := failed(engine.ErrEmptyResponse, "engine returned an empty response")
			out.LatencyMS = res.LatencyMS
			return out
		}
		res.Error = nil
	case engine.StatusFailed:
		if res.Error == nil {
			res.Error = &engine.Error{Kind: engine.ErrUnknown, Message: "engine reported failure without error"}
		}
	case engine.StatusTimedOut:
		if res.Error == nil {
			res.Error = &engine.Error{Kind: engine.ErrTimeout, Message: "engine reported timeout"}
		}
	}
	return res
}

func failed(kind engine.ErrorKind, msg string) engine.Result {
	return engine.Result{Status: engine.StatusFailed, Error: &engine.Error{Kind: kind, Message: msg}}
}

func timedOut(err error) engine.Result {
	msg := "deadline exceeded"
	if err != nil {
		msg = err.Error()
	}
	return engine.Result{Status: engine.StatusTimedOut, Error: &engine.Error{Kind: engine.ErrTimeout, Message: msg}}
}
