package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/switchyard/internal/engine"
)

func fakeEngine(k engine.Kind, fn func(ctx context.Context, req engine.Request) (engine.Result, error)) engine.Engine {
	return engine.Func{K: k, Fn: fn}
}

func TestInvoke_Success(t *testing.T) {
	d := New([]engine.Engine{fakeEngine(engine.Vector, func(_ context.Context, req engine.Request) (engine.Result, error) {
		if req.TenantID != "t1" {
			t.Errorf("TenantID = %q", req.TenantID)
		}
		return engine.Result{Status: engine.StatusSucceeded, Response: "answer", Confidence: 0.8, LatencyMS: 120}, nil
	})}, nil, nil, nil)

	res := d.Invoke(context.Background(), engine.Vector, engine.Request{Query: "q", TenantID: "t1"}, time.Second)
	if res.Status != engine.StatusSucceeded || res.Response != "answer" || res.LatencyMS != 120 {
		t.Errorf("result = %+v", res)
	}
}

func TestInvoke_TimeoutCancelsCall(t *testing.T) {
	cancelled := make(chan struct{})
	d := New([]engine.Engine{fakeEngine(engine.Graph, func(ctx context.Context, _ engine.Request) (engine.Result, error) {
		<-ctx.Done()
		close(cancelled)
		time.Sleep(time.Second) // misbehaving engine keeps running
		return engine.Result{}, ctx.Err()
	})}, nil, nil, nil)

	start := time.Now()
	res := d.Invoke(context.Background(), engine.Graph, engine.Request{}, 50*time.Millisecond)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Invoke blocked for %v", elapsed)
	}
	if res.Status != engine.StatusTimedOut || res.Error == nil || res.Error.Kind != engine.ErrTimeout {
		t.Errorf("result = %+v, want TIMED_OUT/TIMEOUT", res)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Error("engine context was not cancelled")
	}
}

func TestInvoke_UnknownEngine(t *testing.T) {
	d := New(nil, nil, nil, nil)
	res := d.Invoke(context.Background(), engine.Quantitative, engine.Request{}, time.Second)
	if res.Status != engine.StatusFailed || res.Error.Kind != engine.ErrUnknown {
		t.Errorf("result = %+v", res)
	}
}

func TestInvoke_Panic(t *testing.T) {
	d := New([]engine.Engine{fakeEngine(engine.Vector, func(context.Context, engine.Request) (engine.Result, error) {
		panic("nil map")
	})}, nil, nil, nil)
	res := d.Invoke(context.Background(), engine.Vector, engine.Request{}, time.Second)
	if res.Status != engine.StatusFailed || res.Error.Kind != engine.ErrUnknown {
		t.Errorf("result = %+v", res)
	}
}

func TestInvoke_RateLimit(t *testing.T) {
	calls := 0
	d := New([]engine.Engine{fakeEngine(engine.Vector, func(context.Context, engine.Request) (engine.Result, error) {
		calls++
		return engine.Result{Status: engine.StatusSucceeded, Response: "ok"}, nil
	})}, map[engine.Kind]float64{engine.Vector: 0.001}, nil, nil)

	first := d.Invoke(context.Background(), engine.Vector, engine.Request{}, time.Second)
	if first.Status != engine.StatusSucceeded {
		t.Fatalf("first call = %+v", first)
	}
	// The bucket is empty and the next token is far beyond the deadline.
	second := d.Invoke(context.Background(), engine.Vector, engine.Request{}, 100*time.Millisecond)
	if second.Status != engine.StatusFailed || second.Error.Kind != engine.ErrRateLimited {
		t.Errorf("second call = %+v, want RATE_LIMITED", second)
	}
	if calls != 1 {
		t.Errorf("engine called %d times, want 1", calls)
	}
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		name       string
		res        engine.Result
		err        error
		wantStatus engine.Status
		wantKind   engine.ErrorKind
	}{
		{"classified error", engine.Result{}, &engine.Error{Kind: engine.ErrPermissionDenied, Message: "403"}, engine.StatusFailed, engine.ErrPermissionDenied},
		{"wrapped deadline", engine.Result{}, errors.Join(errors.New("post"), context.DeadlineExceeded), engine.StatusTimedOut, engine.ErrTimeout},
		{"plain error", engine.Result{}, errors.New("eof"), engine.StatusFailed, engine.ErrUnknown},
		{"empty response", engine.Result{Status: engine.StatusSucceeded, Response: "  "}, nil, engine.StatusFailed, engine.ErrEmptyResponse},
		{"bad confidence", engine.Result{Status: engine.StatusSucceeded, Response: "x", Confidence: 3}, nil, engine.StatusFailed, engine.ErrServer},
		{"missing status", engine.Result{Response: "x"}, nil, engine.StatusFailed, engine.ErrServer},
		{"failed without error", engine.Result{Status: engine.StatusFailed}, nil, engine.StatusFailed, engine.ErrUnknown},
		{"engine timeout", engine.Result{Status: engine.StatusTimedOut}, nil, engine.StatusTimedOut, engine.ErrTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Normalize(tc.res, tc.err)
			if got.Status != tc.wantStatus {
				t.Errorf("Status = %s, want %s", got.Status, tc.wantStatus)
			}
			if got.Error == nil || got.Error.Kind != tc.wantKind {
				t.Errorf("Error = %+v, want kind %s", got.Error, tc.wantKind)
			}
		})
	}
}
