package runner

import (
	"context"
	"log/slog"
	"io"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartCapturesStdoutLines(t *testing.T) {
	r := New(testLogger())
	var mu sync.Mutex
	var lines []string

	h, err := r.Start(context.Background(), StartParams{
		SessionKey: "s1",
		Command:    "printf",
		Args:       []string{"a\\nb\\nc\\n"},
		OnStdout: func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	res := h.Result()
	if res.Status != StatusCompleted {
		t.Fatalf("status = %v, err=%v", res.Status, res.Err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 3 || lines[0] != "a" || lines[2] != "c" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestSingleFlightSameSessionKey(t *testing.T) {
	r := New(testLogger())
	block := make(chan struct{})
	h1, err := r.Start(context.Background(), StartParams{
		SessionKey: "dup",
		Command:    "sleep",
		Args:       []string{"0.2"},
	})
	if err != nil {
		t.Fatalf("start1: %v", err)
	}
	defer close(block)

	_, err = r.Start(context.Background(), StartParams{
		SessionKey: "dup",
		Command:    "true",
	})
	if err != ErrSingleFlightSession {
		t.Fatalf("expected ErrSingleFlightSession, got %v", err)
	}
	h1.Result()
}

func TestSessionSlotFreedAfterExit(t *testing.T) {
	r := New(testLogger())
	h, err := r.Start(context.Background(), StartParams{SessionKey: "s2", Command: "true"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.Result()

	h2, err := r.Start(context.Background(), StartParams{SessionKey: "s2", Command: "true"})
	if err != nil {
		t.Fatalf("expected slot to be free after exit, got %v", err)
	}
	h2.Result()
}

func TestCancelEscalatesToKillAfterGrace(t *testing.T) {
	r := New(testLogger())
	var states []Lifecycle
	var mu sync.Mutex

	h, err := r.Start(context.Background(), StartParams{
		SessionKey:    "s3",
		Command:       "sh",
		Args:          []string{"-c", "trap '' INT; sleep 5"},
		CancelGraceMs: 50,
		OnLifecycle: func(state Lifecycle, pid int) {
			mu.Lock()
			states = append(states, state)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	h.Cancel()
	res := h.Result()

	if !res.Cancelled {
		t.Fatalf("expected cancelled result, got %+v", res)
	}
	mu.Lock()
	defer mu.Unlock()
	var sawKilling bool
	for _, s := range states {
		if s == LifecycleKilling {
			sawKilling = true
		}
	}
	if !sawKilling {
		t.Fatalf("expected LifecycleKilling after grace period, states=%v", states)
	}
}

func TestCancelAllCancelsEveryHandle(t *testing.T) {
	r := New(testLogger())
	h1, _ := r.Start(context.Background(), StartParams{SessionKey: "a", Command: "sleep", Args: []string{"5"}, CancelGraceMs: 50})
	h2, _ := r.Start(context.Background(), StartParams{SessionKey: "b", Command: "sleep", Args: []string{"5"}, CancelGraceMs: 50})

	r.CancelAll()

	res1 := h1.Result()
	res2 := h2.Result()
	if !res1.Cancelled || !res2.Cancelled {
		t.Fatalf("expected both cancelled: %+v %+v", res1, res2)
	}
}
