package connectivity

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestObserverReportsTransitions(t *testing.T) {
	var refuse atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if refuse.Load() {
			// Drop the connection to look like a transport failure.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Error("server does not support hijacking")
				return
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Errorf("hijack: %v", err)
				return
			}
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.ConnectivityConfig{
		Enabled:    true,
		ProbeURL:   srv.URL,
		IntervalMS: 10,
		TimeoutMS:  500,
	}
	o := NewObserver(context.Background(), cfg, newLogger())
	o.Start()
	defer o.Close()

	if !o.Online() {
		t.Fatal("expected observer to start online")
	}

	refuse.Store(true)
	select {
	case online := <-o.Transitions():
		if online {
			t.Fatal("expected offline transition")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for offline transition")
	}
	if o.Online() {
		t.Fatal("expected offline state")
	}

	refuse.Store(false)
	select {
	case online := <-o.Transitions():
		if !online {
			t.Fatal("expected online transition")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for online transition")
	}
	if !o.Online() {
		t.Fatal("expected online state")
	}
}

func TestObserverErrorStatusStillOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := config.ConnectivityConfig{Enabled: true, ProbeURL: srv.URL, IntervalMS: 10, TimeoutMS: 500}
	o := NewObserver(context.Background(), cfg, newLogger())
	o.Start()
	defer o.Close()

	time.Sleep(50 * time.Millisecond)
	if !o.Online() {
		t.Fatal("an HTTP error status still means the network is reachable")
	}
}
