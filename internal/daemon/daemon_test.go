// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldrig/fieldrig/internal/config"
)

func testServer() config.Server {
	return config.Server{
		Listen:        "127.0.0.1:0",
		ReadTimeout:   time.Second,
		WriteTimeout:  time.Second,
		IdleTimeout:   time.Second,
		ShutdownGrace: 2 * time.Second,
	}
}

func TestRunStopsOnCancelAndRunsHooksLIFO(t *testing.T) {
	d := New("test", testServer(), http.NewServeMux())

	var mu sync.Mutex
	var order []string
	hook := func(name string) Hook {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	d.OnShutdown("first", hook("first"))
	d.OnShutdown("second", hook("second"))

	running := make(chan struct{})
	d.Go("loop", func(ctx context.Context) error {
		close(running)
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-running:
	case <-time.After(2 * time.Second):
		t.Fatal("runnable never started")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	require.Equal(t, []string{"second", "first"}, order)
}

func TestRunnableFailureBringsDaemonDown(t *testing.T) {
	d := New("test", testServer(), http.NewServeMux())
	boom := errors.New("spool watcher died")
	d.Go("watcher", func(ctx context.Context) error { return boom })

	err := d.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "watcher")
	require.ErrorIs(t, err, boom)
}

func TestHookFailureIsReported(t *testing.T) {
	d := New("test", testServer(), http.NewServeMux())
	d.OnShutdown("catalog", func(context.Context) error { return errors.New("close failed") })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Run(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "hook catalog")
}

func TestRunIsSingleUse(t *testing.T) {
	d := New("test", testServer(), http.NewServeMux())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))

	err := d.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "already started")
}
