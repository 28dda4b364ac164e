package supervisor

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is the worker binary used by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("HELPER_MODE") {
	case "crash":
		os.Exit(3)

	case "serve":
		ln, err := InheritedListener()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		id, _ := WorkerID()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer stop()

		srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "worker %s", id)
		})}
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
		_ = srv.Serve(ln)
		os.Exit(0)
	}
	case "signals":
		ln, err := InheritedListener()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer stop()

		var refreshes, flushes atomic.Int32
		HandleSignals(ctx, func() { refreshes.Add(1) }, func() { flushes.Add(1) })

		srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "refreshes %d flushes %d", refreshes.Load(), flushes.Load())
		})}
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
		_ = srv.Serve(ln)
		os.Exit(0)
	}
	os.Exit(1)
}

func get(url string) (string, bool) {
	resp, err := http.Get(url)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return string(b), resp.StatusCode == http.StatusOK
}

func helperConfig(mode string) Config {
	cfg := DefaultConfig()
	cfg.Binary = os.Args[0]
	cfg.Args = []string{"-test.run=TestHelperProcess", "--"}
	cfg.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "HELPER_MODE="+mode)
	cfg.Grace = 2 * time.Second
	cfg.RestartDelay = 10 * time.Millisecond
	cfg.Stdout = io.Discard
	cfg.Stderr = io.Discard
	return cfg
}

func TestSupervisor_WorkersShareListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	sup, err := New(helperConfig("serve"), ln, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	url := "http://" + ln.Addr().String() + "/"
	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond)

	assert.Regexp(t, `^worker [12]$`, body)
	assert.Eventually(t, func() bool { return len(sup.PIDs()) == 2 }, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Equal(t, 0, sup.Restarts())
}

func TestSupervisor_SignalsReachWorkers(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := helperConfig("signals")
	cfg.Workers = 1

	sup, err := New(cfg, ln, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	url := "http://" + ln.Addr().String() + "/"
	require.Eventually(t, func() bool {
		_, ok := get(url)
		return ok
	}, 10*time.Second, 50*time.Millisecond)

	n, err := sup.RefreshWorkers()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Eventually(t, func() bool {
		body, _ := get(url)
		return body == "refreshes 1 flushes 0"
	}, 5*time.Second, 20*time.Millisecond)

	n, err = sup.FlushWorkers()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Eventually(t, func() bool {
		body, _ := get(url)
		return body == "refreshes 1 flushes 1"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Equal(t, 0, sup.Restarts())
	assert.Empty(t, sup.PIDs())

	n, err = sup.RefreshWorkers()
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSupervisor_GivesUpAfterMaxRestarts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := helperConfig("crash")
	cfg.Workers = 1
	cfg.MaxRestarts = 2

	sup, err := New(cfg, ln, nil)
	require.NoError(t, err)

	err = sup.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up")
	assert.Equal(t, 2, sup.Restarts())
}

func TestNew_Validation(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := helperConfig("serve")
	cfg.Workers = 0
	_, err = New(cfg, ln, nil)
	assert.Error(t, err)
}

func TestInheritedListener_NotWorker(t *testing.T) {
	t.Setenv(EnvListenFD, "")

	_, err := InheritedListener()
	assert.ErrorIs(t, err, ErrNotWorker)

	t.Setenv(EnvListenFD, "three")
	_, err = InheritedListener()
	assert.Error(t, err)
}

func TestWorkerID(t *testing.T) {
	t.Setenv(EnvWorkerID, "")
	_, ok := WorkerID()
	assert.False(t, ok)

	t.Setenv(EnvWorkerID, "4")
	id, ok := WorkerID()
	assert.True(t, ok)
	assert.Equal(t, "4", id)
}
