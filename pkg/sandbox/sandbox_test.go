package sandbox

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// When set, the test binary acts as a bridge that only answers health checks.
const helperEnv = "HOMESPUN_SANDBOX_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		mux := http.NewServeMux()
		mux.HandleFunc(HealthPath, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		_ = http.ListenAndServe(os.Getenv(bridgeEnv), mux)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func fastReadiness(attempts int) Readiness {
	return Readiness{Interval: 20 * time.Millisecond, Attempts: attempts, Timeout: 10 * time.Second}
}

func TestPortAllocator_ConcurrentAcquire(t *testing.T) {
	t.Parallel()

	a := NewPortAllocator("127.0.0.1", 42000, 42100)
	const n = 16

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := a.Acquire()
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[port], "port %d handed out twice", port)
			seen[port] = true
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	assert.Equal(t, n, a.Leased())
	for port := range seen {
		a.Release(port)
	}
	assert.Equal(t, 0, a.Leased())
}

func TestPortAllocator_Exhausted(t *testing.T) {
	t.Parallel()

	a := NewPortAllocator("127.0.0.1", 42200, 42200)
	port, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 42200, port)

	_, err = a.Acquire()
	require.ErrorIs(t, err, ErrNoPortAvailable)
}

func TestPortAllocator_SkipsBoundPort(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	busy := srv.Listener.Addr().(*net.TCPAddr).Port

	a := NewPortAllocator("127.0.0.1", busy, busy)
	_, err := a.Acquire()
	require.ErrorIs(t, err, ErrNoPortAvailable)
}

func TestProber(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == HealthPath && healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewProber(time.Second)
	assert.False(t, p.Check(t.Context(), srv.URL))
	healthy.Store(true)
	assert.True(t, p.Check(t.Context(), srv.URL))
	assert.False(t, p.Check(t.Context(), ""))
}

func TestProber_WaitReadyGivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewProber(time.Second).WaitReady(t.Context(), srv.URL, fastReadiness(3), nil)
	require.ErrorIs(t, err, ErrUnitNotReady)
	assert.Equal(t, int32(3), hits.Load())
}

func TestProcessBackend_StartStop(t *testing.T) {
	t.Parallel()

	ports := NewPortAllocator("127.0.0.1", 43000, 43100)
	b := NewProcessBackend([]string{os.Args[0]}, ports, NewProber(time.Second), fastReadiness(100))
	defer b.Close(context.Background())

	unit, err := b.Start(t.Context(), Spec{
		Name:       "s1",
		WorkingDir: t.TempDir(),
		Env:        map[string]string{helperEnv: "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "process", unit.Backend)
	assert.Regexp(t, `^homespun-s1-[0-9a-f]{8}$`, unit.Name)
	assert.True(t, b.HealthCheck(t.Context(), unit))

	units, err := b.List(t.Context())
	require.NoError(t, err)
	require.Len(t, units, 1)

	require.NoError(t, b.Stop(t.Context(), unit.ID))
	assert.False(t, b.HealthCheck(t.Context(), unit))
	assert.Equal(t, 0, ports.Leased())
	require.ErrorIs(t, b.Stop(t.Context(), unit.ID), ErrUnitNotFound)
}

func TestProcessBackend_FailedHealthChecksLeaveNothingBehind(t *testing.T) {
	t.Parallel()

	ports := NewPortAllocator("127.0.0.1", 43200, 43300)
	b := NewProcessBackend([]string{"sleep", "30"}, ports, NewProber(100*time.Millisecond), fastReadiness(3))

	_, err := b.Start(t.Context(), Spec{WorkingDir: t.TempDir()})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	require.ErrorIs(t, err, ErrUnitNotReady)

	units, err := b.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, units)
	assert.Equal(t, 0, ports.Leased())
}

func TestProcessBackend_ConcurrentStartsGetDistinctEndpoints(t *testing.T) {
	t.Parallel()

	ports := NewPortAllocator("127.0.0.1", 44000, 44200)
	b := NewProcessBackend([]string{os.Args[0]}, ports, NewProber(time.Second), fastReadiness(200))
	defer b.Close(context.Background())

	const n = 10
	endpoints := make(chan string, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unit, err := b.Start(t.Context(), Spec{Env: map[string]string{helperEnv: "1"}})
			if assert.NoError(t, err) {
				endpoints <- unit.Endpoint
			}
		}()
	}
	wg.Wait()
	close(endpoints)

	seen := make(map[string]bool)
	for ep := range endpoints {
		assert.False(t, seen[ep], "endpoint %s reused", ep)
		seen[ep] = true
	}
	assert.Len(t, seen, n)
}

type flakyBackend struct {
	Backend
	failures int
	calls    int
}

func (f *flakyBackend) Name() string { return "flaky" }

func (f *flakyBackend) Start(context.Context, Spec) (*Unit, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &TransientError{Op: "start", Err: ErrUnitNotReady}
	}
	return &Unit{ID: "u1"}, nil
}

func TestWithRetry(t *testing.T) {
	t.Parallel()

	t.Run("recovers", func(t *testing.T) {
		t.Parallel()
		f := &flakyBackend{failures: 1}
		unit, err := WithRetry(f, RetryPolicy{Attempts: 2}).Start(t.Context(), Spec{})
		require.NoError(t, err)
		assert.Equal(t, "u1", unit.ID)
		assert.Equal(t, 2, f.calls)
	})

	t.Run("exhausted", func(t *testing.T) {
		t.Parallel()
		f := &flakyBackend{failures: 5}
		_, err := WithRetry(f, RetryPolicy{Attempts: 2}).Start(t.Context(), Spec{})
		require.Error(t, err)

		var te *TransientError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, 2, te.Attempts)
		require.ErrorIs(t, err, ErrUnitNotReady)
		assert.Equal(t, 2, f.calls)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		t.Parallel()
		b := &permanentBackend{}
		_, err := WithRetry(b, RetryPolicy{Attempts: 3}).Start(t.Context(), Spec{})
		require.Error(t, err)
		assert.False(t, IsTransient(err))
		assert.Equal(t, 1, b.calls)
	})
}

type permanentBackend struct {
	Backend
	calls int
}

func (p *permanentBackend) Name() string { return "permanent" }

func (p *permanentBackend) Start(context.Context, Spec) (*Unit, error) {
	p.calls++
	return nil, errors.New("bad spec")
}
