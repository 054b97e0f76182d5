package backend

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/tenantgw/internal/apierror"
)

type staticSource map[string][]string

func (s staticSource) Addresses(service string) []string { return s[service] }

func TestRoundRobin_CyclesWithPeriodK(t *testing.T) {
	t.Parallel()

	addrs := []string{"http://a:1", "http://b:1", "http://c:1"}
	b := NewRoundRobinBalancer(staticSource{"menu": addrs})

	var got []string
	for i := 0; i < 9; i++ {
		addr, err := b.Next("menu")
		require.NoError(t, err)
		got = append(got, addr)
	}

	for i := range got {
		assert.Equal(t, addrs[i%3], got[i])
	}
}

func TestRoundRobin_IndependentCursors(t *testing.T) {
	t.Parallel()

	b := NewRoundRobinBalancer(staticSource{
		"menu":   {"http://m1", "http://m2"},
		"orders": {"http://o1", "http://o2"},
	})

	m, _ := b.Next("menu")
	o, _ := b.Next("orders")
	assert.Equal(t, "http://m1", m)
	assert.Equal(t, "http://o1", o)
}

func TestRoundRobin_ConcurrentFairness(t *testing.T) {
	t.Parallel()

	b := NewRoundRobinBalancer(staticSource{"menu": {"a", "b", "c", "d"}})

	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 400; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr, err := b.Next("menu")
			if err != nil {
				return
			}
			mu.Lock()
			counts[addr]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, a := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, 100, counts[a], a)
	}
}

func TestRoundRobin_MarkUnhealthy(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	src := staticSource{"menu": {"http://a", "http://b"}}
	b := NewRoundRobinBalancer(src, WithClock(clock), WithUnhealthyCooldown(10*time.Second))

	b.MarkUnhealthy("menu", "http://a")

	for i := 0; i < 4; i++ {
		addr, err := b.Next("menu")
		require.NoError(t, err)
		assert.Equal(t, "http://b", addr)
	}

	// Registry state is untouched.
	assert.Len(t, src.Addresses("menu"), 2)

	eps := b.Endpoints("menu")
	require.Len(t, eps, 2)
	assert.Equal(t, StatusUnhealthy, eps[0].Health)
	assert.Equal(t, now, eps[0].LastFailureAt)
	assert.Equal(t, StatusHealthy, eps[1].Health)

	now = now.Add(10 * time.Second)
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		addr, _ := b.Next("menu")
		seen[addr] = true
	}
	assert.True(t, seen["http://a"], "address must return after cooldown")
}

func TestRoundRobin_EmptyRotation(t *testing.T) {
	t.Parallel()

	b := NewRoundRobinBalancer(staticSource{"menu": {"http://a"}}, WithUnhealthyCooldown(0))

	_, err := b.Next("unknown")
	var apiErr *apierror.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierror.CodeServiceNotFound, apiErr.Code)
	assert.Equal(t, 503, apiErr.StatusCode)

	b.MarkUnhealthy("menu", "http://a")
	_, err = b.Next("menu")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierror.KindServiceUnavailable, apiErr.Kind)
	assert.Equal(t, apierror.CodeServiceOffline, apiErr.Code)

	b.Reinstate("menu")
	addr, err := b.Next("menu")
	require.NoError(t, err)
	assert.Equal(t, "http://a", addr)

	b.MarkUnhealthy("menu", "http://a")
	b.MarkHealthy("menu", "http://a")
	_, err = b.Next("menu")
	assert.NoError(t, err)
}

func TestStatus_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "healthy", StatusHealthy.String())
	assert.Equal(t, "unhealthy", StatusUnhealthy.String())
}
