package ratelimit

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestLimiterAllowPerHost(t *testing.T) {
	t.Parallel()

	l := New(Config{PerHostRPS: 0.001, PerHostBurst: 2})

	assert.True(t, l.Allow("https://example.com/a"))
	assert.True(t, l.Allow("https://EXAMPLE.com/b"))
	assert.False(t, l.Allow("https://example.com/c"))

	// a different host has its own bucket
	assert.True(t, l.Allow("https://other.org/"))
	assert.Equal(t, 2, l.Hosts())
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("https://example.com"))
	}
	assert.Zero(t, l.Hosts())

	var nilLimiter *Limiter
	assert.True(t, nilLimiter.Allow("https://example.com"))
}

func TestLimiterPrunesIdleHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{PerHostRPS: 0.001, PerHostBurst: 1})
	for i := 0; i < maxHosts; i++ {
		l.limiters[fmt.Sprintf("host-%d.example", i)] = rate.NewLimiter(l.defaultRate, l.defaultBurst)
	}
	assert.True(t, l.Allow("https://busy.example"))
	assert.Equal(t, 1, l.Hosts())
	assert.False(t, l.Allow("https://busy.example"))
}

func TestHost(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "example.com", Host("https://Example.COM:8443/x"))
	assert.Equal(t, "unknown", Host("not a url"))
	assert.Equal(t, "unknown", Host("http://[::1"))
}
