package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"lumina-iq/pkg/apperr"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestBreaker() (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New("llm", 3, 300*time.Second)
	b.now = clock.now
	return b, clock
}

var upstream = apperr.New(apperr.UpstreamUnavailable, "llm.Complete", "down")

func TestOpensAfterMaxFailures(t *testing.T) {
	b, _ := newTestBreaker()
	calls := 0
	fail := func() error { calls++; return upstream }

	for i := 0; i < 3; i++ {
		assert.Error(t, b.Do(fail))
	}
	assert.True(t, b.Open())

	err := b.Do(fail)
	assert.Equal(t, apperr.UpstreamUnavailable, apperr.KindOf(err))
	assert.Equal(t, 3, calls, "open breaker must not call through")
}

func TestResetsAfterWindow(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	assert.True(t, b.Open())

	clock.t = clock.t.Add(301 * time.Second)
	assert.False(t, b.Open())
	assert.NoError(t, b.Do(func() error { return nil }))
}

func TestOldFailuresFallOutOfWindow(t *testing.T) {
	b, clock := newTestBreaker()
	b.Failure()
	b.Failure()
	clock.t = clock.t.Add(400 * time.Second)
	b.Failure()
	assert.False(t, b.Open())
}

func TestSuccessResets(t *testing.T) {
	b, _ := newTestBreaker()
	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	assert.False(t, b.Open())
}

func TestValidationErrorsDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker()
	bad := apperr.New(apperr.Validation, "op", "bad input")
	for i := 0; i < 5; i++ {
		assert.Error(t, b.Do(func() error { return bad }))
	}
	assert.False(t, b.Open())
	assert.Error(t, b.Do(func() error { return errors.New("plain") }))
	assert.False(t, b.Open())
}
