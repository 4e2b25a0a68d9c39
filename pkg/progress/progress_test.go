package progress

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []string
	active bool
}

func (r *recorder) add(s string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
	return nil
}

func (r *recorder) Start(m string) error   { r.active = true; return r.add("start " + m) }
func (r *recorder) Update(m string) error  { return r.add("update " + m) }
func (r *recorder) Success(m string) error { r.active = false; return r.add("success " + m) }
func (r *recorder) Failure(m string) error { r.active = false; return r.add("failure " + m) }
func (r *recorder) Stop() error            { r.active = false; return r.add("stop") }
func (r *recorder) IsActive() bool         { return r.active }

func TestNew(t *testing.T) {
	t.Run("Should return a noop when disabled", func(t *testing.T) {
		p := New(&Config{Enabled: false})
		assert.IsType(t, Noop{}, p)
		require.NoError(t, p.Start("x"))
		assert.False(t, p.IsActive())
	})

	t.Run("Should return a spinner when enabled", func(t *testing.T) {
		p := New(&Config{Enabled: true, Writer: &bytes.Buffer{}})
		assert.IsType(t, &Spinner{}, p)
	})
}

func TestSpinner(t *testing.T) {
	var buf bytes.Buffer
	s := NewSpinner(&Config{Enabled: true, Writer: &buf})

	require.NoError(t, s.Start("fetching"))
	assert.True(t, s.IsActive())
	assert.Error(t, s.Start("again"))

	require.NoError(t, s.Update("fetching 1/2"))
	require.NoError(t, s.Success("done"))
	assert.False(t, s.IsActive())

	// Finishing an inactive spinner is a no-op.
	require.NoError(t, s.Failure("late"))
	require.NoError(t, s.Stop())
}

func TestCounter(t *testing.T) {
	t.Run("Should report progress and success", func(t *testing.T) {
		r := &recorder{}
		c := NewCounter(r, "fetching", 2)
		require.NoError(t, c.Start())
		c.Done(true)
		c.Done(true)
		require.NoError(t, c.Finish())

		assert.Equal(t, []string{
			"start fetching 0/2",
			"update fetching 1/2",
			"update fetching 2/2",
			"success fetching 2/2",
		}, r.events)
	})

	t.Run("Should report failures", func(t *testing.T) {
		r := &recorder{}
		c := NewCounter(r, "fetching", 3)
		require.NoError(t, c.Start())
		c.Done(true)
		c.Done(false)
		c.Done(true)
		require.NoError(t, c.Finish())

		done, failed := c.Counts()
		assert.Equal(t, 3, done)
		assert.Equal(t, 1, failed)
		assert.Equal(t, "failure fetching 2/3, 1 failed", r.events[len(r.events)-1])
	})

	t.Run("Should accept a nil indicator", func(t *testing.T) {
		c := NewCounter(nil, "x", 1)
		c.Done(true)
		assert.NoError(t, c.Finish())
	})
}
