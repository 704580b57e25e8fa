package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cruisectl/internal/eventbus"
	logx "cruisectl/pkg/logx"
)

func recorder(calls *[]string, name string) Callback {
	return func(ctx context.Context, u Update) error {
		*calls = append(*calls, name)
		return nil
	}
}

func TestScopedCallbackOnlyForItsCruise(t *testing.T) {
	h := New(logx.Nop())
	var calls []string
	h.OnUpdate("X", recorder(&calls, "x"), nil)

	h.SignalUpdate(context.Background(), "X")
	assert.Equal(t, []string{"x"}, calls)

	h.SignalUpdate(context.Background(), "Y")
	h.SignalUpdate(context.Background(), Wildcard)
	assert.Equal(t, []string{"x"}, calls)
}

func TestWildcardCalledForEverySignal(t *testing.T) {
	h := New(logx.Nop())
	var calls []string
	h.OnUpdate(Wildcard, recorder(&calls, "all"), nil)

	h.SignalUpdate(context.Background(), "X")
	h.SignalUpdate(context.Background(), "Y")
	h.SignalUpdate(context.Background(), Wildcard)

	assert.Equal(t, []string{"all", "all", "all"}, calls)
}

func TestExactScopeBeforeWildcardInRegistrationOrder(t *testing.T) {
	h := New(logx.Nop())
	var calls []string
	h.OnUpdate(Wildcard, recorder(&calls, "w1"), nil)
	h.OnUpdate("X", recorder(&calls, "x1"), nil)
	h.OnUpdate(Wildcard, recorder(&calls, "w2"), nil)
	h.OnUpdate("X", recorder(&calls, "x2"), nil)
	h.OnUpdate("X", recorder(&calls, "x2"), nil)

	h.SignalUpdate(context.Background(), "X")

	assert.Equal(t, []string{"x1", "x2", "x2", "w1", "w2"}, calls)
}

func TestArgsAndCruisePassed(t *testing.T) {
	h := New(logx.Nop())
	var got Update
	h.OnUpdate("X", func(ctx context.Context, u Update) error {
		got = u
		return nil
	}, map[string]any{"runner": "main"})

	h.SignalUpdate(context.Background(), "X")

	assert.Equal(t, "X", got.Cruise)
	assert.Equal(t, "main", got.Args["runner"])
}

func TestFailingCallbacksAreIsolated(t *testing.T) {
	var buf bytes.Buffer
	h := New(logx.NewJSON(&buf, "debug"))
	var calls []string

	h.OnUpdate("X", func(context.Context, Update) error { panic("observer bug") }, nil)
	h.OnUpdate("X", func(context.Context, Update) error { return errors.New("observer error") }, nil)
	h.OnUpdate("X", recorder(&calls, "after"), nil)
	h.OnUpdate(Wildcard, recorder(&calls, "wild"), nil)

	failed := h.SignalUpdate(context.Background(), "X")

	assert.Equal(t, 2, failed)
	assert.Equal(t, []string{"after", "wild"}, calls)
	assert.Contains(t, buf.String(), "update callback panicked")
	assert.Contains(t, buf.String(), "observer error")

	st := h.Stats()
	assert.Equal(t, uint64(2), st.Failures)
	assert.Equal(t, uint64(4), st.Invocations)
	assert.Equal(t, uint64(1), st.Signals)
}

func TestForgetDropsOnlyScoped(t *testing.T) {
	h := New(logx.Nop())
	var calls []string
	h.OnUpdate("X", recorder(&calls, "x"), nil)
	h.OnUpdate("X", recorder(&calls, "x"), nil)
	h.OnUpdate(Wildcard, recorder(&calls, "w"), nil)

	assert.Equal(t, 2, h.Forget("X"))
	assert.Equal(t, 0, h.Forget(Wildcard))

	h.SignalUpdate(context.Background(), "X")
	assert.Equal(t, []string{"w"}, calls)
	assert.Equal(t, 1, h.Stats().Registrations)
}

func TestRemove(t *testing.T) {
	h := New(logx.Nop())
	var calls []string
	r1 := h.OnUpdate("X", recorder(&calls, "a"), nil)
	h.OnUpdate("X", recorder(&calls, "b"), nil)
	rw := h.OnUpdate(Wildcard, recorder(&calls, "w"), nil)

	assert.True(t, h.Remove(r1))
	assert.False(t, h.Remove(r1))
	assert.True(t, h.Remove(rw))
	assert.Equal(t, Wildcard, rw.Scope())

	h.SignalUpdate(context.Background(), "X")
	assert.Equal(t, []string{"b"}, calls)
}

func TestCallbackMayRegister(t *testing.T) {
	h := New(logx.Nop())
	var calls []string
	h.OnUpdate("X", func(ctx context.Context, u Update) error {
		h.OnUpdate("X", recorder(&calls, "late"), nil)
		return nil
	}, nil)

	h.SignalUpdate(context.Background(), "X")
	assert.Empty(t, calls)

	h.SignalUpdate(context.Background(), "X")
	assert.Equal(t, []string{"late"}, calls)
}

func TestSignalPublishesOnBus(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	h := New(logx.Nop(), WithBus(bus))
	h.SignalUpdate(context.Background(), "NBP1700")

	e := <-ch
	require.Equal(t, eventbus.TypeCruiseUpdated, e.Type)
	assert.Equal(t, "NBP1700", e.Cruise)
	assert.True(t, strings.HasPrefix(e.Type, "cruise."))
}
