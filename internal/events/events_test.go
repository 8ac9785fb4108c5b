package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListenersEmitAndUnsubscribe(t *testing.T) {
	t.Parallel()

	var l Listeners[int]
	var first, second []int

	sub1 := l.Add(func(v int) { first = append(first, v) })
	l.Add(func(v int) { second = append(second, v) })
	require.Equal(t, 2, l.Len())

	l.Emit(1)
	sub1.Unsubscribe()
	sub1.Unsubscribe()
	l.Emit(2)

	require.Equal(t, []int{1}, first)
	require.Equal(t, []int{1, 2}, second)
	require.Equal(t, 1, l.Len())
}

func TestListenersClose(t *testing.T) {
	t.Parallel()

	var l Listeners[string]
	called := 0
	l.Add(func(string) { called++ })
	l.Close()
	l.Emit("dropped")

	sub := l.Add(func(string) { called++ })
	l.Emit("dropped")
	sub.Unsubscribe()

	require.Zero(t, called)
	require.Zero(t, l.Len())
}

func TestNilSubscription(t *testing.T) {
	t.Parallel()

	var sub *Subscription
	require.NotPanics(t, sub.Unsubscribe)
}

func TestListenerUnsubscribesItself(t *testing.T) {
	t.Parallel()

	var l Listeners[int]
	var got []int

	var sub *Subscription
	sub = l.Add(func(v int) {
		got = append(got, v)
		sub.Unsubscribe()
	})

	l.Emit(1)
	l.Emit(2)

	require.Equal(t, []int{1}, got)
	require.Zero(t, l.Len())
}

func TestListenerRemovedDuringEmitIsSkipped(t *testing.T) {
	t.Parallel()

	var l Listeners[int]
	var first, second *Subscription
	calls := 0

	// Whichever listener runs first removes the other.
	first = l.Add(func(int) { calls++; second.Unsubscribe() })
	second = l.Add(func(int) { calls++; first.Unsubscribe() })

	l.Emit(1)

	require.Equal(t, 1, calls)
	require.Equal(t, 1, l.Len())
}
