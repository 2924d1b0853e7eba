package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sidekick/internal/transport"

	logx "sidekick/pkg/logx"
)

func noopSend(ctx context.Context, to transport.ChatTarget, text string) error { return nil }

func TestAskDeliverRoundTrip(t *testing.T) {
	t.Parallel()
	b := New(Config{}, noopSend, logx.Nop())

	type result struct {
		reply string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		r, err := b.Ask(context.Background(), 1, transport.ChatTarget{ChatID: 100}, "Pick 1 or 2?")
		done <- result{r, err}
	}()

	// Wait for the slot to register.
	require.Eventually(t, func() bool {
		_, ok := b.Pending(1)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, b.Deliver(1, "2"))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Equal(t, "2", r.reply)
	case <-time.After(2 * time.Second):
		t.Fatal("Ask did not return after Deliver")
	}

	// No new Ask outstanding: a second deliver must be refused.
	require.False(t, b.Deliver(1, "again"))
}

func TestSecondAskIsRejected(t *testing.T) {
	t.Parallel()
	b := New(Config{}, noopSend, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_, _ = b.Ask(ctx, 5, transport.ChatTarget{ChatID: 500}, "first?")
	}()
	require.Eventually(t, func() bool {
		_, ok := b.Pending(5)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	_, err := b.Ask(context.Background(), 5, transport.ChatTarget{ChatID: 500}, "second?")
	require.ErrorIs(t, err, ErrBusy)

	// The original question is untouched.
	q, ok := b.Pending(5)
	require.True(t, ok)
	require.Equal(t, "first?", q)
}

func TestDeliverToOtherUserDoesNotResolve(t *testing.T) {
	t.Parallel()
	b := New(Config{}, noopSend, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := b.Ask(ctx, 1, transport.ChatTarget{ChatID: 100}, "Pick 1 or 2?")
		done <- err
	}()
	require.Eventually(t, func() bool {
		_, ok := b.Pending(1)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	// An unrelated user's message is not a reply for user 1.
	require.False(t, b.Deliver(2, "hello"))

	select {
	case err := <-done:
		t.Fatalf("Ask resolved by wrong user: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.True(t, b.Deliver(1, "1"))
	require.NoError(t, <-done)
}

func TestAskCancelled(t *testing.T) {
	t.Parallel()
	b := New(Config{}, noopSend, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := b.Ask(ctx, 9, transport.ChatTarget{ChatID: 900}, "still there?")
		done <- err
	}()
	require.Eventually(t, func() bool {
		_, ok := b.Pending(9)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// Slot is cleared; a later message is ordinary traffic.
	require.False(t, b.Deliver(9, "yes"))
}

func TestAskTimeout(t *testing.T) {
	t.Parallel()
	b := New(Config{AskTimeout: 50 * time.Millisecond}, noopSend, logx.Nop())

	_, err := b.Ask(context.Background(), 3, transport.ChatTarget{ChatID: 300}, "hurry?")
	require.ErrorIs(t, err, ErrTimeout)

	_, ok := b.Pending(3)
	require.False(t, ok)
}

func TestSendFailureClearsSlot(t *testing.T) {
	t.Parallel()
	failing := func(ctx context.Context, to transport.ChatTarget, text string) error {
		return context.DeadlineExceeded
	}
	b := New(Config{}, failing, logx.Nop())

	_, err := b.Ask(context.Background(), 4, transport.ChatTarget{ChatID: 400}, "?")
	require.Error(t, err)
	_, ok := b.Pending(4)
	require.False(t, ok)
}

// A Deliver that reports the message consumed must always be the reply Ask
// returns, even when it lands right at the ask deadline.
func TestDeliverAtDeadlineNeverLosesReply(t *testing.T) {
	t.Parallel()
	for i := 0; i < 500; i++ {
		b := New(Config{AskTimeout: time.Millisecond}, noopSend, logx.Nop())

		type result struct {
			reply string
			err   error
		}
		done := make(chan result, 1)
		go func() {
			r, err := b.Ask(context.Background(), 1, transport.ChatTarget{ChatID: 100}, "now or never?")
			done <- result{r, err}
		}()
		require.Eventually(t, func() bool {
			_, ok := b.Pending(1)
			return ok
		}, 2*time.Second, 100*time.Microsecond)

		// Jitter the delivery around the deadline.
		time.Sleep(time.Duration(i%40) * 50 * time.Microsecond)
		consumed := b.Deliver(1, "here")

		r := <-done
		if consumed {
			require.NoError(t, r.err, "iteration %d: consumed message must resolve the ask", i)
			require.Equal(t, "here", r.reply, "iteration %d", i)
		} else {
			require.ErrorIs(t, r.err, ErrTimeout, "iteration %d", i)
		}
	}
}

func TestConcurrentDeliversResolveOnce(t *testing.T) {
	t.Parallel()
	b := New(Config{}, noopSend, logx.Nop())

	replies := make(chan string, 1)
	go func() {
		r, err := b.Ask(context.Background(), 7, transport.ChatTarget{ChatID: 700}, "race?")
		if err == nil {
			replies <- r
		}
	}()
	require.Eventually(t, func() bool {
		_, ok := b.Pending(7)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	consumed := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumed <- b.Deliver(7, "winner")
		}()
	}
	wg.Wait()
	close(consumed)

	wins := 0
	for ok := range consumed {
		if ok {
			wins++
		}
	}
	require.Equal(t, 1, wins, "exactly one Deliver must win")

	select {
	case r := <-replies:
		require.Equal(t, "winner", r)
	case <-time.After(2 * time.Second):
		t.Fatal("Ask never resolved")
	}
}
