package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sidekick/internal/bridge"
	"sidekick/internal/config"
	"sidekick/internal/scheduler"
	"sidekick/internal/storage"
	"sidekick/internal/tasks"
	"sidekick/internal/transport"

	logx "sidekick/pkg/logx"
)

type chatRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (c *chatRecorder) send(ctx context.Context, to transport.ChatTarget, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *chatRecorder) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		return ""
	}
	return c.msgs[len(c.msgs)-1]
}

func (c *chatRecorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

type routerEnv struct {
	router *Router
	engine *scheduler.Engine
	bridge *bridge.Bridge
	chat   *chatRecorder
}

func newRouterEnv(t *testing.T, cfg *config.Config) *routerEnv {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Path:        filepath.Join(t.TempDir(), "sidekick.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	chat := &chatRecorder{}
	br := bridge.New(bridge.Config{AskTimeout: 5 * time.Second}, chat.send, logx.Nop())

	handlers := scheduler.NewHandlers()
	tasks.RegisterBuiltins(handlers, chat.send, tasks.NewConfirmAutomation(br), logx.Nop())

	eng := scheduler.New(st, handlers, logx.Nop())
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})

	r := NewRouter(func() *config.Config { return cfg }, eng, br, chat.send, logx.Nop())
	var n int
	r.newID = func(kind string, owner int64) string {
		n++
		return fmt.Sprintf("%s_%d_test%04d", kind, owner, n)
	}
	return &routerEnv{router: r, engine: eng, bridge: br, chat: chat}
}

func msg(from int64, text string) transport.Update {
	return transport.Update{Message: &transport.Message{
		ID: 1, ChatID: from * 10, FromID: from, Text: text,
	}}
}

func openConfig() *config.Config {
	return &config.Config{Telegram: config.TelegramConfig{Token: "123:abc"}}
}

func TestRouterHelp(t *testing.T) {
	t.Parallel()
	env := newRouterEnv(t, openConfig())
	env.router.Handle(context.Background(), msg(1, "/help"))
	require.Contains(t, env.chat.last(), "/schedule")
}

func TestRouterScheduleCreatesJob(t *testing.T) {
	t.Parallel()
	env := newRouterEnv(t, openConfig())
	ctx := context.Background()

	env.router.Handle(ctx, msg(42, "/schedule 0 0 9 * * 1-5 reminder drink water"))
	require.Contains(t, env.chat.last(), "✅ Scheduled reminder_42_test0001")
	require.Contains(t, env.chat.last(), "Next run:")

	infos, err := env.engine.List(ctx, 42)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "reminder", infos[0].Meta.TaskKind)
	require.Equal(t, "/schedule 0 0 9 * * 1-5 reminder drink water", infos[0].Meta.OriginalRequest)
	require.False(t, infos[0].NextFireAt.IsZero())
}

func TestRouterScheduleRejectsBadExpression(t *testing.T) {
	t.Parallel()
	env := newRouterEnv(t, openConfig())
	env.router.Handle(context.Background(), msg(1, "/schedule 0 9 * * reminder hi"))
	require.Contains(t, env.chat.last(), "Usage: /schedule")

	env.router.Handle(context.Background(), msg(1, "/schedule 0 0 99 * * * reminder hi"))
	require.Contains(t, env.chat.last(), "not a schedule I understand")
}

func TestRouterScheduleUnknownKind(t *testing.T) {
	t.Parallel()
	env := newRouterEnv(t, openConfig())
	env.router.Handle(context.Background(), msg(1, "/schedule 0 0 9 * * * espresso now"))
	require.Contains(t, env.chat.last(), `task kind "espresso"`)
}

func TestRouterAt(t *testing.T) {
	t.Parallel()
	env := newRouterEnv(t, openConfig())
	when := time.Now().Add(time.Hour).Format(time.RFC3339)
	env.router.Handle(context.Background(), msg(5, "/at "+when+" reminder call mom"))
	require.Contains(t, env.chat.last(), "✅ Scheduled reminder_5_test0001")

	env.router.Handle(context.Background(), msg(5, "/at tomorrow reminder x"))
	require.Contains(t, env.chat.last(), "RFC3339")
}

func TestRouterListEmpty(t *testing.T) {
	t.Parallel()
	env := newRouterEnv(t, openConfig())
	env.router.Handle(context.Background(), msg(9, "/schedules"))
	require.Contains(t, env.chat.last(), "no schedules")
}

func TestRouterCancelHidesOwnership(t *testing.T) {
	t.Parallel()
	env := newRouterEnv(t, openConfig())
	ctx := context.Background()

	env.router.Handle(ctx, msg(1, "/schedule 0 0 9 * * * reminder water"))
	id := "reminder_1_test0001"

	// Someone else's cancel reads exactly like a missing id.
	env.router.Handle(ctx, msg(2, "/cancel "+id))
	notOwner := env.chat.last()
	env.router.Handle(ctx, msg(2, "/cancel reminder_1_nosuchid"))
	require.Equal(t, "No schedule with that id: reminder_1_nosuchid",
		env.chat.last())
	require.Equal(t, "No schedule with that id: "+id, notOwner)

	// The owner can cancel for real.
	env.router.Handle(ctx, msg(1, "/cancel "+id))
	require.Equal(t, "🗑️ Cancelled "+id, env.chat.last())
	infos, err := env.engine.List(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, infos)
}

func TestRouterDeliversReplyBeforeCommands(t *testing.T) {
	t.Parallel()
	env := newRouterEnv(t, openConfig())

	answers := make(chan string, 1)
	go func() {
		reply, err := env.bridge.Ask(context.Background(), 7, transport.ChatTarget{ChatID: 70}, "which slot?")
		if err == nil {
			answers <- reply
		}
	}()
	require.Eventually(t, func() bool {
		_, ok := env.bridge.Pending(7)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	// While the question is pending, even command-looking text is the answer.
	env.router.Handle(context.Background(), msg(7, "/schedules"))
	select {
	case reply := <-answers:
		require.Equal(t, "/schedules", reply)
	case <-time.After(2 * time.Second):
		t.Fatal("pending ask did not receive the message")
	}
}

func TestRouterIgnoresUnlistedUsers(t *testing.T) {
	t.Parallel()
	cfg := openConfig()
	cfg.Telegram.OwnerUserIDs = []int64{1}
	env := newRouterEnv(t, cfg)

	env.router.Handle(context.Background(), msg(2, "/help"))
	require.Zero(t, env.chat.count(), "unlisted users get silence")

	env.router.Handle(context.Background(), msg(1, "/help"))
	require.Equal(t, 1, env.chat.count())
}
