package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, mux *fakeMux, spawner *fakeSpawner, id string) *TerminalSession {
	t.Helper()
	return newTerminalSession(SessionOptions{
		ID:             id,
		WorkDir:        t.TempDir(),
		Size:           Size{Cols: 100, Rows: 30},
		BufferCap:      16,
		StartupTimeout: 2 * time.Second,
	}, mux, spawner)
}

func TestTerminalSessionStart(t *testing.T) {
	mux := newFakeMux()
	spawner := &fakeSpawner{greeting: "$ "}
	s := newTestSession(t, mux, spawner, "catterm-proj-1")

	res, err := s.Start(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, StateActive, res.State)
	assert.False(t, res.Reconnected)
	assert.Equal(t, 1000, res.Pid)
	assert.Equal(t, StateActive, s.State())

	assert.True(t, mux.has("catterm-proj-1"), "tmux session should be created")
	require.Equal(t, 1, spawner.count())
	assert.Equal(t, []string{"tmux", "attach-session", "-t", "=catterm-proj-1"}, spawner.opts[0].Argv)
	assert.Equal(t, Size{Cols: 100, Rows: 30}, spawner.opts[0].Size)

	t.Run("start while active returns current attachment", func(t *testing.T) {
		again, err := s.Start(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, res.Pid, again.Pid)
		assert.Equal(t, 1, spawner.count())
	})
}

func TestTerminalSessionReconnectSkipsCreation(t *testing.T) {
	mux := newFakeMux()
	spawner := &fakeSpawner{greeting: "$ "}
	s := newTestSession(t, mux, spawner, "catterm-proj-1")

	res, err := s.Start(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, res.Reconnected)
	assert.False(t, mux.has("catterm-proj-1"))
}

func TestTerminalSessionStartFailures(t *testing.T) {
	t.Run("spawn failure", func(t *testing.T) {
		mux := newFakeMux()
		s := newTestSession(t, mux, &fakeSpawner{err: errors.New("no pty")}, "catterm-proj-1")

		_, err := s.Start(context.Background(), false)
		assert.ErrorIs(t, err, ErrSessionCreateFailed)
		assert.Equal(t, StateError, s.State())
	})

	t.Run("tmux failure", func(t *testing.T) {
		mux := newFakeMux()
		mux.ensureErr = errors.New("server exited")
		s := newTestSession(t, mux, &fakeSpawner{greeting: "$ "}, "catterm-proj-1")

		_, err := s.Start(context.Background(), false)
		assert.ErrorIs(t, err, ErrSessionCreateFailed)
	})

	t.Run("silent attachment times out", func(t *testing.T) {
		mux := newFakeMux()
		spawner := &fakeSpawner{}
		s := newTerminalSession(SessionOptions{
			ID:             "catterm-proj-1",
			Size:           Size{Cols: 80, Rows: 24},
			StartupTimeout: 50 * time.Millisecond,
		}, mux, spawner)

		_, err := s.Start(context.Background(), false)
		assert.ErrorIs(t, err, ErrSessionCreateFailed)
		assert.Equal(t, StateError, s.State())
		assert.Equal(t, 0, s.Pid())

		select {
		case <-spawner.last().exited:
		case <-time.After(time.Second):
			t.Fatal("attachment process was not killed")
		}
	})

	t.Run("terminal states cannot restart", func(t *testing.T) {
		mux := newFakeMux()
		spawner := &fakeSpawner{greeting: "$ "}
		s := newTestSession(t, mux, spawner, "catterm-proj-1")
		require.NoError(t, s.Kill(context.Background(), nil))

		_, err := s.Start(context.Background(), false)
		assert.ErrorIs(t, err, ErrSessionCreateFailed)
		assert.Equal(t, 0, spawner.count())
	})
}

func TestTerminalSessionRejectsInputUnlessActive(t *testing.T) {
	mux := newFakeMux()
	spawner := &fakeSpawner{greeting: "$ "}
	ctx := context.Background()

	check := func(t *testing.T, s *TerminalSession) {
		t.Helper()
		assert.ErrorIs(t, s.Write([]byte("ls\n")), ErrTerminalNotActive)
		assert.ErrorIs(t, s.Resize(Size{Cols: 90, Rows: 20}), ErrTerminalNotActive)
	}

	t.Run("inactive", func(t *testing.T) {
		check(t, newTestSession(t, mux, spawner, "catterm-a-1"))
	})

	t.Run("detached", func(t *testing.T) {
		s := newTestSession(t, mux, spawner, "catterm-b-1")
		_, err := s.Start(ctx, false)
		require.NoError(t, err)
		require.NoError(t, s.Detach())
		assert.Equal(t, StateDetached, s.State())
		check(t, s)
	})

	t.Run("killed", func(t *testing.T) {
		s := newTestSession(t, mux, spawner, "catterm-c-1")
		_, err := s.Start(ctx, false)
		require.NoError(t, err)
		require.NoError(t, s.Kill(ctx, nil))
		check(t, s)
	})

	t.Run("error", func(t *testing.T) {
		s := newTestSession(t, mux, &fakeSpawner{err: errors.New("boom")}, "catterm-d-1")
		_, _ = s.Start(ctx, false)
		require.Equal(t, StateError, s.State())
		check(t, s)
	})
}

func TestTerminalSessionWriteAndResize(t *testing.T) {
	mux := newFakeMux()
	spawner := &fakeSpawner{greeting: "$ "}
	s := newTestSession(t, mux, spawner, "catterm-proj-1")
	_, err := s.Start(context.Background(), false)
	require.NoError(t, err)

	require.NoError(t, s.Write([]byte("ls -la\n")))
	assert.Equal(t, "ls -la\n", spawner.last().written())

	require.NoError(t, s.Resize(Size{Cols: 132, Rows: 50}))
	assert.Equal(t, Size{Cols: 132, Rows: 50}, spawner.last().currentSize())
	assert.Equal(t, Size{Cols: 132, Rows: 50}, s.Size())

	assert.Error(t, s.Resize(Size{Cols: 0, Rows: 50}))
}

func TestTerminalSessionKillIsIdempotent(t *testing.T) {
	mux := newFakeMux()
	spawner := &fakeSpawner{greeting: "$ "}
	s := newTestSession(t, mux, spawner, "catterm-proj-1")
	listener := &recordingListener{}
	s.Subscribe(listener)

	_, err := s.Start(context.Background(), false)
	require.NoError(t, err)

	require.NoError(t, s.Kill(context.Background(), nil))
	assert.Equal(t, StateKilled, s.State())
	assert.False(t, mux.has("catterm-proj-1"))
	assert.Contains(t, spawner.last().written(), detachKeys)

	require.NoError(t, s.Kill(context.Background(), nil))
	assert.Equal(t, []string{"catterm-proj-1"}, mux.killed())
	assert.Equal(t, []State{StateKilled}, listener.exitStates())
}

func TestTerminalSessionKillToleratesMissingTmuxSession(t *testing.T) {
	mux := newFakeMux()
	s := newTestSession(t, mux, &fakeSpawner{}, "catterm-proj-1")
	require.NoError(t, s.Kill(context.Background(), nil))
	assert.Equal(t, StateKilled, s.State())
}

func TestTerminalSessionDetachThenReattach(t *testing.T) {
	mux := newFakeMux()
	spawner := &fakeSpawner{greeting: "$ "}
	s := newTestSession(t, mux, spawner, "catterm-proj-1")
	ctx := context.Background()

	_, err := s.Start(ctx, false)
	require.NoError(t, err)
	first := spawner.last()

	require.NoError(t, s.Detach())
	require.NoError(t, s.Detach())
	assert.Equal(t, StateDetached, s.State())
	assert.Equal(t, detachKeys, first.written())
	assert.True(t, mux.has("catterm-proj-1"), "detach must leave tmux running")

	res, err := s.Start(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, StateActive, s.State())
	assert.NotEqual(t, first.pid, res.Pid)

	// late output from the old attachment is ignored
	assert.False(t, s.handleOutput(1, []byte("stale")))
	assert.Equal(t, 2, s.ring.Len())
}

func TestTerminalSessionAttachmentExit(t *testing.T) {
	t.Run("tmux session still exists", func(t *testing.T) {
		mux := newFakeMux()
		spawner := &fakeSpawner{greeting: "$ "}
		s := newTestSession(t, mux, spawner, "catterm-proj-1")
		listener := &recordingListener{}
		s.Subscribe(listener)
		_, err := s.Start(context.Background(), false)
		require.NoError(t, err)

		spawner.last().exit()

		require.Eventually(t, func() bool { return s.State() == StateDetached }, time.Second, 5*time.Millisecond)
		require.Eventually(t, func() bool { return len(listener.exitStates()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, StateDetached, listener.exitStates()[0])
	})

	t.Run("tmux session is gone", func(t *testing.T) {
		mux := newFakeMux()
		spawner := &fakeSpawner{greeting: "$ "}
		s := newTestSession(t, mux, spawner, "catterm-proj-1")
		_, err := s.Start(context.Background(), false)
		require.NoError(t, err)

		require.NoError(t, mux.KillSession(context.Background(), "catterm-proj-1"))
		spawner.last().exit()

		require.Eventually(t, func() bool { return s.State() == StateExited }, 2*time.Second, 5*time.Millisecond)
	})
}

func TestTerminalSessionBufferBound(t *testing.T) {
	mux := newFakeMux()
	spawner := &fakeSpawner{greeting: "boot"}
	s := newTestSession(t, mux, spawner, "catterm-proj-1")
	_, err := s.Start(context.Background(), false)
	require.NoError(t, err)

	proc := spawner.last()
	for i := 0; i < 40; i++ {
		proc.emit(string(rune('a' + i%26)))
	}

	require.Eventually(t, func() bool {
		out := s.Output(0)
		return len(out) == 16 && string(out[15].Data) == "n"
	}, time.Second, 5*time.Millisecond)
	out := s.Output(0)
	// 41 chunks in total, the newest 16 are the letters emitted 24..39
	assert.Equal(t, "y", string(out[0].Data))
	assert.Len(t, s.Output(3), 3)
}

func TestTerminalSessionEchoScenario(t *testing.T) {
	mux := newFakeMux()
	spawner := &fakeSpawner{greeting: "$ "}
	s := newTestSession(t, mux, spawner, "catterm-proj-1")
	listener := &recordingListener{}
	s.Subscribe(listener)

	_, err := s.Start(context.Background(), false)
	require.NoError(t, err)

	require.NoError(t, s.Write([]byte("echo hi\n")))
	spawner.last().emit("$ echo hi\r\nhi\r\n$ ")

	require.Eventually(t, func() bool { return listener.joined() == "$ hi\r\n$ " }, time.Second, 5*time.Millisecond)

	// the ring keeps the unfiltered bytes
	out := s.Output(1)
	require.Len(t, out, 1)
	assert.Equal(t, "$ echo hi\r\nhi\r\n$ ", string(out[0].Data))
}

func TestTerminalSessionSubscriptions(t *testing.T) {
	mux := newFakeMux()
	spawner := &fakeSpawner{greeting: "$ "}
	s := newTestSession(t, mux, spawner, "catterm-proj-1")

	a, b := &recordingListener{}, &recordingListener{}
	tokenA := s.Subscribe(a)
	s.Subscribe(b)
	assert.Equal(t, 2, s.SubscriberCount())

	_, err := s.Start(context.Background(), false)
	require.NoError(t, err)

	assert.True(t, s.Unsubscribe(tokenA))
	assert.False(t, s.Unsubscribe(tokenA))
	spawner.last().emit("after")

	require.Eventually(t, func() bool { return b.joined() == "$ after" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "$ ", a.joined())
}

func TestTerminalSessionKeepsSplitRunesTogether(t *testing.T) {
	mux := newFakeMux()
	spawner := &fakeSpawner{greeting: "$ "}
	s := newTestSession(t, mux, spawner, "catterm-proj-1")
	listener := &recordingListener{}
	s.Subscribe(listener)
	_, err := s.Start(context.Background(), false)
	require.NoError(t, err)

	snowman := "☃"
	spawner.last().emit(snowman[:1])
	spawner.last().emit(snowman[1:])

	require.Eventually(t, func() bool { return listener.joined() == "$ ☃" }, time.Second, 5*time.Millisecond)
}
