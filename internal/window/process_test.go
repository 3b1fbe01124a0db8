package window

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/idvlink/internal/testutil/testlog"
)

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestProcessLauncherSubstitutesURL(t *testing.T) {
	testlog.Start(t)
	sh := requireShell(t)
	l, err := NewProcessLauncher([]string{sh, "-c", `printf '{"type":"opened","sessionId":"%s"}\n' "$0"; exec sleep 5`, "{url}"})
	require.NoError(t, err)

	w, err := l.Open(context.Background(), "https://idv.example.com/app?conn_id=abc")
	require.NoError(t, err)
	defer w.Close()

	select {
	case msg := <-w.Messages():
		assert.Equal(t, "opened", msg.Type)
		assert.Equal(t, "https://idv.example.com/app?conn_id=abc", msg.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message from window process")
	}
	require.NoError(t, w.PostMessage(Message{Type: MessagePing}))
	require.NoError(t, w.Focus())
	closed, err := w.Closed()
	require.NoError(t, err)
	assert.False(t, closed)
}

func TestProcessWindowSelfReportsAndExits(t *testing.T) {
	testlog.Start(t)
	sh := requireShell(t)
	l, err := NewProcessLauncher([]string{sh, "-c", `read line; echo '{"type":"closed"}'`})
	require.NoError(t, err)

	w, err := l.Open(context.Background(), "https://idv.example.com/app")
	require.NoError(t, err)
	defer w.Close()

	rec := &signalRecorder{}
	stop := Watch(w, 10*time.Millisecond, rec.record)
	defer stop()

	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, []Signal{SignalSelfReported, SignalClosedFlag, SignalPostFailed}, rec.get()[0])
	require.Eventually(t, func() bool {
		closed, _ := w.Closed()
		return closed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestProcessWindowCloseKillsChild(t *testing.T) {
	testlog.Start(t)
	sh := requireShell(t)
	l, err := NewProcessLauncher([]string{sh, "-c", "exec sleep 30"})
	require.NoError(t, err)

	w, err := l.Open(context.Background(), "https://idv.example.com/app")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.Eventually(t, func() bool {
		closed, _ := w.Closed()
		return closed
	}, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, w.PostMessage(Message{Type: MessagePing}), ErrWindowGone)
	assert.ErrorIs(t, w.Focus(), ErrWindowGone)
	require.NoError(t, w.Close())
}

func TestNewProcessLauncherRequiresCommand(t *testing.T) {
	_, err := NewProcessLauncher(nil)
	assert.ErrorIs(t, err, ErrNoCommand)
}
