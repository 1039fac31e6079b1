package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localserve/bookingcall/internal/call"
	"github.com/localserve/bookingcall/internal/chat"
	"github.com/localserve/bookingcall/internal/config"
	"github.com/localserve/bookingcall/internal/signaling"
	"github.com/localserve/bookingcall/internal/storage"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type fakeUploader struct {
	got []byte
	err error
}

func (u *fakeUploader) Upload(_ context.Context, name string, r io.Reader) (chat.Upload, error) {
	if u.err != nil {
		return chat.Upload{}, u.err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return chat.Upload{}, err
	}
	u.got = b
	return chat.Upload{URL: "http://files.test/" + name, Name: name}, nil
}

type testClient struct {
	id    string
	con   *console
	calls *call.Manager
	db    *storage.DB
	out   *syncBuffer
}

func newTestClient(t *testing.T, hub *signaling.MemoryHub, id, name string, up chat.Uploader) *testClient {
	t.Helper()
	cfg := config.Default()
	cfg.Identity.UserID = id
	cfg.Identity.UserName = name
	cfg.ICE.STUNServers = nil

	db, err := storage.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	media, err := call.NewMediaSource("static")
	require.NoError(t, err)

	ep := hub.Connect(id)
	calls := newCallManager(cfg, ep, media, db, "")
	out := &syncBuffer{}
	con := newConsole(consoleOptions{
		UserID:  id,
		Channel: ep,
		Join: func(ctx context.Context, conv string) error {
			return ep.Emit(ctx, signaling.EventJoinRoom, signaling.JoinPayload{ConversationID: conv, UserID: id})
		},
		Calls:    calls,
		DB:       db,
		Uploader: up,
		Out:      out,
	})
	t.Cleanup(func() {
		con.close()
		calls.Close()
		ep.Close()
		_ = db.Close()
	})
	return &testClient{id: id, con: con, calls: calls, db: db, out: out}
}

func (c *testClient) exec(t *testing.T, line string) {
	t.Helper()
	require.NoError(t, c.con.exec(context.Background(), line))
}

func (c *testClient) waitOutput(t *testing.T, substr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(c.out.String(), substr)
	}, waitFor, tick, "output never contained %q:\n%s", substr, c.out.String())
}

func (c *testClient) waitState(t *testing.T, conv string, want call.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.calls.Session(conv).State() == want
	}, waitFor, tick, "%s never reached %s", c.id, want)
}

func TestConsoleChat(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newTestClient(t, hub, "alice", "Alice", nil)
	bob := newTestClient(t, hub, "bob", "Bob", nil)

	alice.exec(t, "open b1")
	bob.exec(t, "open b1")
	alice.waitOutput(t, "opened b1 (0 messages)")

	alice.exec(t, "say hello there")
	bob.waitOutput(t, "alice: hello there")

	alice.exec(t, "history")
	alice.waitOutput(t, "me: hello there")
	require.NotContains(t, alice.out.String(), "alice: hello there")
}

func TestConsoleSendAttachment(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	up := &fakeUploader{}
	alice := newTestClient(t, hub, "alice", "Alice", up)
	bob := newTestClient(t, hub, "bob", "Bob", nil)
	alice.exec(t, "open b1")
	bob.exec(t, "open b1")

	path := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(path, []byte("png bytes"), 0o644))

	alice.exec(t, "send "+path)
	require.Equal(t, "png bytes", string(up.got))
	bob.waitOutput(t, "alice sent image photo.png http://files.test/photo.png")

	_, tr := alice.con.current()
	first := tr.Messages()[0]
	require.Equal(t, chat.MessageTypeImage, first.MessageType)
	require.False(t, first.IsPending)
}

func TestConsoleFailedUploadLeavesNoEntry(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newTestClient(t, hub, "alice", "Alice", &fakeUploader{err: errors.New("disk full")})
	alice.exec(t, "open b1")

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	err := alice.con.exec(context.Background(), "send "+path)
	require.ErrorContains(t, err, "disk full")
	_, tr := alice.con.current()
	require.Empty(t, tr.Messages())
}

func TestConsoleCallAcceptAndEnd(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newTestClient(t, hub, "alice", "Alice", nil)
	bob := newTestClient(t, hub, "bob", "Bob", nil)
	alice.exec(t, "open b1")
	bob.exec(t, "open b1")

	alice.exec(t, "call")
	bob.waitOutput(t, "incoming call from Alice (alice) in b1")
	bob.waitState(t, "b1", call.StateRinging)

	bob.exec(t, "accept")
	alice.waitState(t, "b1", call.StateConnected)
	bob.waitState(t, "b1", call.StateConnected)

	bob.exec(t, "status")
	bob.waitOutput(t, "remote=Alice (alice)")

	alice.exec(t, "end")
	bob.waitState(t, "b1", call.StateIdle)
	require.True(t, alice.calls.Suppressor().Suppressed("b1"))
	require.True(t, bob.calls.Suppressor().Suppressed("b1"))

	require.Eventually(t, func() bool {
		recs, err := alice.db.ListCalls("b1", 10)
		return err == nil && len(recs) == 1 && recs[0].Outcome == string(call.OutcomeCompleted)
	}, waitFor, tick)

	contacts, err := bob.db.ListContacts()
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	require.Equal(t, "Alice", contacts[0].UserName)
	bob.exec(t, "contacts")
	bob.waitOutput(t, "last seen")
	alice.exec(t, "calls")
	alice.waitOutput(t, "outgoing completed")
}

func TestConsoleRejectNotifiesCaller(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newTestClient(t, hub, "alice", "Alice", nil)
	bob := newTestClient(t, hub, "bob", "Bob", nil)
	alice.exec(t, "open b1")
	bob.exec(t, "open b1")

	alice.exec(t, "call")
	bob.waitState(t, "b1", call.StateRinging)
	bob.exec(t, "reject")

	alice.waitOutput(t, "[call b1] call declined")
	alice.waitState(t, "b1", call.StateEnded)
	bob.waitOutput(t, "incoming call withdrawn")
	require.True(t, bob.calls.Suppressor().Suppressed("b1"))

	_, ok := bob.calls.Notifier().Current()
	require.False(t, ok)
}

func TestConsoleViewOnHidesBanner(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newTestClient(t, hub, "alice", "Alice", nil)
	bob := newTestClient(t, hub, "bob", "Bob", nil)
	alice.exec(t, "open b1")
	bob.exec(t, "open b1")
	bob.exec(t, "view on")
	require.Equal(t, "b1", bob.calls.ActiveView())

	alice.exec(t, "call")
	bob.waitOutput(t, "[call b1] Alice (alice) is calling")
	require.NotContains(t, bob.out.String(), "'accept' or 'reject'")

	bob.exec(t, "view off")
	require.Empty(t, bob.calls.ActiveView())
}

func TestConsoleAcceptSwitchesToCallingConversation(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	alice := newTestClient(t, hub, "alice", "Alice", nil)
	bob := newTestClient(t, hub, "bob", "Bob", nil)
	alice.exec(t, "open b1")
	bob.exec(t, "open b1")
	bob.exec(t, "open b2")

	alice.exec(t, "call")
	bob.waitState(t, "b1", call.StateRinging)

	bob.exec(t, "accept")
	conv, _ := bob.con.current()
	require.Equal(t, "b1", conv)
	bob.waitState(t, "b1", call.StateConnected)
}

func TestConsoleCommandErrors(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	c := newTestClient(t, hub, "alice", "Alice", nil)
	ctx := context.Background()

	require.ErrorContains(t, c.con.exec(ctx, "call"), "no conversation open")
	require.ErrorIs(t, c.con.exec(ctx, "accept"), call.ErrNoIncomingCall)
	require.ErrorIs(t, c.con.exec(ctx, "reject"), call.ErrNoIncomingCall)
	require.ErrorContains(t, c.con.exec(ctx, "dance"), "unknown command")
	require.ErrorContains(t, c.con.exec(ctx, "open"), "conversation is empty")
	require.ErrorContains(t, c.con.exec(ctx, "view sideways"), "usage: view")
	require.ErrorIs(t, c.con.exec(ctx, "quit"), errQuit)

	c.exec(t, "open b1")
	require.ErrorContains(t, c.con.exec(ctx, "say"), "usage: say")
	require.ErrorIs(t, c.con.exec(ctx, "end"), call.ErrInvalidState)
	require.NoError(t, c.con.exec(ctx, ""))
}

func TestConsoleToggles(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	c := newTestClient(t, hub, "alice", "Alice", nil)
	c.exec(t, "open b1")

	c.exec(t, "mute")
	c.waitOutput(t, "audio muted: true")
	c.exec(t, "video")
	c.waitOutput(t, "video disabled: true")

	st := c.calls.Session("b1").Status()
	require.True(t, st.AudioMuted)
	require.True(t, st.VideoDisabled)
}

func TestConsoleRunQuitsAndSurvivesClosedInput(t *testing.T) {
	hub := signaling.NewMemoryHub(nil)
	c := newTestClient(t, hub, "alice", "Alice", nil)

	err := c.con.run(context.Background(), strings.NewReader("help\nnope\nquit\n"))
	require.ErrorIs(t, err, errQuit)
	require.Contains(t, c.out.String(), "open <conversation>")
	require.Contains(t, c.out.String(), `error: unknown command "nope"`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.con.run(ctx, strings.NewReader("status\n")) }()
	c.waitOutput(t, "no call sessions")

	select {
	case <-done:
		t.Fatal("run returned before cancellation")
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("run did not return after cancel")
	}
}
