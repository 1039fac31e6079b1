package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/localserve/bookingcall/internal/call"
	"github.com/localserve/bookingcall/internal/chat"
	"github.com/localserve/bookingcall/internal/signaling"
	"github.com/localserve/bookingcall/internal/storage"
	"github.com/localserve/bookingcall/internal/util"
)

var errQuit = errors.New("quit")

// callLog is the part of the client database the console reads.
type callLog interface {
	ContactName(userID string) string
	ListContacts() ([]storage.Contact, error)
	ListCalls(conversationID string, limit int) ([]storage.CallRecord, error)
}

type consoleOptions struct {
	UserID   string
	Channel  signaling.Channel
	Join     func(ctx context.Context, conversationID string) error
	Calls    *call.Manager
	DB       callLog
	History  chat.HistorySource
	Uploader chat.Uploader
	Out      io.Writer
}

// console is the line-oriented front end of a headless client. One
// conversation is open at a time; call and chat commands act on it.
type console struct {
	opts consoleOptions

	outMu sync.Mutex
	out   io.Writer

	mu         sync.Mutex
	conv       string
	transcript *chat.Transcript
	viewOn     bool

	stopNotices func()
	wg          sync.WaitGroup
}

func newConsole(opts consoleOptions) *console {
	c := &console{opts: opts, out: opts.Out}
	if c.out == nil {
		c.out = io.Discard
	}
	opts.Calls.OnEvent(c.onCallEvent)

	notices, cancel := opts.Calls.Notifier().Subscribe()
	c.stopNotices = cancel
	c.wg.Add(1)
	go c.noticeLoop(notices)
	return c
}

func (c *console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// run executes commands from in until ctx is done or the user quits. A
// closed input keeps the client running headless.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("type 'help' for commands\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			if err := c.exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return errQuit
				}
				c.printf("error: %v\n", err)
			}
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "":
		return nil
	case "help", "?":
		c.help()
		return nil
	case "quit", "exit":
		return errQuit
	case "open":
		return c.open(ctx, arg)
	case "call":
		return c.startCall(ctx)
	case "accept":
		return c.accept(ctx)
	case "reject":
		return c.reject()
	case "end", "hangup":
		return c.end()
	case "mute":
		return c.toggle(true)
	case "video":
		return c.toggle(false)
	case "say":
		return c.say(ctx, arg)
	case "send":
		return c.send(ctx, arg)
	case "history":
		return c.history()
	case "status":
		c.status()
		return nil
	case "view":
		return c.view(arg)
	case "contacts":
		return c.contacts()
	case "calls":
		return c.calls()
	}
	return fmt.Errorf("unknown command %q (try 'help')", cmd)
}

func (c *console) help() {
	c.printf(`commands:
  open <conversation>   join a conversation and load its history
  call                  start a video call in the open conversation
  accept | reject       answer or decline the incoming call
  end                   hang up
  mute | video          toggle local audio / video
  say <text>            send a chat message
  send <path>           upload a file and send it
  history               print the transcript
  status                show call sessions
  view on|off           mark the call view of the open conversation as visible
  contacts | calls      show known users / the call log
  quit
`)
}

func (c *console) current() (string, *chat.Transcript) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv, c.transcript
}

func (c *console) requireOpen() (string, *chat.Transcript, error) {
	conv, t := c.current()
	if conv == "" {
		return "", nil, errors.New("no conversation open (use 'open <conversation>')")
	}
	return conv, t, nil
}

func (c *console) open(ctx context.Context, arg string) error {
	conv, err := util.ValidateID("conversation", arg)
	if err != nil {
		return err
	}
	if cur, _ := c.current(); cur == conv {
		return nil
	}
	if err := c.opts.Join(ctx, conv); err != nil {
		return fmt.Errorf("join %s: %w", conv, err)
	}

	t := chat.Open(chat.Options{
		ConversationID: conv,
		LocalUserID:    c.opts.UserID,
		Channel:        c.opts.Channel,
		History:        c.opts.History,
		Uploader:       c.opts.Uploader,
	})
	fetchCtx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	t.LoadHistory(fetchCtx)
	cancel()
	tail := t.Subscribe()

	c.mu.Lock()
	prev := c.transcript
	c.conv, c.transcript = conv, t
	if c.viewOn {
		c.opts.Calls.SetActiveView(conv)
	}
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	c.wg.Add(1)
	go c.tailLoop(tail)

	c.printf("opened %s (%d messages)\n", conv, len(t.Messages()))
	return nil
}

// noticeConversation is the conversation an accept or reject applies to:
// the open one if it has a pending notice, otherwise the notice's own.
func (c *console) noticeConversation(ctx context.Context) (string, error) {
	conv, _ := c.current()
	n, ok := c.opts.Calls.Notifier().Current()
	if !ok {
		if conv == "" {
			return "", call.ErrNoIncomingCall
		}
		return conv, nil
	}
	if n.ConversationID != conv {
		if err := c.open(ctx, n.ConversationID); err != nil {
			return "", err
		}
	}
	return n.ConversationID, nil
}

func (c *console) startCall(ctx context.Context) error {
	conv, _, err := c.requireOpen()
	if err != nil {
		return err
	}
	c.async(func() error { return c.opts.Calls.Session(conv).Start(ctx) })
	return nil
}

func (c *console) accept(ctx context.Context) error {
	conv, err := c.noticeConversation(ctx)
	if err != nil {
		return err
	}
	c.async(func() error { return c.opts.Calls.Session(conv).Accept(ctx) })
	return nil
}

// async runs a blocking call operation so 'end' stays usable while media is
// being captured. Failures after validation arrive as call events.
func (c *console) async(fn func() error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := fn(); err != nil && (errors.Is(err, call.ErrInvalidState) || errors.Is(err, call.ErrNoIncomingCall)) {
			c.printf("error: %v\n", err)
		}
	}()
}

func (c *console) reject() error {
	conv, err := c.noticeConversation(context.Background())
	if err != nil {
		return err
	}
	return c.opts.Calls.Session(conv).Reject()
}

func (c *console) end() error {
	conv, _, err := c.requireOpen()
	if err != nil {
		return err
	}
	return c.opts.Calls.Session(conv).End()
}

func (c *console) toggle(audio bool) error {
	conv, _, err := c.requireOpen()
	if err != nil {
		return err
	}
	s := c.opts.Calls.Session(conv)
	if audio {
		c.printf("audio muted: %t\n", s.ToggleAudio())
	} else {
		c.printf("video disabled: %t\n", s.ToggleVideo())
	}
	return nil
}

func (c *console) say(ctx context.Context, text string) error {
	_, t, err := c.requireOpen()
	if err != nil {
		return err
	}
	if text == "" {
		return errors.New("usage: say <text>")
	}
	return t.SendText(ctx, text)
}

func (c *console) send(ctx context.Context, path string) error {
	_, t, err := c.requireOpen()
	if err != nil {
		return err
	}
	if path == "" {
		return errors.New("usage: send <path>")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	upCtx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout*6)
	defer cancel()
	if err := t.SendAttachment(upCtx, filepath.Base(path), f); err != nil {
		return fmt.Errorf("send %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (c *console) history() error {
	_, t, err := c.requireOpen()
	if err != nil {
		return err
	}
	for _, m := range t.Messages() {
		c.printMessage(m)
	}
	return nil
}

func (c *console) status() {
	sessions := c.opts.Calls.Sessions()
	if len(sessions) == 0 {
		c.printf("no call sessions\n")
	}
	for _, s := range sessions {
		st := s.Status()
		line := fmt.Sprintf("%-12s %-10s", st.ConversationID, st.State)
		if st.RemoteUserID != "" {
			line += fmt.Sprintf(" remote=%s", c.displayName(st.RemoteUserID))
		}
		if st.Direction != "" {
			line += fmt.Sprintf(" dir=%s", st.Direction)
		}
		line += fmt.Sprintf(" muted=%t video-off=%t tracks=%d pending-ice=%d",
			st.AudioMuted, st.VideoDisabled, st.RemoteTracks, st.PendingICE)
		if st.LastChange != nil {
			line += fmt.Sprintf(" last=%s:%s@%s", st.LastChange.Kind, st.LastChange.State, st.LastChange.At.Format(time.TimeOnly))
		}
		c.printf("%s\n", line)
	}
	if n, ok := c.opts.Calls.Notifier().Current(); ok {
		c.printf("incoming call from %s in %s\n", c.noticeCaller(n), n.ConversationID)
	}
	if v := c.opts.Calls.ActiveView(); v != "" {
		c.printf("call view open: %s\n", v)
	}
}

func (c *console) view(arg string) error {
	switch strings.ToLower(arg) {
	case "on":
		conv, _, err := c.requireOpen()
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.viewOn = true
		c.mu.Unlock()
		c.opts.Calls.SetActiveView(conv)
	case "off":
		c.mu.Lock()
		c.viewOn = false
		c.mu.Unlock()
		c.opts.Calls.SetActiveView("")
	default:
		return errors.New("usage: view on|off")
	}
	return nil
}

func (c *console) contacts() error {
	if c.opts.DB == nil {
		return errors.New("no database")
	}
	list, err := c.opts.DB.ListContacts()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		c.printf("no contacts yet\n")
	}
	for _, ct := range list {
		c.printf("%-16s %-20s last seen %s\n", ct.UserID, ct.UserName, ct.LastSeen.Format(time.DateTime))
	}
	return nil
}

func (c *console) calls() error {
	if c.opts.DB == nil {
		return errors.New("no database")
	}
	conv, _ := c.current()
	list, err := c.opts.DB.ListCalls(conv, 20)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		c.printf("no calls yet\n")
	}
	for _, r := range list {
		c.printf("%s %-12s %-8s %-10s %s (%s)\n",
			r.StartedAt.Format(time.DateTime), r.ConversationID, r.Direction, r.Outcome,
			c.displayName(r.RemoteUserID), r.EndedAt.Sub(r.StartedAt).Round(time.Second))
	}
	return nil
}

func (c *console) onCallEvent(ev call.Event) {
	switch ev.Kind {
	case call.EventState:
		c.printf("[call %s] %s\n", ev.ConversationID, ev.State)
	case call.EventRemoteStream:
		c.printf("[call %s] receiving remote media\n", ev.ConversationID)
	case call.EventRejected:
		c.printf("[call %s] call declined\n", ev.ConversationID)
	case call.EventError:
		c.printf("[call %s] error: %v\n", ev.ConversationID, ev.Err)
	}
}

func (c *console) noticeLoop(notices <-chan *call.Notice) {
	defer c.wg.Done()
	shown := false
	for n := range notices {
		switch {
		case n == nil:
			if shown {
				c.printf("incoming call withdrawn\n")
			}
			shown = false
		case n.Banner:
			shown = true
			c.printf("incoming call from %s in %s ('accept' or 'reject')\n", c.noticeCaller(*n), n.ConversationID)
		default:
			shown = true
			c.printf("[call %s] %s is calling\n", n.ConversationID, c.noticeCaller(*n))
		}
	}
}

func (c *console) tailLoop(ch <-chan chat.Message) {
	defer c.wg.Done()
	for m := range ch {
		if m.IsCurrentUser {
			continue
		}
		c.printMessage(m)
	}
}

func (c *console) printMessage(m chat.Message) {
	at := time.UnixMilli(m.Timestamp).Format(time.TimeOnly)
	who := c.displayName(m.SenderID)
	if m.IsCurrentUser {
		who = "me"
	}
	suffix := ""
	if m.IsPending {
		suffix = " (sending)"
	}
	switch m.MessageType {
	case chat.MessageTypeImage, chat.MessageTypeFile:
		c.printf("[%s %s] %s sent %s %s %s%s\n", m.ConversationID, at, who, m.MessageType, m.FileName, m.FileURL, suffix)
	default:
		c.printf("[%s %s] %s: %s%s\n", m.ConversationID, at, who, m.Text, suffix)
	}
}

func (c *console) noticeCaller(n call.Notice) string {
	if n.FromUserName != "" {
		return fmt.Sprintf("%s (%s)", n.FromUserName, n.FromUserID)
	}
	return c.displayName(n.FromUserID)
}

func (c *console) displayName(userID string) string {
	if c.opts.DB == nil {
		return userID
	}
	if name := c.opts.DB.ContactName(userID); name != "" {
		return fmt.Sprintf("%s (%s)", name, userID)
	}
	return userID
}

// close releases the open transcript and stops the printers.
func (c *console) close() {
	c.mu.Lock()
	t := c.transcript
	c.transcript = nil
	c.mu.Unlock()
	if t != nil {
		t.Close()
	}
	c.stopNotices()
	c.wg.Wait()
	log.Debug().Str("component", "console").Msg("console closed")
}
