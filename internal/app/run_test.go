package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localserve/bookingcall/internal/archive"
	"github.com/localserve/bookingcall/internal/config"
	"github.com/localserve/bookingcall/internal/relay"
	"github.com/localserve/bookingcall/internal/signaling"
	"github.com/localserve/bookingcall/internal/storage"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestRunClientChatsThroughRelay(t *testing.T) {
	dir := t.TempDir()
	store, err := archive.Open(filepath.Join(dir, "relay", "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ts := httptest.NewServer(relay.New(config.Default().Relay, filepath.Join(dir, "relay", "uploads"), store).Handler())
	t.Cleanup(ts.Close)

	cfg := config.Default()
	cfg.Identity.UserID = "alice"
	cfg.Signaling.URL = "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	cfg.API.BaseURL = ts.URL
	cfg.ICE.STUNServers = nil
	cfgPath := filepath.Join(dir, "bookingcall.json")
	require.NoError(t, config.Save(cfgPath, cfg))

	inR, inW := io.Pipe()
	t.Cleanup(func() { _ = inW.Close() })
	out := &syncBuffer{}

	done := make(chan error, 1)
	go func() {
		done <- RunClient(context.Background(), Options{Dir: dir, CfgPath: cfgPath, Cfg: cfg, In: inR, Out: out})
	}()

	fmt.Fprintln(inW, "open b1")
	fmt.Fprintln(inW, "say booked for tuesday")
	require.Eventually(t, func() bool {
		recs, err := store.List("b1", 10)
		return err == nil && len(recs) == 1 && recs[0].Text == "booked for tuesday" && recs[0].SenderID == "alice"
	}, waitFor, tick)

	fmt.Fprintln(inW, "quit")
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("client did not quit")
	}
	require.Contains(t, out.String(), "opened b1 (0 messages)")

	// state database was created under the client directory
	db, err := storage.Open(filepath.Join(dir, cfg.Storage.StateDB))
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestRunClientFailsWithoutServer(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Identity.UserID = "alice"
	cfg.Signaling.URL = "ws://" + freeAddr(t) + "/ws"

	err := RunClient(context.Background(), Options{Dir: dir, CfgPath: filepath.Join(dir, "bookingcall.json"), Cfg: cfg, In: strings.NewReader("")})
	require.ErrorContains(t, err, "connect signaling")
}

func TestRunRelayServesUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Relay.ListenAddr = freeAddr(t)
	cfgPath := filepath.Join(dir, "bookingcall.json")
	require.NoError(t, config.Save(cfgPath, cfg))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunRelay(ctx, Options{Dir: dir, CfgPath: cfgPath, Cfg: cfg}) }()

	require.NoError(t, WaitTCP(cfg.Relay.ListenAddr, waitFor))
	httpBase, wsURL := RelayURLs(cfg.Relay.ListenAddr)

	c, err := signaling.Dial(ctx, wsURL, "bob")
	require.NoError(t, err)
	require.NoError(t, c.Join(ctx, cfg.Signaling.JoinEvent, "b9"))
	require.NoError(t, c.Emit(ctx, signaling.EventSendMessage, signaling.MessagePayload{
		ConversationID: "b9", SenderID: "bob", Text: "hi", MessageType: signaling.MessageTypeText,
	}))

	require.Eventually(t, func() bool {
		resp, err := http.Get(httpBase + "/api/conversations/b9/messages")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var msgs []signaling.MessagePayload
		if json.NewDecoder(resp.Body).Decode(&msgs) != nil {
			return false
		}
		return len(msgs) == 1 && msgs[0].Text == "hi"
	}, waitFor, tick)
	_ = c.Close()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("relay did not stop")
	}
}
