package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/localserve/bookingcall/internal/archive"
	"github.com/localserve/bookingcall/internal/call"
	"github.com/localserve/bookingcall/internal/chat"
	"github.com/localserve/bookingcall/internal/config"
	"github.com/localserve/bookingcall/internal/relay"
	"github.com/localserve/bookingcall/internal/signaling"
	"github.com/localserve/bookingcall/internal/storage"
	"github.com/localserve/bookingcall/internal/util"
)

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config

	// In feeds console commands to the client; defaults to os.Stdin.
	In  io.Reader
	Out io.Writer
}

// ErrSignalingLost ends RunClient when the WebSocket to the server drops.
var ErrSignalingLost = errors.New("signaling connection lost")

// RunClient runs one headless booking client until ctx is cancelled or the
// signaling connection drops.
func RunClient(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	in, out := opt.In, opt.Out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}

	logBanner("client", opt.Dir, opt.CfgPath)
	ApplyLogLevel(cfg.Log.Level)

	db, err := storage.Open(util.ResolvePath(opt.Dir, cfg.Storage.StateDB))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	media, err := call.NewMediaSource(cfg.Media.Source)
	if err != nil {
		return fmt.Errorf("media source: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	sig, err := signaling.Dial(dialCtx, cfg.Signaling.URL, cfg.Identity.UserID)
	cancel()
	if err != nil {
		return fmt.Errorf("connect signaling: %w", err)
	}
	defer sig.Close()

	recordDir := ""
	if cfg.Media.RecordDir != "" {
		recordDir = util.ResolvePath(opt.Dir, cfg.Media.RecordDir)
	}

	calls := newCallManager(cfg, sig, media, db, recordDir)
	defer calls.Close()

	api := chat.NewAPI(cfg.API.BaseURL)
	con := newConsole(consoleOptions{
		UserID:   cfg.Identity.UserID,
		Channel:  sig,
		Join:     func(ctx context.Context, conv string) error { return sig.Join(ctx, cfg.Signaling.JoinEvent, conv) },
		Calls:    calls,
		DB:       db,
		History:  api,
		Uploader: api,
		Out:      out,
	})
	defer con.close()

	log.Info().
		Str("user", cfg.Identity.UserID).
		Str("signaling", cfg.Signaling.URL).
		Str("media", cfg.Media.Source).
		Msg("client ready")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return config.Watch(gctx, opt.CfgPath, func(c config.Config) {
			calls.SetSuppression(c.Suppression)
			ApplyLogLevel(c.Log.Level)
		})
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-sig.Done():
			return ErrSignalingLost
		}
	})
	g.Go(func() error {
		return con.run(gctx, in)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

// RunRelay runs the development relay until ctx is cancelled.
func RunRelay(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	logBanner("relay", opt.Dir, opt.CfgPath)
	ApplyLogLevel(cfg.Log.Level)

	store, err := archive.Open(util.ResolvePath(opt.Dir, cfg.Relay.ArchiveFile))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer store.Close()

	srv := relay.New(cfg.Relay, util.ResolvePath(opt.Dir, cfg.Relay.UploadDir), store)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		return config.Watch(gctx, opt.CfgPath, func(c config.Config) {
			ApplyLogLevel(c.Log.Level)
		})
	})
	return g.Wait()
}

// newCallManager wires a call.Manager to the client database: suppression
// windows, the call log and contact names all live there.
func newCallManager(cfg config.Config, ch signaling.Channel, media call.MediaSource, db *storage.DB, recordDir string) *call.Manager {
	return call.New(call.Options{
		UserID:      cfg.Identity.UserID,
		UserName:    cfg.Identity.UserName,
		Channel:     ch,
		Media:       media,
		NewPeer:     call.NewPionFactory(cfg.ICE, media),
		Suppression: cfg.Suppression,
		Store:       db,
		RecordDir:   recordDir,
		OnCallEnded: func(sum call.CallSummary) {
			if _, err := db.RecordCall(callRecord(sum)); err != nil {
				log.Warn().Err(err).Str("conversation", sum.ConversationID).Msg("record call")
			}
		},
		OnPeerSeen: func(userID, userName string) {
			if err := db.UpsertContact(userID, userName); err != nil {
				log.Warn().Err(err).Str("user", userID).Msg("store contact")
			}
		},
	})
}

func callRecord(sum call.CallSummary) storage.CallRecord {
	return storage.CallRecord{
		ConversationID: sum.ConversationID,
		RemoteUserID:   sum.RemoteUserID,
		Direction:      string(sum.Direction),
		Outcome:        string(sum.Outcome),
		StartedAt:      sum.StartedAt,
		EndedAt:        sum.EndedAt,
	}
}
