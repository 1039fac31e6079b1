// Package relay is the development signaling server: WebSocket rooms for call
// and chat events plus the HTTP endpoints for history and uploads.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/localserve/bookingcall/internal/archive"
	"github.com/localserve/bookingcall/internal/config"
	"github.com/localserve/bookingcall/internal/signaling"
	"github.com/localserve/bookingcall/internal/util"
)

// historyLimit caps GET /api/conversations/{id}/messages.
const historyLimit = 500

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Server struct {
	cfg       config.Relay
	uploadDir string
	store     *archive.Store
	router    *signaling.Router
	mux       *http.ServeMux
	log       zerolog.Logger
}

// New builds a relay. uploadDir must be an absolute or working-directory
// relative path; it is created on demand.
func New(cfg config.Relay, uploadDir string, store *archive.Store) *Server {
	s := &Server{
		cfg:       cfg,
		uploadDir: uploadDir,
		store:     store,
		mux:       http.NewServeMux(),
		log:       log.With().Str("component", "relay").Logger(),
	}
	s.router = signaling.NewRouter(s.persist)

	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleHistory)
	s.mux.HandleFunc("POST /api/uploads", s.handleUpload)
	s.mux.Handle("GET /uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(uploadDir))))
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Router exposes the room state, mostly for tests.
func (s *Server) Router() *signaling.Router { return s.router }

// ListenAndServe serves on cfg.ListenAddr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("relay listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) persist(msg signaling.MessagePayload) error {
	if s.store == nil {
		return nil
	}
	return s.store.Append(archive.Record{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Text:           msg.Text,
		FileURL:        msg.FileURL,
		FileName:       msg.FileName,
		MessageType:    msg.MessageType,
		Timestamp:      msg.Timestamp,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := util.ValidateID("userId", r.URL.Query().Get("userId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	s.log.Info().Str("user", userID).Msg("connected")
	newConn(ws, userID, s.router, s.log).serve()
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	convID, err := util.ValidateID("conversation id", r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out := []signaling.MessagePayload{}
	if s.store != nil {
		recs, err := s.store.List(convID, historyLimit)
		if err != nil {
			s.log.Error().Err(err).Str("conversation", convID).Msg("history read failed")
			http.Error(w, "history unavailable", http.StatusInternalServerError)
			return
		}
		for _, rec := range recs {
			out = append(out, signaling.MessagePayload{
				ID:             rec.ID,
				ConversationID: rec.ConversationID,
				SenderID:       rec.SenderID,
				Text:           rec.Text,
				FileURL:        rec.FileURL,
				FileName:       rec.FileName,
				MessageType:    rec.MessageType,
				Timestamp:      rec.Timestamp,
			})
		}
	}
	writeJSON(w, out)
}

// UploadResponse is the body returned by POST /api/uploads.
type UploadResponse struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := int64(s.cfg.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, limit+(1<<20))

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	if header.Size > limit {
		http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		http.Error(w, "upload dir unavailable", http.StatusInternalServerError)
		return
	}
	name := filepath.Base(header.Filename)
	stored := uuid.NewString() + strings.ToLower(filepath.Ext(name))

	dst, err := os.Create(filepath.Join(s.uploadDir, stored))
	if err != nil {
		http.Error(w, "store failed", http.StatusInternalServerError)
		return
	}
	if _, err := io.Copy(dst, file); err != nil {
		_ = dst.Close()
		_ = os.Remove(dst.Name())
		http.Error(w, "store failed", http.StatusInternalServerError)
		return
	}
	if err := dst.Close(); err != nil {
		http.Error(w, "store failed", http.StatusInternalServerError)
		return
	}

	s.log.Info().Str("name", name).Str("stored", stored).Int64("size", header.Size).Msg("upload stored")
	writeJSON(w, UploadResponse{
		URL:  "http://" + r.Host + "/uploads/" + stored,
		Name: name,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
