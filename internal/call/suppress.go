package call

import (
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// suppressKeyPrefix namespaces persisted windows in the KV store.
const suppressKeyPrefix = "bookingcall.suppress."

// KV is the persisted key/value store behind the suppression windows.
type KV interface {
	GetMeta(key string) (string, bool, error)
	SetMeta(key, value string) error
}

// Suppressor tracks per-conversation windows during which incoming offers
// are ignored. Windows are last-writer-wins and never deleted; they expire by
// comparison with the clock. Expiries are stored as millisecond epoch strings.
type Suppressor struct {
	kv  KV
	now func() time.Time
	log zerolog.Logger

	mu    sync.Mutex
	until map[string]time.Time
}

// NewSuppressor creates a Suppressor. kv may be nil for memory-only windows.
func NewSuppressor(kv KV) *Suppressor {
	return &Suppressor{
		kv:    kv,
		now:   time.Now,
		log:   log.With().Str("component", "suppress").Logger(),
		until: make(map[string]time.Time),
	}
}

// Suppress opens a window of length d for conversationID starting now.
func (s *Suppressor) Suppress(conversationID string, d time.Duration) {
	until := s.now().Add(d)
	s.mu.Lock()
	s.until[conversationID] = until
	s.mu.Unlock()

	if s.kv == nil {
		return
	}
	if err := s.kv.SetMeta(suppressKeyPrefix+conversationID, strconv.FormatInt(until.UnixMilli(), 10)); err != nil {
		s.log.Warn().Err(err).Str("conversation", conversationID).Msg("persist window failed")
	}
}

// Until returns the window expiry for conversationID, if one was ever set.
func (s *Suppressor) Until(conversationID string) (time.Time, bool) {
	s.mu.Lock()
	t, ok := s.until[conversationID]
	s.mu.Unlock()
	if ok || s.kv == nil {
		return t, ok
	}

	raw, found, err := s.kv.GetMeta(suppressKeyPrefix + conversationID)
	if err != nil {
		s.log.Warn().Err(err).Str("conversation", conversationID).Msg("read window failed")
		return time.Time{}, false
	}
	if !found {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	t = time.UnixMilli(ms)

	s.mu.Lock()
	if _, set := s.until[conversationID]; !set {
		s.until[conversationID] = t
	}
	s.mu.Unlock()
	return t, true
}

// Suppressed reports whether conversationID is inside an open window.
func (s *Suppressor) Suppressed(conversationID string) bool {
	until, ok := s.Until(conversationID)
	return ok && s.now().Before(until)
}
