package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/localserve/bookingcall/internal/util"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// BOOKINGCALL_IDENTITY_USER_ID or BOOKINGCALL_SIGNALING_URL.
const EnvPrefix = "BOOKINGCALL"

type Config struct {
	Identity    Identity    `json:"identity" mapstructure:"identity"`
	Signaling   Signaling   `json:"signaling" mapstructure:"signaling"`
	API         API         `json:"api" mapstructure:"api"`
	ICE         ICE         `json:"ice" mapstructure:"ice"`
	Media       Media       `json:"media" mapstructure:"media"`
	Suppression Suppression `json:"suppression" mapstructure:"suppression"`
	Storage     Storage     `json:"storage" mapstructure:"storage"`
	Relay       Relay       `json:"relay" mapstructure:"relay"`
	Log         Log         `json:"log" mapstructure:"log"`
}

type Identity struct {
	UserID   string `json:"user_id" mapstructure:"user_id"`
	UserName string `json:"user_name" mapstructure:"user_name"`
}

type Signaling struct {
	// WebSocket endpoint of the signaling server, e.g. ws://127.0.0.1:8790/ws
	URL string `json:"url" mapstructure:"url"`

	// Event emitted when a conversation is opened so the server scopes
	// delivery to joined participants.
	JoinEvent string `json:"join_event" mapstructure:"join_event"`
}

type API struct {
	// Base URL for message history and attachment uploads.
	BaseURL string `json:"base_url" mapstructure:"base_url"`
}

type ICE struct {
	// Public STUN servers. There is deliberately no TURN section: calls that
	// need a relay fail to connect.
	STUNServers []string `json:"stun_servers" mapstructure:"stun_servers"`

	DisconnectedTimeoutSec int `json:"disconnected_timeout_seconds" mapstructure:"disconnected_timeout_seconds"`
	FailedTimeoutSec       int `json:"failed_timeout_seconds" mapstructure:"failed_timeout_seconds"`
	KeepAliveIntervalSec   int `json:"keepalive_interval_seconds" mapstructure:"keepalive_interval_seconds"`
}

type Media struct {
	// "static" (silent placeholder tracks), "device" (camera + mic, needs the
	// mediadevices build tag) or "none" (capture always unavailable).
	Source string `json:"source" mapstructure:"source"`

	// If set, remote audio/video of each call is written below this directory.
	RecordDir string `json:"record_dir" mapstructure:"record_dir"`
}

type Suppression struct {
	DeclineSec int `json:"decline_seconds" mapstructure:"decline_seconds"`
	HangupSec  int `json:"hangup_seconds" mapstructure:"hangup_seconds"`
}

type Storage struct {
	// SQLite file for client-local state, relative to the client directory.
	StateDB string `json:"state_db" mapstructure:"state_db"`
}

type Relay struct {
	ListenAddr  string `json:"listen_addr" mapstructure:"listen_addr"`
	ArchiveFile string `json:"archive_file" mapstructure:"archive_file"`
	UploadDir   string `json:"upload_dir" mapstructure:"upload_dir"`
	MaxUploadMB int    `json:"max_upload_mb" mapstructure:"max_upload_mb"`
}

type Log struct {
	Level string `json:"level" mapstructure:"level"`
}

func Default() Config {
	return Config{
		Signaling: Signaling{
			URL:       "ws://127.0.0.1:8790/ws",
			JoinEvent: "joinBookingRoom",
		},
		API: API{
			BaseURL: "http://127.0.0.1:8790",
		},
		ICE: ICE{
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
			KeepAliveIntervalSec:   2,
		},
		Media: Media{
			Source: "static",
		},
		Suppression: Suppression{
			DeclineSec: 7,
			HangupSec:  5,
		},
		Storage: Storage{
			StateDB: "data/state.db",
		},
		Relay: Relay{
			ListenAddr:  "127.0.0.1:8790",
			ArchiveFile: "data/archive.db",
			UploadDir:   "uploads",
			MaxUploadMB: 25,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// DeclineWindow is the suppression window opened after a decline.
func (s Suppression) DeclineWindow() time.Duration {
	return time.Duration(s.DeclineSec) * time.Second
}

// HangupWindow is the suppression window opened after a hangup.
func (s Suppression) HangupWindow() time.Duration {
	return time.Duration(s.HangupSec) * time.Second
}

func (c *Config) Validate() error {
	// Signaling
	if err := validateURL(c.Signaling.URL, "ws", "wss"); err != nil {
		return fmt.Errorf("signaling.url: %w", err)
	}
	if strings.TrimSpace(c.Signaling.JoinEvent) == "" {
		return errors.New("signaling.join_event is required")
	}

	// API
	if err := validateURL(c.API.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}

	// ICE
	for _, s := range c.ICE.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("ice.stun_servers: %q is not a stun: url", s)
		}
	}
	if c.ICE.DisconnectedTimeoutSec <= 0 || c.ICE.FailedTimeoutSec <= 0 || c.ICE.KeepAliveIntervalSec <= 0 {
		return errors.New("ice timeouts must be > 0")
	}
	if c.ICE.DisconnectedTimeoutSec > c.ICE.FailedTimeoutSec {
		return errors.New("ice.disconnected_timeout_seconds must be <= ice.failed_timeout_seconds")
	}

	// Media
	switch c.Media.Source {
	case "static", "device", "none":
	default:
		return fmt.Errorf("media.source must be static, device or none (got %q)", c.Media.Source)
	}

	// Suppression
	if c.Suppression.DeclineSec < 0 || c.Suppression.HangupSec < 0 {
		return errors.New("suppression windows must be >= 0")
	}

	// Storage
	if strings.TrimSpace(c.Storage.StateDB) == "" {
		return errors.New("storage.state_db is required")
	}

	// Relay
	if strings.TrimSpace(c.Relay.ListenAddr) != "" {
		if _, _, err := net.SplitHostPort(c.Relay.ListenAddr); err != nil {
			return fmt.Errorf("relay.listen_addr: %w", err)
		}
	}
	if c.Relay.MaxUploadMB < 1 || c.Relay.MaxUploadMB > 1024 {
		return errors.New("relay.max_upload_mb must be 1..1024")
	}

	// Log
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	return nil
}

// ValidateClient additionally checks the fields a chat/call client needs.
func (c *Config) ValidateClient() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if _, err := util.ValidateID("identity.user_id", c.Identity.UserID); err != nil {
		return err
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
	}
	if u.Hostname() == "" {
		return errors.New("missing hostname")
	}
	return nil
}

// Load reads the JSON file at path on top of Default() and applies
// BOOKINGCALL_* environment overrides, then validates.
func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	v, err := newViper()
	if err != nil {
		return Config{}, err
	}
	if err := v.MergeConfig(bytes.NewReader(b)); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

// newViper returns a viper instance seeded with the defaults so every key is
// known to AutomaticEnv.
func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def, err := json.Marshal(Default())
	if err != nil {
		return nil, err
	}
	if err := v.ReadConfig(bytes.NewReader(def)); err != nil {
		return nil, fmt.Errorf("seed defaults: %w", err)
	}
	return v, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
