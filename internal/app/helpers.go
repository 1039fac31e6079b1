package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RelayURLs turns a relay listen address into the URLs clients configure:
// the HTTP base for history/uploads and the WebSocket signaling endpoint.
// Wildcard hosts are reported as loopback.
func RelayURLs(listenAddr string) (httpBase, wsURL string) {
	a := strings.TrimSpace(listenAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	return "http://" + a, "ws://" + a + "/ws"
}

func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

// ApplyLogLevel sets the global zerolog level; unknown names keep the
// current one.
func ApplyLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return
	}
	if zerolog.GlobalLevel() != lvl {
		zerolog.SetGlobalLevel(lvl)
		log.Debug().Str("level", lvl.String()).Msg("log level changed")
	}
}

func logBanner(mode, dir, cfgPath string) {
	log.Info().
		Str("mode", mode).
		Str("dir", dir).
		Str("config", cfgPath).
		Msg("one process per directory; a different directory is a different identity")
}
