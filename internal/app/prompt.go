package app

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/localserve/bookingcall/internal/config"
	"github.com/localserve/bookingcall/internal/util"
)

// PromptIdentity asks for the settings a fresh client directory needs. The
// answers are validated; on failure the input config is returned unchanged.
func PromptIdentity(in *bufio.Reader, out io.Writer, dir, cfgPath string, cfg config.Config) (config.Config, error) {
	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out, "bookingcall client setup")
	fmt.Fprintf(out, " Client folder : %s\n", dir)
	fmt.Fprintf(out, " Config file   : %s\n", cfgPath)
	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out)

	next := cfg
	for {
		id, err := util.ValidateID("user id", askString(in, out, "User id", next.Identity.UserID))
		if err == nil {
			next.Identity.UserID = id
			break
		}
		fmt.Fprintln(out, err)
		if atEOF(in) {
			return cfg, errors.New("setup aborted: no user id")
		}
	}
	next.Identity.UserName = askString(in, out, "Display name", next.Identity.UserName)
	next.Signaling.URL = askString(in, out, "Signaling URL", next.Signaling.URL)
	next.API.BaseURL = askString(in, out, "API base URL", next.API.BaseURL)
	next.Media.Source = askString(in, out, "Media source (static/device/none)", next.Media.Source)
	if askBool(in, out, "Record remote media", next.Media.RecordDir != "") {
		if next.Media.RecordDir == "" {
			next.Media.RecordDir = "recordings"
		}
	} else {
		next.Media.RecordDir = ""
	}
	next.Suppression.DeclineSec = askInt(in, out, "Ignore calls after declining (seconds)", next.Suppression.DeclineSec)
	next.Suppression.HangupSec = askInt(in, out, "Ignore calls after hanging up (seconds)", next.Suppression.HangupSec)

	if err := next.ValidateClient(); err != nil {
		fmt.Fprintf(out, "Invalid config: %v\n", err)
		return cfg, err
	}
	return next, nil
}

func atEOF(in *bufio.Reader) bool {
	_, err := in.Peek(1)
	return err != nil
}

func askString(in *bufio.Reader, out io.Writer, label, def string) string {
	fmt.Fprintf(out, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, out io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(out, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, convErr := strconv.Atoi(s); convErr == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, out io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(out, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter y or n.")
	}
}
