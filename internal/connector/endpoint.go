package connector

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/philsphicas/pairlink/internal/protocol"
)

// ParseRelayURL normalizes a relay address to a ws:// or wss:// base URL.
//
// Accepted input formats:
//   - Host and port: "relay.example.com:8080" → "wss://relay.example.com:8080"
//   - HTTP(S) URL: "http://localhost:8080" → "ws://localhost:8080"
//   - WebSocket URL: "wss://relay.example.com/base" → used as-is
//
// A bare host defaults to wss. Query and fragment are dropped.
func ParseRelayURL(input string) (*url.URL, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, errors.New("relay URL is empty")
	}
	if !strings.Contains(input, "://") {
		input = "wss://" + input
	}
	u, err := url.Parse(input)
	if err != nil {
		return nil, fmt.Errorf("parse relay URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("parse relay URL: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parse relay URL: missing host in %q", input)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// endpointURL builds the upgrade URL for role. A valid state resumes;
// otherwise a bridge registers fresh and a mobile pairs with code.
func endpointURL(base *url.URL, role protocol.Role, st State, code string) (string, error) {
	u := *base
	u.Path = base.Path + "/ws/" + string(role)
	q := url.Values{}
	switch {
	case st.valid():
		q.Set("session", st.SessionID)
		q.Set("token", st.SessionToken)
	case role == protocol.RoleMobile && code == "":
		return "", errors.New("mobile connector needs a pairing code or saved session")
	case role == protocol.RoleMobile:
		q.Set("code", code)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sanitizeErr strips token query parameters from WebSocket dial errors
// to avoid leaking credentials in log output.
func sanitizeErr(err error) error {
	s := err.Error()
	if i := strings.Index(s, "token="); i != -1 {
		end := strings.IndexAny(s[i:], "\"& ")
		if end == -1 {
			s = s[:i] + "token=REDACTED"
		} else {
			s = s[:i] + "token=REDACTED" + s[i+end:]
		}
	}
	return errors.New(s)
}
