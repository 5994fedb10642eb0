package server

import (
	"bytes"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrTokenMissing is returned when no token could be extracted from a
// public connection's opening bytes within the sniff budget.
var ErrTokenMissing = errors.New("server: no token extractable from connection")

// sniffResult carries everything the dispatcher needs after sniffing a
// public connection's opening bytes.
type sniffResult struct {
	token    string
	looksHTTP bool
	prefix   []byte // bytes consumed while sniffing; forwarded verbatim at splice time
}

// sniffToken implements spec.md 4.4.1 / 6's token-extraction strategies:
//
//  1. a complete HTTP request line ("<METHOD> <TARGET> HTTP/...\r\n"), with
//     the token read from TARGET's "token" query parameter;
//  2. failing that, a raw "token=<value>" prefix terminated by '&', a line
//     ending (LF or CRLF), or NUL (the legacy TCP pass-through form);
//  3. failing both within maxBytes and deadline, ErrTokenMissing.
func sniffToken(conn net.Conn, maxBytes int, deadline time.Duration) (sniffResult, error) {
	if deadline > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
	}
	defer conn.SetReadDeadline(time.Time{})

	var buf bytes.Buffer
	chunk := make([]byte, 512)

	for {
		if lineEnd := bytes.Index(buf.Bytes(), []byte("\r\n")); lineEnd >= 0 {
			if token, ok := parseHTTPRequestLine(buf.Bytes()[:lineEnd]); ok {
				return sniffResult{token: token, looksHTTP: true, prefix: buf.Bytes()}, nil
			}
		}
		if token, ok := parseRawTokenPrefix(buf.Bytes()); ok {
			return sniffResult{token: token, looksHTTP: false, prefix: buf.Bytes()}, nil
		}
		if buf.Len() > maxBytes {
			return sniffResult{}, ErrTokenMissing
		}

		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			continue
		}
		if err != nil {
			return sniffResult{}, errors.Wrap(ErrTokenMissing, err.Error())
		}
	}
}

// parseHTTPRequestLine parses "<METHOD> <TARGET> HTTP/x.y" and extracts the
// "token" query parameter from TARGET.
func parseHTTPRequestLine(line []byte) (token string, ok bool) {
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) != 3 {
		return "", false
	}
	method, target, proto := parts[0], parts[1], parts[2]
	if !isHTTPMethod(method) || !strings.HasPrefix(proto, "HTTP/") {
		return "", false
	}
	decoded, err := url.PathUnescape(target)
	if err != nil {
		decoded = target
	}
	// target may be "path?query" or an absolute-form URI; either parses.
	u, err := url.Parse(decoded)
	if err != nil {
		return "", false
	}
	token = u.Query().Get("token")
	if token == "" {
		return "", false
	}
	return token, true
}

func isHTTPMethod(m string) bool {
	switch m {
	case "GET", "HEAD", "POST", "PUT", "DELETE", "CONNECT", "OPTIONS", "TRACE", "PATCH":
		return true
	default:
		return false
	}
}

// parseRawTokenPrefix implements the legacy non-HTTP grammar: the
// connection's very first bytes are "token=<value>" terminated by '&', a
// line ending (bare "\n" or "\r\n"), or a NUL byte. It only matches if the
// buffer actually starts with "token=", so HTTP traffic with a body
// containing "token=" elsewhere is never misidentified. Accepting a bare
// "\n" in addition to the spec's "\r\n" is this implementation's choice for
// the grammar spec.md leaves loosely specified (see DESIGN.md); it covers
// plain pass-through clients that write a single LF-terminated line.
func parseRawTokenPrefix(buf []byte) (token string, ok bool) {
	const prefix = "token="
	if len(buf) < len(prefix) {
		return "", false
	}
	if !bytes.HasPrefix(buf, []byte(prefix)) {
		return "", false
	}
	rest := buf[len(prefix):]
	end := bytes.IndexAny(rest, "&\n\x00")
	if end < 0 {
		return "", false
	}
	return strings.TrimSuffix(string(rest[:end]), "\r"), true
}
