// Package response builds locally-generated HTTP/1.1 responses as a single
// octet sequence. The serialized bytes and the status/header/body values
// that produced them stay separate; Build is a function, not a type.
package response

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strings"
)

// Well-known constants used by the CONNECT tunnel and request-builder paths.
const (
	// ConnectionEstablished is written to the client once a CONNECT tunnel's
	// destination socket is open.
	ConnectionEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

	// HeaderTerminator marks the end of an HTTP header block.
	HeaderTerminator = "\r\n\r\n"
)

// ConnectLine builds the "CONNECT <target> HTTP/1.1\r\n\r\n" line the manager
// re-issues to a chosen upstream proxy.
func ConnectLine(target string) []byte {
	return []byte(fmt.Sprintf("CONNECT %s HTTP/1.1\r\n\r\n", target))
}

// Header is one response header. Build emits headers in the order given,
// so callers control the exact wire layout.
type Header struct {
	Name  string
	Value string
}

// Build serializes a status code, optional headers, and body into a
// complete HTTP/1.1 response. body may be nil, []byte, string, or a
// JSON-serializable value (map/slice/struct); anything else is stringified.
//
// Headers appear in the order given. A default Content-Type is appended
// after them only if the caller did not supply one. Content-Length is
// computed from the body and emitted last when the body is non-empty; a
// caller-supplied Content-Length is always dropped.
func Build(code int, body any, headers []Header) []byte {
	bodyBytes, contentType := encodeBody(body)

	hasContentType := false
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Content-Type") {
			hasContentType = true
		}
	}

	reason := http.StatusText(code)
	if reason == "" {
		reason = "Unknown"
	}

	buf := make([]byte, 0, 128+len(bodyBytes))
	buf = append(buf, fmt.Sprintf("HTTP/1.1 %d %s\r\n", code, reason)...)
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Content-Length") {
			continue
		}
		buf = append(buf, fmt.Sprintf("%s: %s\r\n", h.Name, h.Value)...)
	}
	if !hasContentType && contentType != "" {
		buf = append(buf, fmt.Sprintf("Content-Type: %s\r\n", contentType)...)
	}
	if len(bodyBytes) > 0 {
		buf = append(buf, fmt.Sprintf("Content-Length: %d\r\n", len(bodyBytes))...)
	}
	// Every header line already ends in CRLF, so one more CRLF completes the
	// HeaderTerminator.
	buf = append(buf, "\r\n"...)
	buf = append(buf, bodyBytes...)
	return buf
}

func encodeBody(body any) (data []byte, contentType string) {
	switch v := body.(type) {
	case nil:
		return nil, ""
	case []byte:
		return v, "application/octet-stream"
	case string:
		return []byte(v), "text/plain; charset=utf-8"
	default:
		if isJSONLike(body) {
			encoded, err := json.Marshal(body)
			if err == nil {
				return encoded, "application/json; charset=utf-8"
			}
		}
		return []byte(fmt.Sprint(body)), "text/plain; charset=utf-8"
	}
}

func isJSONLike(body any) bool {
	switch reflect.ValueOf(body).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return true
	}
	return false
}
