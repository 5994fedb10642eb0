package server

import "fmt"

func writeHTTPStatus(code int, text string) []byte {
	body := text + "\n"
	return []byte(fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, text, len(body), body,
	))
}

var (
	respNotFound        = writeHTTPStatus(404, "Not Found")
	respBadGateway      = writeHTTPStatus(502, "Bad Gateway")
	respServiceUnavail  = writeHTTPStatus(503, "Service Unavailable")
)
