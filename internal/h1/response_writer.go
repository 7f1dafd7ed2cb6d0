package h1

import (
	"net/http"
	"strconv"
)

var (
	http11             = []byte("HTTP/1.1 ")
	headerSep          = []byte(": ")
	headerConnection   = []byte("connection: ")
	headerClose        = []byte("close\r\n")
	headerKeepAlive    = []byte("keep-alive\r\n")
	badRequestResponse = []byte("HTTP/1.1 400 Bad Request\r\ncontent-length: 0\r\nconnection: close\r\n\r\n")
)

// appendHead serializes the status line and headers of a response.
func appendHead(buf []byte, status int, headers [][2]string, keepAlive bool) []byte {
	buf = append(buf, http11...)
	buf = strconv.AppendInt(buf, int64(status), 10)
	buf = append(buf, ' ')
	buf = append(buf, http.StatusText(status)...)
	buf = append(buf, crlf...)
	for _, h := range headers {
		buf = append(buf, h[0]...)
		buf = append(buf, headerSep...)
		buf = append(buf, h[1]...)
		buf = append(buf, crlf...)
	}
	buf = append(buf, headerConnection...)
	if keepAlive {
		buf = append(buf, headerKeepAlive...)
	} else {
		buf = append(buf, headerClose...)
	}
	return append(buf, crlf...)
}
