package exchange

import (
	"bytes"
	"strconv"
)

// Response describes the fixed response sent for every request.
type Response struct {
	Status int
	// ContentLength is the declared content-length header value.
	ContentLength int
	Server        string
	Body          string
	// FitBody truncates or space-pads Body to ContentLength.
	FitBody bool
}

// DefaultResponse returns the wire-compatible response: the declared length is
// 5 while the body is 8 bytes.
func DefaultResponse() Response {
	return Response{
		Status:        200,
		ContentLength: 5,
		Server:        "Xeno",
		Body:          "Hello :o",
	}
}

// Headers returns the response header list for the exchange id.
func (r Response) Headers(id uint32) [][2]string {
	return [][2]string{
		{"content-length", strconv.Itoa(r.ContentLength)},
		{"server", r.Server},
		{"x-stream-id", strconv.FormatUint(uint64(id), 10)},
	}
}

// Payload returns the body bytes to put on the wire.
func (r Response) Payload() []byte {
	body := []byte(r.Body)
	if !r.FitBody || r.ContentLength < 0 {
		return body
	}
	if len(body) >= r.ContentLength {
		return body[:r.ContentLength]
	}
	return append(body, bytes.Repeat([]byte{' '}, r.ContentLength-len(body))...)
}

// Parts builds Head, Body and End for the exchange id.
func (r Response) Parts(id uint32) []ResponsePart {
	return []ResponsePart{
		{Kind: Head, Status: r.Status, Headers: r.Headers(id)},
		{Kind: Body, Data: r.Payload()},
		{Kind: End},
	}
}
