package stream

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"
)

func connectionSpecific(name, value string) error {
	switch name {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
		return fmt.Errorf("connection-specific header not allowed: %s", name)
	case "te":
		if value != "trailers" {
			return fmt.Errorf("TE header must be 'trailers', got: %s", value)
		}
	}
	return nil
}

// validateRequestHeaders checks the decoded request header block. Pseudo header
// ordering and lowercase names are already enforced by the framer.
func validateRequestHeaders(fields []hpack.HeaderField) error {
	var method, scheme, path string
	var hasMethod, hasScheme, hasPath bool

	for _, f := range fields {
		if f.IsPseudo() {
			switch f.Name {
			case ":method":
				method, hasMethod = f.Value, true
			case ":scheme":
				scheme, hasScheme = f.Value, true
			case ":path":
				path, hasPath = f.Value, true
			case ":authority":
			default:
				return fmt.Errorf("unknown pseudo-header: %s", f.Name)
			}
			continue
		}
		if err := connectionSpecific(f.Name, f.Value); err != nil {
			return err
		}
	}

	if !hasMethod || method == "" {
		return fmt.Errorf("missing required :method pseudo-header")
	}
	if method == "CONNECT" {
		if hasScheme || hasPath {
			return fmt.Errorf("CONNECT request must not carry :scheme or :path")
		}
		return nil
	}
	if !hasScheme || scheme == "" {
		return fmt.Errorf("missing required :scheme pseudo-header")
	}
	if !hasPath || path == "" {
		return fmt.Errorf("missing required :path pseudo-header")
	}
	return nil
}

// validateTrailerHeaders rejects pseudo headers and connection-specific fields
// in a trailer block.
func validateTrailerHeaders(fields []hpack.HeaderField) error {
	for _, f := range fields {
		if f.IsPseudo() {
			return fmt.Errorf("pseudo-header not allowed in trailers: %s", f.Name)
		}
		if err := connectionSpecific(f.Name, f.Value); err != nil {
			return err
		}
	}
	return nil
}

// declaredContentLength returns the request's content-length header, if any.
func declaredContentLength(fields []hpack.HeaderField) (int64, bool, error) {
	for _, f := range fields {
		if strings.EqualFold(f.Name, "content-length") {
			n, err := strconv.ParseInt(f.Value, 10, 64)
			if err != nil || n < 0 {
				return 0, false, fmt.Errorf("invalid content-length value: %s", f.Value)
			}
			return n, true, nil
		}
	}
	return 0, false, nil
}

// toPairs flattens decoded fields into the name/value pairs used by exchange.
func toPairs(fields []hpack.HeaderField) [][2]string {
	out := make([][2]string, len(fields))
	for i, f := range fields {
		out[i] = [2]string{f.Name, f.Value}
	}
	return out
}
