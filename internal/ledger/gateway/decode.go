package gateway

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
)

var base64Encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// DecodeBody returns body when it is JSON, or its Base64 decoding when that
// is JSON.
func DecodeBody(body []byte) ([]byte, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false
	}
	if json.Valid(trimmed) {
		return trimmed, true
	}
	for _, enc := range base64Encodings {
		decoded, err := enc.DecodeString(string(trimmed))
		if err != nil {
			continue
		}
		decoded = bytes.TrimSpace(decoded)
		if json.Valid(decoded) {
			return decoded, true
		}
	}
	return nil, false
}
