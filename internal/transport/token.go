package transport

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// resumeToken is the opaque state produced when a transfer is paused. It is
// only meaningful within the process lifetime that produced it: the staging
// path it references is not durable state.
type resumeToken struct {
	URL     string `json:"url"`
	ETag    string `json:"etag,omitempty"`
	Offset  int64  `json:"offset"`
	Staging string `json:"staging"`
}

func encodeResumeToken(tok resumeToken) ([]byte, error) {
	data, err := json.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("failed to encode resume token: %w", err)
	}

	return data, nil
}

func decodeResumeToken(data []byte) (resumeToken, error) {
	var tok resumeToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return resumeToken{}, fmt.Errorf("malformed resume token: %w", err)
	}

	if tok.URL == "" || tok.Staging == "" || tok.Offset < 0 {
		return resumeToken{}, fmt.Errorf("incomplete resume token")
	}

	return tok, nil
}

// totalFromContentRange extracts the complete length from a Content-Range
// header ("bytes <start>-<end>/<total>"). Falls back to offset plus the
// response content length; -1 when the size stays unknown.
func totalFromContentRange(header string, offset, contentLength int64) int64 {
	if idx := strings.LastIndex(header, "/"); idx >= 0 {
		if total, err := strconv.ParseInt(header[idx+1:], 10, 64); err == nil && total >= 0 {
			return total
		}
	}

	if contentLength >= 0 {
		return offset + contentLength
	}

	return -1
}
