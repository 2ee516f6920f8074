package intercept

import (
	"strings"

	"github.com/ohler55/ojg/oj"
)

// DefaultMaxBodySize bounds how much of a response body is captured (10MB).
const DefaultMaxBodySize = 10 * 1024 * 1024

// IsJSON reports whether a content type announces a JSON payload.
func IsJSON(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "application/json")
}

// Decode turns a captured body into the value that gets logged: the parsed
// structure for JSON content types, the raw text otherwise.
func Decode(contentType string, body []byte) (any, error) {
	if IsJSON(contentType) {
		return oj.Parse(body)
	}
	return string(body), nil
}
