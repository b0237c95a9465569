package paste

import (
	"mime"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultContentType is used when nothing better can be inferred.
const DefaultContentType = "text/plain; charset=utf-8"

// ResolveContentType picks the stored content type: a well-formed hint
// wins, then the file name extension, then payload sniffing.
func ResolveContentType(hint, fileName string, payload []byte) string {
	if ct, ok := normalizeHint(hint); ok {
		return ct
	}
	if ext := path.Ext(fileName); ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	if len(payload) > 0 {
		return mimetype.Detect(payload).String()
	}
	return DefaultContentType
}

// normalizeHint accepts a parseable media type. Form encodings describe
// how a client uploaded the body, not the paste itself, so they are ignored.
func normalizeHint(hint string) (string, bool) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return "", false
	}
	mediaType, params, err := mime.ParseMediaType(hint)
	if err != nil {
		return "", false
	}
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		return "", false
	}
	ct := mime.FormatMediaType(mediaType, params)
	if ct == "" {
		return "", false
	}
	return ct, true
}
