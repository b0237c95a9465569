package paste

import "testing"

func TestResolveContentType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	cases := []struct {
		name     string
		hint     string
		fileName string
		payload  []byte
		want     string
	}{
		{"hint wins", "application/json", "a.png", png, "application/json"},
		{"hint normalized", "Text/Markdown; Charset=UTF-8", "", nil, "text/markdown; charset=UTF-8"},
		{"form encoding ignored", "application/x-www-form-urlencoded", "", []byte("hello"), DefaultContentType},
		{"malformed hint ignored", "not a type", "data.json", nil, "application/json"},
		{"extension", "", "image.png", []byte("hello"), "image/png"},
		{"unknown extension sniffs", "", "blob.unknownext", png, "image/png"},
		{"sniffed text", "", "", []byte("hello"), DefaultContentType},
		{"empty payload", "", "", nil, DefaultContentType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ResolveContentType(tc.hint, tc.fileName, tc.payload); got != tc.want {
				t.Fatalf("expected %q got %q", tc.want, got)
			}
		})
	}
}
