package extract

import (
	"bytes"
	"errors"
	"strings"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func extractPlainText(data []byte) (string, string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return "", "", errors.New("text is not valid UTF-8")
	}
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	return s, "", nil
}

// extractMarkdown keeps the markup as text; the first level-one heading becomes the title.
func extractMarkdown(data []byte) (string, string, error) {
	text, _, err := extractPlainText(data)
	if err != nil {
		return "", "", err
	}
	for line := range strings.Lines(text) {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(line, "# "); ok {
			return text, strings.TrimSpace(after), nil
		}
	}
	return text, "", nil
}
