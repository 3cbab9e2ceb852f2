package extract

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// extractPDF reads every page's text layer. The pdf reader panics on some
// malformed inputs, so panics are turned into errors here.
func extractPDF(data []byte) (text, title string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", "", err
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", "", err
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", "", err
	}

	title = strings.TrimSpace(r.Trailer().Key("Info").Key("Title").Text())
	return string(b), title, nil
}
