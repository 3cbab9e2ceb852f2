package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	docxBody = "word/document.xml"
	docxCore = "docProps/core.xml"
)

func extractDOCX(data []byte) (string, string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", "", fmt.Errorf("opening docx archive: %w", err)
	}

	body, err := readZipEntry(zr, docxBody)
	if err != nil {
		return "", "", err
	}
	if body == nil {
		return "", "", errors.New("docx has no word/document.xml")
	}
	text, err := docxText(body)
	if err != nil {
		return "", "", err
	}

	title := ""
	if core, err := readZipEntry(zr, docxCore); err == nil && core != nil {
		var props struct {
			Title string `xml:"title"`
		}
		if xml.Unmarshal(core, &props) == nil {
			title = strings.TrimSpace(props.Title)
		}
	}
	return text, title, nil
}

func readZipEntry(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", name, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, nil
}

// docxText walks document.xml tokens. Text runs are concatenated; tabs, breaks
// and paragraph ends become whitespace so sentences stay separated.
func docxText(body []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	var sb strings.Builder
	inRun, inText := false, false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parsing document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "r":
				inRun = true
			case "t":
				inText = inRun
			case "tab":
				if inRun {
					sb.WriteByte('\t')
				}
			case "br", "cr":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "r":
				inRun = false
			case "t":
				inText = false
			case "p":
				sb.WriteString("\n\n")
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
