package files

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrBadRequest wraps request-format failures during ingestion: a missing
// multipart boundary, a missing file or username part, or malformed JSON.
var ErrBadRequest = errors.New("bad request")

var (
	boundaryPattern = regexp.MustCompile(`boundary=([^;]+)`)
	filenamePattern = regexp.MustCompile(`filename="([^"]+)"`)
)

// formUpload is the decoded result of a multipart upload body.
type formUpload struct {
	Username string
	Filename string
	Data     []byte
}

// parseMultipart splits a raw multipart body on the boundary declared in
// contentType and extracts the file part (the part whose disposition header
// declares a filename) and the part named "username".
//
// The split and delimiter-stripping behaviour is byte-exact by design:
// clients depend on the trailing "--\r\n" and "\r\n" artifacts being removed
// from the file body and on the header/body split at the first double CRLF.
func parseMultipart(body []byte, contentType string) (*formUpload, error) {
	m := boundaryPattern.FindStringSubmatch(contentType)
	if m == nil {
		return nil, fmt.Errorf("%w: could not find multipart boundary", ErrBadRequest)
	}
	boundary := []byte("--" + m[1])

	parts := bytes.Split(body, boundary)

	var (
		fileData []byte
		filename string
		username string
	)

	for _, part := range parts {
		if len(part) < 10 {
			continue
		}

		partStr := string(part)
		if !strings.Contains(partStr, "Content-Disposition") {
			continue
		}

		switch {
		case strings.Contains(partStr, "filename="):
			if fm := filenamePattern.FindStringSubmatch(partStr); fm != nil {
				filename = fm[1]
			}

			headersEnd := bytes.Index(part, []byte("\r\n\r\n"))
			if headersEnd < 0 {
				continue
			}
			content := part[headersEnd+4:]
			content = bytes.TrimSuffix(content, []byte("--\r\n"))
			content = bytes.TrimSuffix(content, []byte("\r\n"))
			fileData = content

		case strings.Contains(partStr, `name="username"`):
			headersEnd := bytes.Index(part, []byte("\r\n\r\n"))
			if headersEnd < 0 {
				continue
			}
			content := part[headersEnd+4:]
			content = bytes.TrimSuffix(content, []byte("\r\n"))
			username = strings.TrimSpace(string(content))
		}
	}

	if fileData == nil || filename == "" || username == "" {
		return nil, fmt.Errorf("%w: missing file content, filename, or username", ErrBadRequest)
	}

	return &formUpload{Username: username, Filename: filename, Data: fileData}, nil
}
