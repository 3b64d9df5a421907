package mailbox

import (
	"bytes"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"

	// Register charset decoders (windows-1252, iso-8859-*, koi8-r, etc.)
	_ "github.com/emersion/go-message/charset"

	"mailmind/internal/model"
)

// parseBody parses a raw RFC 5322 message using go-message and extracts
// the text/plain body and attachments with their bytes. Attachments
// above MaxAttachmentBytes are skipped.
func parseBody(raw []byte) (textBody string, attachments []model.Attachment) {
	reader := bytes.NewReader(raw)

	mr, err := mail.CreateReader(reader)
	if err != nil {
		// If parsing fails, treat the whole thing as plain text.
		return string(raw), nil
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			if !strings.HasPrefix(contentType, "text/plain") {
				continue
			}
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			if textBody == "" {
				textBody = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()

			data, readErr := io.ReadAll(io.LimitReader(part.Body, MaxAttachmentBytes+1))
			if readErr != nil {
				continue
			}
			if len(data) > MaxAttachmentBytes {
				continue
			}

			attachments = append(attachments, model.Attachment{
				Name:     filename,
				Size:     int64(len(data)),
				MIMEType: contentType,
				Data:     data,
			})
		}
	}

	return textBody, attachments
}

// angleWhitespace normalizes whitespace inside angle brackets so quoted
// reply markers like "< user@example.com >" match exactly.
var angleWhitespace = regexp.MustCompile(`<\s*([^\n\r<>]+?)\s*>`)

// trimQuoted cuts the quoted history a mail client appends below a
// reply. The heuristic mirrors the original quoting format: the first
// line mentioning either correspondent's address in angle brackets
// ("On ... <addr> wrote:") marks the start of the quoted block.
func trimQuoted(body, fromAddr, toAddr string) string {
	normalized := angleWhitespace.ReplaceAllString(body, "<$1>")

	idx := -1
	for _, addr := range []string{fromAddr, toAddr} {
		if addr == "" {
			continue
		}
		marker := "<" + addr + ">"
		if i := strings.Index(normalized, marker); i >= 0 && (idx == -1 || i < idx) {
			idx = i
		}
	}
	if idx == -1 {
		return body
	}

	lineStart := strings.LastIndex(normalized[:idx], "\n")
	if lineStart == -1 {
		// The marker sits on the first line; nothing above it to keep.
		return ""
	}
	return strings.TrimRight(normalized[:lineStart], " \t\r\n")
}
