package dispatch

import (
	"mailmind/internal/llm"
	"mailmind/internal/model"
)

// allowedAttachmentTypes lists the MIME types the model backend accepts
// as inline data.
var allowedAttachmentTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
	"image/heic": true,
	"image/heif": true,

	"application/pdf":          true,
	"application/x-javascript": true,
	"text/javascript":          true,
	"application/x-python":     true,
	"text/x-python":            true,
	"text/plain":               true,
	"text/html":                true,
	"text/css":                 true,
	"text/md":                  true,
	"text/csv":                 true,
	"text/xml":                 true,
	"text/rtf":                 true,

	"audio/wav":  true,
	"audio/mp3":  true,
	"audio/aiff": true,
	"audio/aac":  true,
	"audio/ogg":  true,
	"audio/flac": true,
}

// maxInputBytes caps the cumulative attachment payload of one request.
const maxInputBytes = 19_900_000

// buildParts assembles model input from the question text plus any
// allow-listed attachments, stopping once the cumulative size cap is
// reached.
func buildParts(question string, attachments []model.Attachment) []llm.Part {
	parts := []llm.Part{{Text: question}}

	var size int64
	for _, att := range attachments {
		if !allowedAttachmentTypes[att.MIMEType] {
			continue
		}
		size += att.Size
		if size > maxInputBytes {
			break
		}
		parts = append(parts, llm.Part{Data: att.Data, MIMEType: att.MIMEType})
	}
	return parts
}
