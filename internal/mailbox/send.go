package mailbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

// SMTPConfig holds the SMTP submission settings for sending replies.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	TLS      bool
}

// ReplyInput is everything needed to build one reply message.
type ReplyInput struct {
	From      string
	To        string
	Subject   string // original subject, "Re: " is prepended
	InReplyTo string // original Message-ID
	HTMLBody  string

	// TopBanner and BottomBanner are JPEG bytes embedded inline with
	// content-ids top_banner and bottom_banner. Either may be nil, in
	// which case the corresponding image part is omitted.
	TopBanner    []byte
	BottomBanner []byte
}

// BuildReply assembles a multipart/related MIME message with the HTML
// body and inline banner images.
func BuildReply(in ReplyInput) ([]byte, error) {
	var buf bytes.Buffer

	var h gomail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*gomail.Address{{Address: in.From}})
	h.SetAddressList("To", []*gomail.Address{{Address: in.To}})
	h.SetSubject(replySubject(in.Subject))
	h.SetMessageID(uuid.NewString() + "@" + addrDomain(in.From))
	if in.InReplyTo != "" {
		ref := ensureAngle(in.InReplyTo)
		h.Set("In-Reply-To", ref)
		h.Set("References", ref)
	}
	h.SetContentType("multipart/related", map[string]string{"type": "text/html"})

	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("creating message writer: %w", err)
	}

	var bodyHeader message.Header
	bodyHeader.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	bodyHeader.Set("Content-Transfer-Encoding", "quoted-printable")

	bodyWriter, err := w.CreatePart(bodyHeader)
	if err != nil {
		return nil, fmt.Errorf("creating html part: %w", err)
	}
	if _, err := io.WriteString(bodyWriter, in.HTMLBody); err != nil {
		return nil, fmt.Errorf("writing html part: %w", err)
	}
	if err := bodyWriter.Close(); err != nil {
		return nil, fmt.Errorf("closing html part: %w", err)
	}

	for _, img := range []struct {
		cid  string
		data []byte
	}{
		{"top_banner", in.TopBanner},
		{"bottom_banner", in.BottomBanner},
	} {
		if img.data == nil {
			continue
		}
		if err := writeInlineImage(w, img.cid, img.data); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing message: %w", err)
	}

	return buf.Bytes(), nil
}

// writeInlineImage adds one inline JPEG part referenced by content-id.
func writeInlineImage(w *message.Writer, cid string, data []byte) error {
	var h message.Header
	h.SetContentType("image/jpeg", nil)
	h.Set("Content-Id", "<"+cid+">")
	h.SetContentDisposition("inline", map[string]string{"filename": cid})
	h.Set("Content-Transfer-Encoding", "base64")

	pw, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("creating image part %s: %w", cid, err)
	}
	if _, err := pw.Write(data); err != nil {
		return fmt.Errorf("writing image part %s: %w", cid, err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("closing image part %s: %w", cid, err)
	}
	return nil
}

// sendSMTP submits a raw message, using implicit TLS or STARTTLS
// depending on configuration. The context bounds the whole submission:
// when it expires the connection is force-closed, unblocking whichever
// step was in flight.
func sendSMTP(ctx context.Context, cfg SMTPConfig, from, to string, raw []byte) error {
	client, err := dialSMTP(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	auth := sasl.NewPlainClient("", cfg.Username, cfg.Password)
	if err := client.Auth(auth); err != nil {
		return ctxErr(ctx, fmt.Errorf("SMTP auth: %w", err))
	}

	if err := client.SendMail(from, []string{to}, bytes.NewReader(raw)); err != nil {
		return ctxErr(ctx, fmt.Errorf("sending message to %s: %w", to, err))
	}

	if err := client.Quit(); err != nil {
		return ctxErr(ctx, fmt.Errorf("closing SMTP session: %w", err))
	}
	return nil
}

// dialSMTP connects in a separate goroutine so the caller can give up
// when ctx expires; a late connection is closed immediately.
func dialSMTP(ctx context.Context, cfg SMTPConfig) (*smtp.Client, error) {
	addr := cfg.Host + ":" + cfg.Port
	tlsConfig := &tls.Config{ServerName: cfg.Host}

	type result struct {
		client *smtp.Client
		err    error
	}

	ch := make(chan result, 1)
	go func() {
		var client *smtp.Client
		var err error
		if cfg.TLS {
			client, err = smtp.DialTLS(addr, tlsConfig)
		} else {
			client, err = smtp.DialStartTLS(addr, tlsConfig)
		}
		ch <- result{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, fmt.Errorf("connecting to SMTP %s: %w", addr, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("connecting to SMTP %s: %w", addr, r.err)
		}
		return r.client, nil
	}
}

func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

func ensureAngle(id string) string {
	id = strings.Trim(id, "<>")
	return "<" + id + ">"
}

func addrDomain(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return "localhost"
}
