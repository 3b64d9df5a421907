package mailbox

import (
	"bufio"
	"context"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"mailmind/internal/model"
)

// IMAPConfig holds the connection settings for the IMAP side of the
// transport.
type IMAPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	TLS      bool
}

// IMAP implements Transport against an IMAP mailbox plus an SMTP
// submission endpoint. A single connection is shared by all dispatch
// tasks and every call is serialized behind mu; the underlying client
// must never be used concurrently.
type IMAP struct {
	mu     sync.Mutex
	cfg    IMAPConfig
	smtp   SMTPConfig
	client *imapclient.Client
}

// NewIMAP creates a transport over the given IMAP and SMTP endpoints.
// No connection is made until the first call.
func NewIMAP(cfg IMAPConfig, smtpCfg SMTPConfig) *IMAP {
	return &IMAP{cfg: cfg, smtp: smtpCfg}
}

// Close logs out the shared connection if one is open.
func (t *IMAP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	err := t.client.Logout().Wait()
	t.client = nil
	return err
}

// ensureClient dials, authenticates and selects INBOX on first use.
// Callers must hold mu.
func (t *IMAP) ensureClient(ctx context.Context) (*imapclient.Client, error) {
	if t.client != nil {
		return t.client, nil
	}

	addr := t.cfg.Host + ":" + t.cfg.Port

	client, err := dialContext(ctx, addr, t.cfg.TLS)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	if err := client.Login(t.cfg.Username, t.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, ctxErr(ctx, fmt.Errorf("authenticating %s: %w", t.cfg.Username, err))
	}

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		_ = client.Close()
		return nil, ctxErr(ctx, fmt.Errorf("selecting INBOX: %w", err))
	}

	if ctx.Err() != nil {
		_ = client.Close()
		return nil, ctx.Err()
	}

	t.client = client
	return client, nil
}

// dialContext runs the blocking dial in its own goroutine so the caller
// can give up when ctx expires. A connection that completes after the
// caller gave up is closed immediately.
func dialContext(ctx context.Context, addr string, useTLS bool) (*imapclient.Client, error) {
	type result struct {
		client *imapclient.Client
		err    error
	}

	ch := make(chan result, 1)
	go func() {
		var client *imapclient.Client
		var err error
		if useTLS {
			client, err = imapclient.DialTLS(addr, nil)
		} else {
			client, err = imapclient.DialStartTLS(addr, nil)
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
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, r.err)
		}
		return r.client, nil
	}
}

// guard arms a watchdog that force-closes the connection when ctx
// expires, which unblocks any command waiting on the server. The
// returned func disarms it, or discards the dead connection if the
// watchdog already fired. Callers must hold mu.
func (t *IMAP) guard(ctx context.Context) func() {
	client := t.client
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	return func() {
		if !stop() {
			t.dropClient()
		}
	}
}

// ctxErr prefers the context error once the watchdog has closed the
// connection, so callers see a deadline instead of a broken-pipe error.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// dropClient discards the shared connection after a command failure so
// the next call redials. Callers must hold mu.
func (t *IMAP) dropClient() {
	if t.client != nil {
		_ = t.client.Close()
		t.client = nil
	}
}

// ListUnread searches INBOX for unseen messages and returns their refs
// with thread identity derived from the References chain.
func (t *IMAP) ListUnread(ctx context.Context, max int) ([]model.MessageRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	client, err := t.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	defer t.guard(ctx)()

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		t.dropClient()
		return nil, ctxErr(ctx, fmt.Errorf("searching unread messages: %w", err))
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if max > 0 && len(uids) > max {
		uids = uids[:max]
	}

	headerSection := &imap.FetchItemBodySection{
		Specifier:    imap.PartSpecifierHeader,
		HeaderFields: []string{"References", "In-Reply-To"},
		Peek:         true,
	}
	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{headerSection},
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), fetchOpts)

	var refs []model.MessageRef
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		messageID := ""
		if buf.Envelope != nil {
			messageID = buf.Envelope.MessageID
		}
		references, inReplyTo := parseThreadHeaders(buf.FindBodySection(headerSection))

		refs = append(refs, model.MessageRef{
			ID:       strconv.FormatUint(uint64(buf.UID), 10),
			ThreadID: threadIDFor(references, inReplyTo, messageID),
		})
	}

	if err := fetchCmd.Close(); err != nil {
		t.dropClient()
		return refs, ctxErr(ctx, fmt.Errorf("fetching unread refs: %w", err))
	}

	return refs, nil
}

// GetMessage fetches and parses one message by UID.
func (t *IMAP) GetMessage(ctx context.Context, id string) (*model.InboundMessage, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	client, err := t.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	defer t.guard(ctx)()

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	headerSection := &imap.FetchItemBodySection{
		Specifier:    imap.PartSpecifierHeader,
		HeaderFields: []string{"References", "In-Reply-To"},
		Peek:         true,
	}
	fetchOpts.BodySection = append(fetchOpts.BodySection, headerSection)

	fetchCmd := client.Fetch(imap.UIDSetNum(uid), fetchOpts)

	msg := fetchCmd.Next()
	if msg == nil {
		_ = fetchCmd.Close()
		return nil, fmt.Errorf("message UID %s not found", id)
	}

	buf, err := msg.Collect()
	if err != nil {
		_ = fetchCmd.Close()
		t.dropClient()
		return nil, ctxErr(ctx, fmt.Errorf("collecting message data: %w", err))
	}

	if err := fetchCmd.Close(); err != nil {
		t.dropClient()
		return nil, ctxErr(ctx, fmt.Errorf("closing fetch: %w", err))
	}

	inbound := &model.InboundMessage{ID: id}

	if buf.Envelope != nil {
		inbound.Subject = buf.Envelope.Subject
		inbound.MessageID = buf.Envelope.MessageID
		if len(buf.Envelope.From) > 0 {
			inbound.From = buf.Envelope.From[0].Addr()
		}
		if len(buf.Envelope.To) > 0 {
			inbound.To = buf.Envelope.To[0].Addr()
		}
	}

	references, inReplyTo := parseThreadHeaders(buf.FindBodySection(headerSection))
	inbound.ThreadID = threadIDFor(references, inReplyTo, inbound.MessageID)

	if raw := buf.FindBodySection(bodySection); raw != nil {
		body, attachments := parseBody(raw)
		inbound.Body = trimQuoted(body, inbound.From, inbound.To)
		inbound.Attachments = attachments
	}

	return inbound, nil
}

// ModifyLabels updates keyword flags on one message. The pseudo-label
// LabelUnread maps onto the \Seen flag with inverted polarity.
func (t *IMAP) ModifyLabels(ctx context.Context, id string, add, remove []string) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}

	addFlags, delFlags := translateLabels(add, remove)

	t.mu.Lock()
	defer t.mu.Unlock()

	client, err := t.ensureClient(ctx)
	if err != nil {
		return err
	}
	defer t.guard(ctx)()

	uidSet := imap.UIDSetNum(uid)

	if len(addFlags) > 0 {
		storeCmd := client.Store(uidSet, &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  addFlags,
		}, nil)
		if err := storeCmd.Close(); err != nil {
			t.dropClient()
			return ctxErr(ctx, fmt.Errorf("adding flags on %s: %w", id, err))
		}
	}

	if len(delFlags) > 0 {
		storeCmd := client.Store(uidSet, &imap.StoreFlags{
			Op:     imap.StoreFlagsDel,
			Silent: true,
			Flags:  delFlags,
		}, nil)
		if err := storeCmd.Close(); err != nil {
			t.dropClient()
			return ctxErr(ctx, fmt.Errorf("removing flags on %s: %w", id, err))
		}
	}

	return nil
}

// Send submits the raw message over SMTP. The shared mutex also covers
// submission so the transport as a whole stays serialized.
func (t *IMAP) Send(ctx context.Context, to string, raw []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return sendSMTP(ctx, t.smtp, t.cfg.Username, to, raw)
}

// translateLabels converts pipeline labels to IMAP flag operations.
func translateLabels(add, remove []string) (addFlags, delFlags []imap.Flag) {
	for _, label := range add {
		if label == LabelUnread {
			delFlags = append(delFlags, imap.FlagSeen)
			continue
		}
		addFlags = append(addFlags, imap.Flag(label))
	}
	for _, label := range remove {
		if label == LabelUnread {
			addFlags = append(addFlags, imap.FlagSeen)
			continue
		}
		delFlags = append(delFlags, imap.Flag(label))
	}
	return addFlags, delFlags
}

// parseThreadHeaders extracts References and In-Reply-To from a raw
// header fetch.
func parseThreadHeaders(raw []byte) (references, inReplyTo string) {
	if raw == nil {
		return "", ""
	}

	reader := textproto.NewReader(bufio.NewReader(strings.NewReader(string(raw))))
	header, err := reader.ReadMIMEHeader()
	if err != nil && len(header) == 0 {
		return "", ""
	}
	return header.Get("References"), header.Get("In-Reply-To")
}

// threadIDFor derives a stable thread identity: the root Message-ID of
// the References chain, falling back to In-Reply-To for direct replies
// and to the message's own ID for thread starters.
func threadIDFor(references, inReplyTo, messageID string) string {
	if root := firstMsgID(references); root != "" {
		return root
	}
	if parent := firstMsgID(inReplyTo); parent != "" {
		return parent
	}
	return strings.Trim(messageID, "<>")
}

// firstMsgID returns the first <...> token of a header value.
func firstMsgID(header string) string {
	start := strings.Index(header, "<")
	if start == -1 {
		return ""
	}
	end := strings.Index(header[start:], ">")
	if end == -1 {
		return ""
	}
	return header[start+1 : start+end]
}

func parseUID(id string) (imap.UID, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid message id %q: %w", id, err)
	}
	return imap.UID(uid), nil
}
