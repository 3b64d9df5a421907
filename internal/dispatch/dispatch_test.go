package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mailmind/internal/compose"
	"mailmind/internal/errs"
	"mailmind/internal/llm"
	"mailmind/internal/mailbox"
	"mailmind/internal/model"
	"mailmind/internal/seal"
)

var testLabels = mailbox.DefaultLabels()

type labelOp struct {
	ID     string
	Add    []string
	Remove []string
}

type sentMail struct {
	To  string
	Raw []byte
}

type fakeMail struct {
	mu       sync.Mutex
	msgs     map[string]*model.InboundMessage
	labelOps []labelOp
	sent     []sentMail

	// gate, when set, blocks GetMessage until closed so a test can
	// hold a task in flight.
	gate chan struct{}
}

func (f *fakeMail) ListUnread(ctx context.Context, max int) ([]model.MessageRef, error) {
	return nil, nil
}

func (f *fakeMail) GetMessage(ctx context.Context, id string) (*model.InboundMessage, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.msgs[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return msg, nil
}

func (f *fakeMail) Send(ctx context.Context, to string, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{To: to, Raw: raw})
	return nil
}

func (f *fakeMail) ModifyLabels(ctx context.Context, id string, add, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labelOps = append(f.labelOps, labelOp{ID: id, Add: add, Remove: remove})
	return nil
}

func (f *fakeMail) opsFor(id string) []labelOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ops []labelOp
	for _, op := range f.labelOps {
		if op.ID == id {
			ops = append(ops, op)
		}
	}
	return ops
}

type backendCall struct {
	Model     string
	Parts     []llm.Part
	History   []llm.Message
	Question  string
	Reasoning bool
}

type fakeBackend struct {
	mu      sync.Mutex
	calls   []backendCall
	answers map[string]*model.Answer // keyed by model name
	errors  map[string]error
}

func (f *fakeBackend) respond(modelName string) (*model.Answer, error) {
	if err, ok := f.errors[modelName]; ok {
		return nil, err
	}
	if ans, ok := f.answers[modelName]; ok {
		return ans, nil
	}
	return &model.Answer{Text: "answer", TotalTokens: 10, Model: modelName}, nil
}

func (f *fakeBackend) Generate(ctx context.Context, modelName string, parts []llm.Part, reasoning bool) (*model.Answer, error) {
	f.mu.Lock()
	f.calls = append(f.calls, backendCall{Model: modelName, Parts: parts, Reasoning: reasoning})
	f.mu.Unlock()
	return f.respond(modelName)
}

func (f *fakeBackend) Converse(ctx context.Context, modelName string, history []llm.Message, question string, reasoning bool) (*model.Answer, error) {
	f.mu.Lock()
	f.calls = append(f.calls, backendCall{Model: modelName, History: history, Question: question, Reasoning: reasoning})
	f.mu.Unlock()
	return f.respond(modelName)
}

func (f *fakeBackend) callList() []backendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backendCall(nil), f.calls...)
}

type appended struct {
	ThreadID string
	UserID   int64
	Turn     model.Turn
}

type fakeStore struct {
	mu       sync.Mutex
	convs    map[string]*model.Conversation
	appended []appended
}

func (f *fakeStore) Load(ctx context.Context, threadID string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convs[threadID], nil
}

func (f *fakeStore) Append(ctx context.Context, threadID string, userID int64, turn model.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, appended{ThreadID: threadID, UserID: userID, Turn: turn})
	return nil
}

type fakeUsers struct {
	users map[string]*model.User
}

func (f *fakeUsers) Lookup(addr string) (*model.User, error) {
	return f.users[strings.ToLower(addr)], nil
}

type noBanners struct{}

func (noBanners) Fetch(ctx context.Context) ([]byte, []byte) { return nil, nil }

type fixture struct {
	mail    *fakeMail
	backend *fakeBackend
	store   *fakeStore
	users   *fakeUsers
	sealer  *seal.Sealer
	disp    *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sealer, err := seal.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	mail := &fakeMail{msgs: map[string]*model.InboundMessage{}}
	backend := &fakeBackend{answers: map[string]*model.Answer{}, errors: map[string]error{}}
	store := &fakeStore{convs: map[string]*model.Conversation{}}
	users := &fakeUsers{users: map[string]*model.User{
		"alice@example.com": {
			Email:  "alice@example.com",
			Plan:   model.PlanPremium,
			Tokens: 5000,
			UserID: 7,
		},
	}}

	cfg := Config{
		Models: []model.ModelInfo{
			{Name: "gemini-2.5-flash", DisplayName: "Flash", Active: true, PermLevel: 0},
			{Name: "gemini-2.5-pro", DisplayName: "Pro", Active: true, PermLevel: 1},
			{Name: "gemini-exp", DisplayName: "Experimental", Active: true, PermLevel: 2},
			{Name: "gemini-old", DisplayName: "Old", Active: false, PermLevel: 0},
			{Name: "gemini-2.0-flash", DisplayName: "Backup Flash", Active: true, PermLevel: 0},
		},
		DefaultModel: "gemini-2.5-flash",
		BackupModel:  "gemini-2.0-flash",
		Labels:       testLabels,
		FromAddress:  "bot@example.com",
		Stagger:      time.Millisecond,
	}

	disp := New(cfg, mail, backend, store, users, sealer, compose.New(), noBanners{}, zaptest.NewLogger(t))

	return &fixture{mail: mail, backend: backend, store: store, users: users, sealer: sealer, disp: disp}
}

func (f *fixture) addMessage(msg *model.InboundMessage) model.MessageRef {
	f.mail.msgs[msg.ID] = msg
	return model.MessageRef{ID: msg.ID, ThreadID: msg.ThreadID}
}

func inbound(id, thread, from, subject, body string) *model.InboundMessage {
	return &model.InboundMessage{
		ID:        id,
		ThreadID:  thread,
		Subject:   subject,
		From:      from,
		To:        "bot@example.com",
		MessageID: id + "@example.com",
		Body:      body,
	}
}

func (f *fixture) run(ctx context.Context, refs ...model.MessageRef) {
	f.disp.Dispatch(ctx, refs)
	f.disp.Wait()
}

func TestDispatchAnswersRegisteredFirstTurn(t *testing.T) {
	f := newFixture(t)
	ref := f.addMessage(inbound("m1", "t1", "alice@example.com", "Hello", "What is Go?"))

	f.run(context.Background(), ref)

	calls := f.backend.callList()
	require.Len(t, calls, 1)
	require.Equal(t, "gemini-2.5-flash", calls[0].Model)
	require.False(t, calls[0].Reasoning)

	require.Len(t, f.store.appended, 1)
	require.Equal(t, "t1", f.store.appended[0].ThreadID)
	require.Equal(t, int64(7), f.store.appended[0].UserID)

	question, err := f.sealer.Open(f.store.appended[0].Turn.User)
	require.NoError(t, err)
	require.Equal(t, "What is Go?", question)

	require.Len(t, f.mail.sent, 1)
	require.Equal(t, "alice@example.com", f.mail.sent[0].To)
	require.Contains(t, string(f.mail.sent[0].Raw), "Re: Hello")

	ops := f.mail.opsFor("m1")
	require.Len(t, ops, 2)
	require.Equal(t, []string{testLabels.Processing}, ops[0].Add)
	require.Equal(t, []string{mailbox.LabelUnread}, ops[0].Remove)
	require.Equal(t, []string{testLabels.Answered}, ops[1].Add)
	require.Equal(t, []string{testLabels.Processing}, ops[1].Remove)
}

func TestDispatchRoutesSubjectModelAndReasoning(t *testing.T) {
	f := newFixture(t)
	ref := f.addMessage(inbound("m1", "t1", "alice@example.com",
		"gemini-2.5-pro, reasoning please", "hi"))

	f.run(context.Background(), ref)

	calls := f.backend.callList()
	require.Len(t, calls, 1)
	require.Equal(t, "gemini-2.5-pro", calls[0].Model)
	require.True(t, calls[0].Reasoning)
}

func TestDispatchRejectsDuplicateThreadInBatch(t *testing.T) {
	f := newFixture(t)
	// Same thread twice in one batch: the second must never reach the
	// backend.
	ref1 := f.addMessage(inbound("m1", "t1", "alice@example.com", "Q1", "first"))
	ref2 := f.addMessage(inbound("m2", "t1", "alice@example.com", "Q2", "second"))

	// Hold the first task inside GetMessage until both refs have gone
	// through the claim step.
	f.mail.gate = make(chan struct{})
	f.disp.Dispatch(context.Background(), []model.MessageRef{ref1, ref2})
	close(f.mail.gate)
	f.disp.Wait()

	require.Len(t, f.backend.callList(), 1)

	ops := f.mail.opsFor("m2")
	require.Len(t, ops, 1)
	require.Equal(t, []string{testLabels.Broken}, ops[0].Add)
	require.Equal(t, []string{mailbox.LabelUnread}, ops[0].Remove)
}

func TestDispatchFallsBackOnOverload(t *testing.T) {
	f := newFixture(t)
	f.backend.errors["gemini-2.5-flash"] = errs.ErrOverloaded
	f.backend.answers["gemini-2.0-flash"] = &model.Answer{
		Text: "backup answer", TotalTokens: 11, Model: "gemini-2.0-flash",
	}
	ref := f.addMessage(inbound("m1", "t1", "alice@example.com", "Q", "hi"))

	f.run(context.Background(), ref)

	calls := f.backend.callList()
	require.Len(t, calls, 2)
	require.Equal(t, "gemini-2.5-flash", calls[0].Model)
	require.Equal(t, "gemini-2.0-flash", calls[1].Model)

	require.Len(t, f.mail.sent, 1)

	ops := f.mail.opsFor("m1")
	require.Equal(t, []string{testLabels.Answered}, ops[len(ops)-1].Add)
}

func TestDispatchBreaksWhenBackupAlsoOverloaded(t *testing.T) {
	f := newFixture(t)
	f.backend.errors["gemini-2.5-flash"] = errs.ErrOverloaded
	f.backend.errors["gemini-2.0-flash"] = errs.ErrOverloaded
	ref := f.addMessage(inbound("m1", "t1", "alice@example.com", "Q", "hi"))

	f.run(context.Background(), ref)

	require.Len(t, f.backend.callList(), 2)
	require.Empty(t, f.mail.sent)

	ops := f.mail.opsFor("m1")
	require.Equal(t, []string{testLabels.Broken}, ops[len(ops)-1].Add)
}

func TestDispatchLabelsUnknownSenderOnRestrictedModel(t *testing.T) {
	f := newFixture(t)
	ref := f.addMessage(inbound("m1", "t1", "stranger@example.com",
		"gemini-2.5-pro", "let me in"))

	f.run(context.Background(), ref)

	require.Empty(t, f.backend.callList())
	require.Empty(t, f.mail.sent)

	ops := f.mail.opsFor("m1")
	require.Len(t, ops, 2)
	require.Equal(t, []string{testLabels.Unregistered}, ops[1].Add)
	require.Equal(t, []string{testLabels.Processing}, ops[1].Remove)
}

func TestDispatchAnswersUnknownSenderWithoutPersistence(t *testing.T) {
	f := newFixture(t)
	msg := inbound("m1", "t1", "stranger@example.com", "Q", "hello there")
	msg.Attachments = []model.Attachment{
		{Name: "pic.png", Size: 4, MIMEType: "image/png", Data: []byte{1, 2, 3, 4}},
	}
	ref := f.addMessage(msg)

	f.run(context.Background(), ref)

	calls := f.backend.callList()
	require.Len(t, calls, 1)
	// Open model, no record: plain text only, attachments dropped.
	require.Equal(t, []llm.Part{{Text: "hello there"}}, calls[0].Parts)

	require.Empty(t, f.store.appended)
	require.Len(t, f.mail.sent, 1)
}

func TestDispatchForbidsPlanBelowModelLevel(t *testing.T) {
	f := newFixture(t)
	f.users.users["bob@example.com"] = &model.User{
		Email: "bob@example.com", Plan: model.PlanStandard, Tokens: 100, UserID: 9,
	}
	ref := f.addMessage(inbound("m1", "t1", "bob@example.com", "gemini-exp", "hi"))

	f.run(context.Background(), ref)

	require.Empty(t, f.backend.callList())

	ops := f.mail.opsFor("m1")
	require.Equal(t, []string{testLabels.Broken}, ops[len(ops)-1].Add)
}

func TestDispatchSkipsInactiveModelSilently(t *testing.T) {
	f := newFixture(t)
	ref := f.addMessage(inbound("m1", "t1", "alice@example.com", "gemini-old", "hi"))

	f.run(context.Background(), ref)

	require.Empty(t, f.backend.callList())
	require.Empty(t, f.mail.sent)

	// Only the initial processing transition, no terminal label.
	ops := f.mail.opsFor("m1")
	require.Len(t, ops, 1)
	require.Equal(t, []string{testLabels.Processing}, ops[0].Add)
}

func TestDispatchReplaysStoredHistory(t *testing.T) {
	f := newFixture(t)

	userBlob, err := f.sealer.Seal("earlier question")
	require.NoError(t, err)
	modelBlob, err := f.sealer.Seal("earlier answer")
	require.NoError(t, err)
	f.store.convs["t1"] = &model.Conversation{
		ThreadID: "t1",
		UserID:   7,
		Turns:    []model.Turn{{User: userBlob, Model: modelBlob}},
		ExpireAt: time.Now().Add(time.Hour),
	}

	ref := f.addMessage(inbound("m2", "t1", "alice@example.com", "Re: Q", "follow-up"))

	f.run(context.Background(), ref)

	calls := f.backend.callList()
	require.Len(t, calls, 1)
	require.Equal(t, "follow-up", calls[0].Question)
	require.Equal(t, []llm.Message{
		{Role: "user", Text: "earlier question"},
		{Role: "model", Text: "earlier answer"},
	}, calls[0].History)

	require.Len(t, f.store.appended, 1)
}

func TestDispatchBreaksOnTamperedHistory(t *testing.T) {
	f := newFixture(t)

	userBlob, err := f.sealer.Seal("earlier question")
	require.NoError(t, err)
	userBlob[len(userBlob)-1] ^= 0xff
	modelBlob, err := f.sealer.Seal("earlier answer")
	require.NoError(t, err)
	f.store.convs["t1"] = &model.Conversation{
		ThreadID: "t1",
		UserID:   7,
		Turns:    []model.Turn{{User: userBlob, Model: modelBlob}},
	}

	ref := f.addMessage(inbound("m2", "t1", "alice@example.com", "Re: Q", "follow-up"))

	f.run(context.Background(), ref)

	require.Empty(t, f.backend.callList())
	require.Empty(t, f.mail.sent)
	require.Empty(t, f.store.appended)

	ops := f.mail.opsFor("m2")
	require.Equal(t, []string{testLabels.Broken}, ops[len(ops)-1].Add)
}

func TestBuildPartsSkipsDisallowedAndOversized(t *testing.T) {
	big := make([]byte, maxInputBytes)
	parts := buildParts("question", []model.Attachment{
		{Name: "ok.png", Size: 3, MIMEType: "image/png", Data: []byte{1, 2, 3}},
		{Name: "script.exe", Size: 3, MIMEType: "application/octet-stream", Data: []byte{4, 5, 6}},
		{Name: "huge.pdf", Size: int64(len(big)), MIMEType: "application/pdf", Data: big},
	})

	require.Len(t, parts, 2)
	require.Equal(t, "question", parts[0].Text)
	require.Equal(t, "image/png", parts[1].MIMEType)
}
