// Package dispatch runs the per-message pipeline: claim, route,
// authorize, invoke the model, persist history and reply.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailmind/internal/compose"
	"mailmind/internal/entitle"
	"mailmind/internal/errs"
	"mailmind/internal/llm"
	"mailmind/internal/mailbox"
	"mailmind/internal/model"
	"mailmind/internal/route"
	"mailmind/internal/seal"
)

// ModelBackend is the generative backend consumed by the dispatcher.
type ModelBackend interface {
	// Generate produces a single context-free completion.
	Generate(ctx context.Context, modelName string, parts []llm.Part, reasoning bool) (*model.Answer, error)

	// Converse produces the next reply given replayed history.
	Converse(ctx context.Context, modelName string, history []llm.Message, question string, reasoning bool) (*model.Answer, error)
}

// ConversationStore persists per-thread history of sealed turns.
type ConversationStore interface {
	Load(ctx context.Context, threadID string) (*model.Conversation, error)
	Append(ctx context.Context, threadID string, userID int64, turn model.Turn) error
}

// UserDirectory resolves sender addresses to user records.
type UserDirectory interface {
	Lookup(addr string) (*model.User, error)
}

// BannerSource provides the inline banner images for replies.
type BannerSource interface {
	Fetch(ctx context.Context) (top, bottom []byte)
}

// Config holds the static registries and tuning knobs of a dispatcher.
type Config struct {
	// Models is the model registry, loaded once per run.
	Models []model.ModelInfo

	// DefaultModel is used for senders without a user record.
	DefaultModel string

	// BackupModel handles the single retry after an overload signal.
	BackupModel string

	Labels      mailbox.Labels
	FromAddress string

	// TransportTimeout bounds each mailbox call, ModelTimeout each
	// backend call. A hung external call must not pin the thread's
	// in-flight entry forever.
	TransportTimeout time.Duration
	ModelTimeout     time.Duration

	// Stagger is the pause between task launches within one batch.
	Stagger time.Duration
}

func (c *Config) applyDefaults() {
	if c.TransportTimeout <= 0 {
		c.TransportTimeout = 30 * time.Second
	}
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = 60 * time.Second
	}
	if c.Stagger < 0 {
		c.Stagger = 0
	}
}

// errSkipSilently marks outcomes that change no labels (inactive model).
var errSkipSilently = errors.New("skip silently")

// Dispatcher fans out one task per claimed message and guards each
// conversation thread against concurrent turns.
type Dispatcher struct {
	cfg      Config
	mail     mailbox.Transport
	backend  ModelBackend
	store    ConversationStore
	users    UserDirectory
	sealer   *seal.Sealer
	composer *compose.Composer
	banners  BannerSource
	log      *zap.Logger

	inflight     *inFlight
	wg           sync.WaitGroup
	modelsByName map[string]model.ModelInfo
}

// New creates a Dispatcher.
func New(
	cfg Config,
	mail mailbox.Transport,
	backend ModelBackend,
	store ConversationStore,
	users UserDirectory,
	sealer *seal.Sealer,
	composer *compose.Composer,
	banners BannerSource,
	log *zap.Logger,
) *Dispatcher {
	cfg.applyDefaults()

	byName := make(map[string]model.ModelInfo, len(cfg.Models))
	for _, m := range cfg.Models {
		byName[m.Name] = m
	}

	return &Dispatcher{
		cfg:          cfg,
		mail:         mail,
		backend:      backend,
		store:        store,
		users:        users,
		sealer:       sealer,
		composer:     composer,
		banners:      banners,
		log:          log,
		inflight:     newInFlight(),
		modelsByName: byName,
	}
}

// Dispatch claims each ref and launches one task per accepted message.
// A ref whose thread is already in flight is rejected immediately and
// labeled broken so the contention is visible to the operator.
func (d *Dispatcher) Dispatch(ctx context.Context, refs []model.MessageRef) {
	for i, ref := range refs {
		if i > 0 && d.cfg.Stagger > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.Stagger):
			}
		}

		if !d.inflight.TryClaim(ref.ThreadID) {
			d.log.Warn("thread already in flight, rejecting duplicate",
				zap.String("msgID", ref.ID),
				zap.String("threadID", ref.ThreadID),
			)
			d.modifyLabels(ctx, ref.ID,
				[]string{d.cfg.Labels.Broken},
				[]string{mailbox.LabelUnread},
			)
			continue
		}

		if err := d.mark(ctx, ref.ID,
			[]string{d.cfg.Labels.Processing},
			[]string{mailbox.LabelUnread},
		); err != nil {
			d.log.Error("marking message processing",
				zap.String("msgID", ref.ID), zap.Error(err))
			d.inflight.Release(ref.ThreadID)
			continue
		}

		d.wg.Add(1)
		go d.handle(ctx, ref)
	}
}

// Wait blocks until all launched tasks have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// InFlight returns the number of threads currently being processed.
func (d *Dispatcher) InFlight() int {
	return d.inflight.Active()
}

// handle is the task body for one message. The in-flight entry is
// released on every exit path, including panics; any failure inside
// the task is terminal and surfaces as the broken label.
func (d *Dispatcher) handle(ctx context.Context, ref model.MessageRef) {
	defer d.wg.Done()
	defer d.inflight.Release(ref.ThreadID)
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatch task panicked",
				zap.String("msgID", ref.ID),
				zap.Any("panic", r),
			)
			d.markBroken(ref.ID)
		}
	}()

	if err := d.process(ctx, ref); err != nil {
		if errors.Is(err, errSkipSilently) {
			return
		}
		d.log.Error("dispatch failed",
			zap.String("msgID", ref.ID),
			zap.String("threadID", ref.ThreadID),
			zap.Error(err),
		)
		d.markBroken(ref.ID)
	}
}

// process runs the pipeline for one claimed message. A nil return means
// the message reached a terminal label; a non-nil return (other than
// errSkipSilently) means the caller must mark it broken.
func (d *Dispatcher) process(ctx context.Context, ref model.MessageRef) error {
	tctx, cancel := context.WithTimeout(ctx, d.cfg.TransportTimeout)
	msg, err := d.mail.GetMessage(tctx, ref.ID)
	cancel()
	if err != nil {
		return fmt.Errorf("fetching message: %w", err)
	}

	user, err := d.users.Lookup(msg.From)
	if err != nil {
		return fmt.Errorf("looking up sender %s: %w", msg.From, err)
	}

	defaultModel := d.cfg.DefaultModel
	if user != nil && user.Model != "" {
		defaultModel = user.Model
	}

	res := route.Resolve(msg.Subject, defaultModel, d.cfg.Models)

	info, known := d.modelsByName[res.Model]
	if !known {
		// A resolved name outside the registry behaves like an
		// inactive model.
		info = model.ModelInfo{Name: res.Model}
	}

	decision := entitle.Authorize(user, info)

	d.log.Info("message authorized",
		zap.String("msgID", ref.ID),
		zap.String("sender", msg.From),
		zap.String("model", res.Model),
		zap.Bool("reasoning", res.Reasoning),
		zap.String("decision", decision.State.String()),
	)

	switch decision.State {
	case entitle.ModelInactive:
		return errSkipSilently

	case entitle.Unregistered:
		return d.mark(ctx, ref.ID,
			[]string{d.cfg.Labels.Unregistered},
			[]string{d.cfg.Labels.Processing},
		)

	case entitle.Forbidden:
		d.markBroken(ref.ID)
		return nil
	}

	answer, err := d.invoke(ctx, msg, decision, res.Reasoning)
	if err != nil {
		return fmt.Errorf("invoking model: %w", err)
	}

	if decision.UserID != 0 {
		if err := d.persistTurn(ctx, msg, decision.UserID, answer.Text); err != nil {
			return err
		}
	}

	if err := d.reply(ctx, msg, decision, answer); err != nil {
		return err
	}

	return d.mark(ctx, ref.ID,
		[]string{d.cfg.Labels.Answered},
		[]string{d.cfg.Labels.Processing},
	)
}

// invoke builds the model input and calls the backend, retrying exactly
// once on the backup model when the primary signals overload.
//
// Unregistered senders always get a fresh single-turn exchange with no
// attachments. Registered senders get attachments on the first turn of
// a thread and replayed history on returning threads.
func (d *Dispatcher) invoke(ctx context.Context, msg *model.InboundMessage, decision entitle.Decision, reasoning bool) (*model.Answer, error) {
	var history []llm.Message

	if decision.UserID != 0 {
		conv, err := d.store.Load(ctx, msg.ThreadID)
		if err != nil {
			return nil, fmt.Errorf("loading conversation: %w", err)
		}
		if conv != nil {
			history, err = d.replay(conv)
			if err != nil {
				return nil, err
			}
		}
	}

	attempt := func(modelName string) (*model.Answer, error) {
		mctx, cancel := context.WithTimeout(ctx, d.cfg.ModelTimeout)
		defer cancel()

		if history != nil {
			return d.backend.Converse(mctx, modelName, history, msg.Body, reasoning)
		}
		if decision.UserID != 0 {
			return d.backend.Generate(mctx, modelName, buildParts(msg.Body, msg.Attachments), reasoning)
		}
		return d.backend.Generate(mctx, modelName, []llm.Part{{Text: msg.Body}}, reasoning)
	}

	answer, err := attempt(decision.Model.Name)
	if errors.Is(err, errs.ErrOverloaded) && d.cfg.BackupModel != "" {
		d.log.Warn("model overloaded, retrying with backup",
			zap.String("msgID", msg.ID),
			zap.String("model", decision.Model.Name),
			zap.String("backup", d.cfg.BackupModel),
		)
		answer, err = attempt(d.cfg.BackupModel)
	}
	if err != nil {
		return nil, err
	}
	if answer.Text == "" {
		return nil, errs.ErrNoAnswer
	}
	return answer, nil
}

// replay opens every stored turn and rebuilds the alternating
// user/model exchange in insertion order. Any integrity failure aborts
// the whole replay.
func (d *Dispatcher) replay(conv *model.Conversation) ([]llm.Message, error) {
	history := make([]llm.Message, 0, 2*len(conv.Turns))
	for i, turn := range conv.Turns {
		userText, err := d.sealer.Open(turn.User)
		if err != nil {
			return nil, fmt.Errorf("opening user half of turn %d: %w", i, err)
		}
		modelText, err := d.sealer.Open(turn.Model)
		if err != nil {
			return nil, fmt.Errorf("opening model half of turn %d: %w", i, err)
		}
		history = append(history,
			llm.Message{Role: "user", Text: userText},
			llm.Message{Role: "model", Text: modelText},
		)
	}
	return history, nil
}

// persistTurn seals and appends the completed exchange.
func (d *Dispatcher) persistTurn(ctx context.Context, msg *model.InboundMessage, userID int64, answerText string) error {
	userBlob, err := d.sealer.Seal(msg.Body)
	if err != nil {
		return fmt.Errorf("sealing user turn: %w", err)
	}
	modelBlob, err := d.sealer.Seal(answerText)
	if err != nil {
		return fmt.Errorf("sealing model turn: %w", err)
	}

	err = d.store.Append(ctx, msg.ThreadID, userID, model.Turn{User: userBlob, Model: modelBlob})
	if err != nil {
		return fmt.Errorf("appending turn: %w", err)
	}
	return nil
}

// reply renders, builds and sends the HTML answer email.
func (d *Dispatcher) reply(ctx context.Context, msg *model.InboundMessage, decision entitle.Decision, answer *model.Answer) error {
	html, err := d.composer.Compose(compose.Input{
		AnswerMarkdown: answer.Text,
		Model:          answer.Model,
		Plan:           decision.Plan,
		Cost:           answer.TotalTokens,
		Remaining:      decision.Tokens,
		CorrelationID:  msg.MessageID,
	})
	if err != nil {
		return fmt.Errorf("composing reply: %w", err)
	}

	var top, bottom []byte
	if d.banners != nil {
		top, bottom = d.banners.Fetch(ctx)
	}

	raw, err := mailbox.BuildReply(mailbox.ReplyInput{
		From:         d.cfg.FromAddress,
		To:           msg.From,
		Subject:      msg.Subject,
		InReplyTo:    msg.MessageID,
		HTMLBody:     html,
		TopBanner:    top,
		BottomBanner: bottom,
	})
	if err != nil {
		return fmt.Errorf("building reply: %w", err)
	}

	tctx, cancel := context.WithTimeout(ctx, d.cfg.TransportTimeout)
	defer cancel()

	if err := d.mail.Send(tctx, msg.From, raw); err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}
	return nil
}

// mark applies a label change with the transport timeout.
func (d *Dispatcher) mark(ctx context.Context, id string, add, remove []string) error {
	tctx, cancel := context.WithTimeout(ctx, d.cfg.TransportTimeout)
	defer cancel()

	return d.mail.ModifyLabels(tctx, id, add, remove)
}

// markBroken moves a message to the broken label, logging rather than
// propagating a failed label update since the task is ending anyway.
func (d *Dispatcher) markBroken(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.TransportTimeout)
	defer cancel()

	err := d.mail.ModifyLabels(ctx, id,
		[]string{d.cfg.Labels.Broken},
		[]string{d.cfg.Labels.Processing},
	)
	if err != nil {
		d.log.Error("marking message broken", zap.String("msgID", id), zap.Error(err))
	}
}

// modifyLabels is mark with logging instead of error propagation, for
// paths where no task exists yet.
func (d *Dispatcher) modifyLabels(ctx context.Context, id string, add, remove []string) {
	if err := d.mark(ctx, id, add, remove); err != nil {
		d.log.Error("modifying labels", zap.String("msgID", id), zap.Error(err))
	}
}
