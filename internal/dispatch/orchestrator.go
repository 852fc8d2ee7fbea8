// Package dispatch runs the recognition pipeline for one inbound event and
// routes the result to an application handler, optionally through a
// stateless confirmation round-trip.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/stellarlinkco/intentclaw/internal/confirm"
	"github.com/stellarlinkco/intentclaw/internal/intent"
	"github.com/stellarlinkco/intentclaw/internal/llm"
	"github.com/stellarlinkco/intentclaw/internal/logging"
	"github.com/stellarlinkco/intentclaw/internal/metrics"
	"github.com/stellarlinkco/intentclaw/internal/params"
)

// User-facing replies produced by the orchestrator itself.
const (
	MsgUnknownIntent   = "I'm sorry, I didn't understand that. Could you please rephrase?"
	MsgCancelled       = "操作已取消。"
	MsgTokenInvalid    = "确认请求已失效，请重新发送指令。"
	MsgConfigError     = "服务配置错误，请联系管理员。"
	MsgConfirmHeader   = "请确认以下操作："
	msgUnhandledIntent = "I'm not sure how to handle '%s' yet. This feature might be under development."
	msgBeMoreSpecific  = "请描述得更具体一些：%s"
	msgOCRFailed       = "图片识别失败：%s"

	ButtonConfirm = "确认"
	ButtonCancel  = "取消"
)

// State of a conversation turn.
type State string

const (
	StateRecognizingIntent    State = "RECOGNIZING_INTENT"
	StateExtractingParameters State = "EXTRACTING_PARAMETERS"
	StateConfirming           State = "CONFIRMING"
	StateDispatching          State = "DISPATCHING"
	StateDone                 State = "DONE"
	StateRejected             State = "REJECTED"
	StateFailed               State = "FAILED"
)

// Decision carried by a confirmation callback; the values double as
// button data.
type Decision string

const (
	DecisionApprove Decision = "confirm"
	DecisionCancel  Decision = "cancel"
)

type Callback struct {
	Decision Decision
	Token    string
}

// Event is one inbound update. Exactly one of Text/Image or Callback is
// meaningful; Text doubles as the caption of an image.
type Event struct {
	ChatID   string
	Text     string
	Image    *llm.Image
	Callback *Callback
}

type Button struct {
	Text string
	Data string
}

// Reply is what the transport sends back. Token is set in the CONFIRMING
// state and is also embedded in Text.
type Reply struct {
	Text    string
	Buttons []Button
	Token   string
	State   State
	App     App
	Intent  intent.Label
}

// Request is what a handler receives.
type Request struct {
	ChatID string
	Action string
	Params params.Typed
}

// Handler executes one application action. Failures are reported in the
// returned text; handlers never return errors to the orchestrator.
type Handler interface {
	Handle(ctx context.Context, req Request) string
}

// ConfirmPolicy lets a handler skip confirmation for side-effect free
// requests. Handlers without it always confirm.
type ConfirmPolicy interface {
	NeedsConfirmation(p params.Typed) bool
}

// Describer renders the summary shown while awaiting confirmation.
type Describer interface {
	Describe(req Request) string
}

type Classifier interface {
	Classify(ctx context.Context, message, variant string) intent.Outcome
}

type Extractor interface {
	Extract(ctx context.Context, message, intent string) (params.Outcome, error)
}

type Codec interface {
	Seal(req confirm.Request) (string, error)
	Open(token string) (confirm.Request, error)
}

type OCR interface {
	ExtractTextFromImage(ctx context.Context, prompt string, img llm.Image) llm.Result[string]
}

// Responder generates a free-text reply for messages no app handles.
type Responder interface {
	Respond(ctx context.Context, message string, label intent.Label) (string, error)
}

// Deps are the collaborators of an Orchestrator. OCR, Responder, Metrics
// and Tracer are optional.
type Deps struct {
	Classifier Classifier
	Extractor  Extractor
	Codec      Codec
	OCR        OCR
	Responder  Responder
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	Logger     *zap.Logger
}

type Options struct {
	SkipConfirmation bool
	PromptVariant    string
	OCRPrompt        string
}

type Orchestrator struct {
	deps     Deps
	opts     Options
	handlers map[App]Handler
	logger   *zap.Logger
	tracer   trace.Tracer
}

func New(deps Deps, opts Options) *Orchestrator {
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/stellarlinkco/intentclaw/internal/dispatch")
	}
	return &Orchestrator{
		deps:     deps,
		opts:     opts,
		handlers: make(map[App]Handler),
		logger:   logging.OrNop(deps.Logger).Named("dispatch"),
		tracer:   tracer,
	}
}

// Register binds app to h. Registering twice replaces the handler.
func (o *Orchestrator) Register(app App, h Handler) {
	o.handlers[app] = h
}

// Handle runs one event to a terminal or CONFIRMING state.
func (o *Orchestrator) Handle(ctx context.Context, ev Event) Reply {
	ctx, span := o.tracer.Start(ctx, "dispatch.handle", trace.WithAttributes(attribute.String("chat_id", ev.ChatID)))
	defer span.End()

	var reply Reply
	if ev.Callback != nil {
		reply = o.resume(ctx, ev)
	} else {
		reply = o.recognize(ctx, ev)
	}

	span.SetAttributes(
		attribute.String("state", string(reply.State)),
		attribute.String("app", string(reply.App)),
		attribute.String("intent", string(reply.Intent)),
	)
	if reply.State == StateFailed {
		span.SetStatus(codes.Error, reply.Text)
	}
	if m := o.deps.Metrics; m != nil {
		m.Replies.WithLabelValues(string(reply.App), string(reply.State)).Inc()
	}
	o.logger.Info("turn finished",
		zap.String("chat_id", ev.ChatID),
		zap.String("state", string(reply.State)),
		zap.String("intent", string(reply.Intent)),
		zap.String("app", string(reply.App)))
	return reply
}

func (o *Orchestrator) recognize(ctx context.Context, ev Event) Reply {
	message := strings.TrimSpace(ev.Text)
	if ev.Image != nil {
		text, err := o.readImage(ctx, *ev.Image)
		if err != nil {
			return Reply{Text: fmt.Sprintf(msgOCRFailed, err), State: StateFailed}
		}
		message = strings.TrimSpace(message + "\n" + text)
	}
	if message == "" {
		return Reply{Text: MsgUnknownIntent, State: StateRejected, Intent: intent.Unknown}
	}

	// RECOGNIZING_INTENT
	end := o.stage(ctx, "classify")
	outcome := o.deps.Classifier.Classify(ctx, message, o.opts.PromptVariant)
	end(outcomeOf(outcome.Error == ""))
	label := outcome.Intent
	if m := o.deps.Metrics; m != nil {
		m.Intents.WithLabelValues(string(label)).Inc()
	}

	if label == intent.Unknown {
		return Reply{Text: o.fallback(ctx, message, label), State: StateRejected, Intent: label}
	}
	app, ok := AppFor(label)
	if !ok {
		o.logger.Warn("no application for intent", zap.String("intent", string(label)))
		return Reply{Text: fmt.Sprintf(msgUnhandledIntent, label), State: StateRejected, Intent: label}
	}
	handler, ok := o.handlers[app]
	if !ok {
		o.logger.Warn("application not enabled", zap.String("app", string(app)))
		return Reply{Text: fmt.Sprintf(msgUnhandledIntent, label), State: StateRejected, Intent: label, App: app}
	}

	// EXTRACTING_PARAMETERS
	end = o.stage(ctx, "extract")
	extracted, err := o.deps.Extractor.Extract(ctx, message, string(label))
	if err != nil {
		end("config_error")
		return Reply{Text: MsgConfigError, State: StateFailed, Intent: label, App: app}
	}
	end(outcomeOf(extracted.Error == ""))
	if extracted.Error != "" {
		return Reply{Text: fmt.Sprintf(msgBeMoreSpecific, extracted.Error), State: StateRejected, Intent: label, App: app}
	}

	action := extracted.Action
	if action == "" && app != AppCounter && app != AppNotes {
		action = string(label)
	}
	typed, err := o.decode(ctx, app, action, extracted.Parameters)
	if err != nil {
		var verr *params.ValidationError
		if errors.As(err, &verr) {
			return Reply{Text: fmt.Sprintf(msgBeMoreSpecific, verr.Detail), State: StateRejected, Intent: label, App: app}
		}
		o.logger.Error("decode parameters", zap.String("error_class", "configuration"), zap.Error(err))
		return Reply{Text: MsgConfigError, State: StateFailed, Intent: label, App: app}
	}
	req := Request{ChatID: ev.ChatID, Action: actionOf(typed, action), Params: typed}

	if o.needsConfirmation(handler, typed) {
		return o.askConfirmation(ctx, handler, app, req, label)
	}
	reply := o.dispatch(ctx, handler, app, req)
	reply.Intent = label
	return reply
}

func (o *Orchestrator) resume(ctx context.Context, ev Event) Reply {
	switch ev.Callback.Decision {
	case DecisionCancel:
		return Reply{Text: MsgCancelled, State: StateRejected}
	case DecisionApprove:
	default:
		return Reply{Text: MsgTokenInvalid, State: StateRejected}
	}

	end := o.stage(ctx, "resume")
	pending, err := o.deps.Codec.Open(ev.Callback.Token)
	if err != nil {
		end("rejected")
		o.logger.Info("confirmation token rejected", zap.String("chat_id", ev.ChatID), zap.Error(err))
		return Reply{Text: MsgTokenInvalid, State: StateRejected}
	}
	app := App(pending.AppType)
	handler, ok := o.handlers[app]
	if !app.Valid() || !ok {
		end("rejected")
		return Reply{Text: MsgTokenInvalid, State: StateRejected}
	}
	typed, err := o.decode(ctx, app, pending.Action, pending.Parameters)
	if err != nil {
		end("rejected")
		o.logger.Warn("sealed parameters no longer decode", zap.String("app", string(app)), zap.Error(err))
		return Reply{Text: MsgTokenInvalid, State: StateRejected, App: app}
	}
	end("ok")

	return o.dispatch(ctx, handler, app, Request{ChatID: ev.ChatID, Action: pending.Action, Params: typed})
}

func (o *Orchestrator) decode(ctx context.Context, app App, action string, set params.Set) (params.Typed, error) {
	end := o.stage(ctx, "decode")
	typed, err := params.Decode(app.SchemaKey(), action, set)
	end(outcomeOf(err == nil))
	return typed, err
}

func (o *Orchestrator) needsConfirmation(h Handler, p params.Typed) bool {
	if o.opts.SkipConfirmation {
		return false
	}
	if policy, ok := h.(ConfirmPolicy); ok {
		return policy.NeedsConfirmation(p)
	}
	return true
}

// CONFIRMING
func (o *Orchestrator) askConfirmation(ctx context.Context, h Handler, app App, req Request, label intent.Label) Reply {
	end := o.stage(ctx, "confirm")
	set, err := params.ToSet(req.Params)
	if err == nil {
		var token string
		token, err = o.deps.Codec.Seal(confirm.Request{Action: req.Action, Parameters: set, AppType: string(app)})
		if err == nil {
			end("ok")
			summary := fmt.Sprintf("%s/%s", app, req.Action)
			if d, ok := h.(Describer); ok {
				summary = d.Describe(req)
			}
			return Reply{
				Text: confirm.AppendToken(MsgConfirmHeader+"\n"+summary, token),
				Buttons: []Button{
					{Text: ButtonConfirm, Data: string(DecisionApprove)},
					{Text: ButtonCancel, Data: string(DecisionCancel)},
				},
				Token:  token,
				State:  StateConfirming,
				App:    app,
				Intent: label,
			}
		}
	}
	end("error")
	o.logger.Error("seal confirmation", zap.String("error_class", "configuration"), zap.Error(err))
	return Reply{Text: MsgConfigError, State: StateFailed, App: app, Intent: label}
}

// DISPATCHING
func (o *Orchestrator) dispatch(ctx context.Context, h Handler, app App, req Request) Reply {
	end := o.stage(ctx, "handler."+string(app))
	text := h.Handle(ctx, req)
	end("ok")
	return Reply{Text: text, State: StateDone, App: app}
}

func (o *Orchestrator) fallback(ctx context.Context, message string, label intent.Label) string {
	if o.deps.Responder == nil {
		return MsgUnknownIntent
	}
	end := o.stage(ctx, "respond")
	text, err := o.deps.Responder.Respond(ctx, message, label)
	if err != nil || strings.TrimSpace(text) == "" {
		end("error")
		if err != nil {
			o.logger.Warn("response generation failed", zap.Error(err))
		}
		return MsgUnknownIntent
	}
	end("ok")
	return text
}

func (o *Orchestrator) readImage(ctx context.Context, img llm.Image) (string, error) {
	if o.deps.OCR == nil {
		return "", errors.New(llm.ErrTextNoProvider)
	}
	end := o.stage(ctx, "ocr")
	res := o.deps.OCR.ExtractTextFromImage(ctx, o.opts.OCRPrompt, img)
	end(outcomeOf(res.Success))
	if !res.Success {
		return "", errors.New(res.Error)
	}
	return res.Data, nil
}

// stage opens a child span and returns a func recording the outcome.
func (o *Orchestrator) stage(ctx context.Context, name string) func(outcome string) {
	_, span := o.tracer.Start(ctx, name)
	start := time.Now()
	return func(outcome string) {
		span.SetAttributes(attribute.String("outcome", outcome))
		if outcome != "ok" {
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		if m := o.deps.Metrics; m != nil {
			m.StageOutcomes.WithLabelValues(name, outcome).Inc()
			m.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
	}
}

// actionOf prefers the action carried by the decoded variant.
func actionOf(p params.Typed, fallback string) string {
	switch v := p.(type) {
	case params.Counter:
		return v.Action
	case params.Note:
		return v.Action
	}
	return fallback
}

func outcomeOf(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
