package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// FlowLoader returns immutable flow definitions by id.
type FlowLoader interface {
	GetFlow(ctx context.Context, flowID string) (*models.Flow, error)
}

// HandoffRouter is notified when a conversation is transferred to a human.
type HandoffRouter interface {
	RouteHandoff(ctx context.Context, conversationID string, handoff models.Handoff) error
}

type logHandoffRouter struct{}

func (logHandoffRouter) RouteHandoff(_ context.Context, conversationID string, h models.Handoff) error {
	slog.Info("Handoff requested", "conversationID", conversationID, "priority", h.Priority, "queue", h.Queue, "reason", h.Reason, "nodeID", h.NodeID)
	return nil
}

// GuardMessages are sent when a guard, rather than a handoff node, transfers the conversation.
type GuardMessages struct {
	LoopDetected string
	Timeout      string
	Unavailable  string
}

// DefaultGuardMessages returns the built-in guard messages.
func DefaultGuardMessages() GuardMessages {
	return GuardMessages{
		LoopDetected: "Sorry, something went wrong on our side. A team member will continue this conversation.",
		Timeout:      "It has been a while since your last reply. A team member will get back to you.",
		Unavailable:  "This conversation is temporarily unavailable. A team member will get back to you.",
	}
}

// Engine defaults
const (
	DefaultHandoffRetention = 24 * time.Hour
	DefaultSessionRetention = 7 * 24 * time.Hour
)

// Opts holds optional collaborators and policies for the Engine.
type Opts struct {
	Timer            Timer
	Now              func() time.Time
	Sleep            func(ctx context.Context, d time.Duration) error
	Sink             EventSink
	HTTPClient       HTTPDoer
	Contacts         ContactUpdater
	Generator        TextGenerator
	Handoffs         HandoffRouter
	Guards           Guards
	HandoffRetention time.Duration
	SessionRetention time.Duration
	Messages         GuardMessages
	Backoff          BackoffPolicy
}

// Option configures the Engine.
type Option func(*Opts)

// WithTimer schedules delay resumptions instead of sleeping in place.
func WithTimer(t Timer) Option { return func(o *Opts) { o.Timer = t } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(o *Opts) { o.Now = now } }

// WithSleep overrides how blocking delays and dispatch backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Opts) { o.Sleep = sleep }
}

// WithEventSink sets the execution event sink.
func WithEventSink(s EventSink) Option { return func(o *Opts) { o.Sink = s } }

// WithHTTPClient sets the client used by webhook actions.
func WithHTTPClient(c HTTPDoer) Option { return func(o *Opts) { o.HTTPClient = c } }

// WithContactUpdater sets the target of update_contact actions.
func WithContactUpdater(c ContactUpdater) Option { return func(o *Opts) { o.Contacts = c } }

// WithTextGenerator sets the backend of generate_text actions.
func WithTextGenerator(g TextGenerator) Option { return func(o *Opts) { o.Generator = g } }

// WithHandoffRouter sets the router notified of handoffs.
func WithHandoffRouter(h HandoffRouter) Option { return func(o *Opts) { o.Handoffs = h } }

// WithSessionTimeout sets how long a question waits for its answer.
func WithSessionTimeout(d time.Duration) Option { return func(o *Opts) { o.Guards.SessionTimeout = d } }

// WithMaxVisits sets the per-node visit ceiling.
func WithMaxVisits(n int) Option { return func(o *Opts) { o.Guards.MaxVisits = n } }

// WithMaxSteps sets the per-invocation step ceiling.
func WithMaxSteps(n int) Option { return func(o *Opts) { o.Guards.MaxSteps = n } }

// WithHandoffRetention sets how long a handed-off conversation stays silent.
func WithHandoffRetention(d time.Duration) Option { return func(o *Opts) { o.HandoffRetention = d } }

// WithSessionRetention sets the idle time after which an active session expires. Zero disables expiry.
func WithSessionRetention(d time.Duration) Option { return func(o *Opts) { o.SessionRetention = d } }

// WithGuardMessages overrides the messages sent on guard handoffs.
func WithGuardMessages(m GuardMessages) Option { return func(o *Opts) { o.Messages = m } }

// WithBackoff overrides the dispatch retry policy.
func WithBackoff(p BackoffPolicy) Option { return func(o *Opts) { o.Backoff = p } }

// Engine runs conversations through flows. It is safe for concurrent use; calls for the
// same conversation are serialized.
type Engine struct {
	loader     FlowLoader
	states     *StateManager
	dispatcher *Dispatcher
	locks      *KeyedMutex
	actions    actionRunner
	guards     Guards
	timer      Timer
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	sink       EventSink
	handoffs   HandoffRouter
	messages   GuardMessages

	handoffRetention time.Duration
	sessionRetention time.Duration

	pendingMu sync.Mutex
	pending   map[string]string // conversation id -> timer id of its delay resumption
}

// NewEngine creates an Engine over the given loader, state store and channel sender.
func NewEngine(loader FlowLoader, store StateStore, sender ChannelSender, opts ...Option) *Engine {
	o := Opts{
		Now:              time.Now,
		Sleep:            sleepContext,
		Sink:             LogSink{},
		HTTPClient:       &http.Client{},
		Handoffs:         logHandoffRouter{},
		Guards:           DefaultGuards(),
		HandoffRetention: DefaultHandoffRetention,
		SessionRetention: DefaultSessionRetention,
		Messages:         DefaultGuardMessages(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	slog.Debug("Creating flow Engine", "timer", o.Timer != nil, "maxVisits", o.Guards.MaxVisits, "maxSteps", o.Guards.MaxSteps, "sessionTimeout", o.Guards.SessionTimeout)
	return &Engine{
		loader:           loader,
		states:           NewStateManager(store, o.Now),
		dispatcher:       NewDispatcher(sender, o.Backoff, o.Sleep),
		locks:            NewKeyedMutex(),
		actions:          actionRunner{http: o.HTTPClient, contacts: o.Contacts, generator: o.Generator},
		guards:           o.Guards,
		timer:            o.Timer,
		now:              o.Now,
		sleep:            o.Sleep,
		sink:             o.Sink,
		handoffs:         o.Handoffs,
		messages:         o.Messages,
		handoffRetention: o.HandoffRetention,
		sessionRetention: o.SessionRetention,
		pending:          make(map[string]string),
	}
}

// HandleInbound advances the conversation by one inbound message and returns every message
// the invocation produced, in order. Messages are dispatched to channelRef after the state is
// saved. Only state store failures are returned as errors.
func (e *Engine) HandleInbound(ctx context.Context, conversationID, flowID, text, channelRef string) ([]models.OutboundMessage, error) {
	if conversationID == "" || flowID == "" {
		return nil, errors.New("conversation id and flow id are required")
	}
	slog.Debug("Engine.HandleInbound", "conversationID", conversationID, "flowID", flowID, "channelRef", channelRef)

	return e.locked(ctx, conversationID, flowID, channelRef, func(r *run) { r.handleText(text) })
}

// State returns the persisted state of a conversation, or a fresh one when none exists.
func (e *Engine) State(ctx context.Context, conversationID, flowID string) (*models.ConversationState, error) {
	unlock := e.locks.Lock(conversationID)
	defer unlock()
	return e.states.Load(ctx, conversationID, flowID)
}

// resume continues a conversation whose delay elapsed.
func (e *Engine) resume(conversationID, flowID, channelRef string) {
	ctx := context.Background()
	_, err := e.locked(ctx, conversationID, flowID, channelRef, func(r *run) { r.resumeDelay() })
	if err != nil {
		slog.Error("Engine.resume failed", "conversationID", conversationID, "flowID", flowID, "error", err)
	}
}

// locked runs fn under the conversation lock, then continues through delays that have no
// timer by sleeping with the lock released. It returns every message produced, in order.
func (e *Engine) locked(ctx context.Context, conversationID, flowID, channelRef string, fn func(r *run)) ([]models.OutboundMessage, error) {
	r, err := e.step(ctx, conversationID, flowID, channelRef, fn)
	if err != nil {
		return nil, err
	}
	out := r.messages()
	for e.timer == nil && r.resumeAfter > 0 {
		slog.Debug("Engine delay sleeping in place", "conversationID", conversationID, "nodeID", r.state.CurrentNodeID, "pause", r.resumeAfter)
		if err := e.sleep(ctx, r.resumeAfter); err != nil {
			slog.Warn("Engine delay interrupted, resuming on the next message", "conversationID", conversationID, "error", err)
			break
		}
		if r, err = e.step(ctx, conversationID, flowID, channelRef, func(r *run) { r.resumeDelay() }); err != nil {
			return out, err
		}
		out = append(out, r.messages()...)
	}
	return out, nil
}

// step runs fn against the loaded state under the conversation lock, saves the result,
// then performs the invocation's external effects outside the lock.
func (e *Engine) step(ctx context.Context, conversationID, flowID, channelRef string, fn func(r *run)) (*run, error) {
	unlock := e.locks.Lock(conversationID)
	state, err := e.states.Load(ctx, conversationID, flowID)
	if err != nil {
		unlock()
		return nil, err
	}

	r := &run{engine: e, ctx: ctx, state: state, rootFlowID: flowID, channelRef: channelRef, now: e.now(), visits: make(map[string]int)}
	fn(r)
	if r.dirty {
		if err := e.states.Save(ctx, r.state); err != nil {
			unlock()
			return nil, err
		}
	}
	unlock()

	e.finish(ctx, r)
	return r, nil
}

// finish dispatches pending messages, notifies handoff routing and schedules or cancels
// the delay resumption.
func (e *Engine) finish(ctx context.Context, r *run) {
	r.flush()
	for _, h := range r.routed {
		if err := e.handoffs.RouteHandoff(ctx, r.state.ConversationID, h); err != nil {
			slog.Error("Engine handoff routing failed", "conversationID", r.state.ConversationID, "error", err)
		}
	}
	if e.timer == nil {
		return
	}
	conv := r.state.ConversationID
	switch {
	case r.resumeAfter > 0:
		root, ref := r.rootFlowID, r.channelRef
		id, err := e.timer.ScheduleAfter(r.resumeAfter, func() { e.resume(conv, root, ref) })
		if err != nil {
			slog.Error("Engine failed to schedule delay resumption", "conversationID", conv, "error", err)
			return
		}
		e.trackResume(conv, id)
	case r.state.ResumeAt == nil:
		e.cancelResume(conv)
	}
}

func (e *Engine) trackResume(conversationID, timerID string) {
	e.pendingMu.Lock()
	prev, ok := e.pending[conversationID]
	e.pending[conversationID] = timerID
	e.pendingMu.Unlock()
	if ok && prev != timerID {
		e.cancelTimer(conversationID, prev)
	}
}

// cancelResume drops the scheduled resumption of a conversation that no longer waits on a delay.
func (e *Engine) cancelResume(conversationID string) {
	e.pendingMu.Lock()
	id, ok := e.pending[conversationID]
	delete(e.pending, conversationID)
	e.pendingMu.Unlock()
	if ok {
		e.cancelTimer(conversationID, id)
	}
}

func (e *Engine) cancelTimer(conversationID, timerID string) {
	if err := e.timer.Cancel(timerID); err != nil {
		slog.Warn("Engine failed to cancel delay resumption", "conversationID", conversationID, "timerID", timerID, "error", err)
		return
	}
	slog.Debug("Engine cancelled delay resumption", "conversationID", conversationID, "timerID", timerID)
}

type pendingMessage struct {
	msg    models.OutboundMessage
	node   models.Node
	flowID string
}

// run is the working set of one invocation.
type run struct {
	engine     *Engine
	ctx        context.Context
	state      *models.ConversationState
	flow       *models.Flow
	rootFlowID string
	channelRef string
	now        time.Time

	steps       int
	visits      map[string]int
	dirty       bool
	outbox      []pendingMessage
	flushed     int
	routed      []models.Handoff
	resumeAfter time.Duration
}

func (r *run) messages() []models.OutboundMessage {
	out := make([]models.OutboundMessage, 0, len(r.outbox))
	for _, p := range r.outbox {
		out = append(out, p.msg)
	}
	return out
}

// handleText applies the session lifecycle rules, then routes the text to the current step.
func (r *run) handleText(text string) {
	e, st := r.engine, r.state
	switch st.Status {
	case models.StatusCompleted, models.StatusExpired:
		r.restart("previous session " + string(st.Status))
	case models.StatusHandedOff:
		since := st.UpdatedAt
		if st.Handoff != nil {
			since = st.Handoff.At
		}
		if e.handoffRetention <= 0 || r.now.Sub(since) <= e.handoffRetention {
			slog.Debug("Engine ignoring message for handed-off conversation", "conversationID", st.ConversationID, "flowID", st.FlowID)
			return
		}
		r.restart("handoff retention elapsed")
	default:
		// A pending question is left to the timeout guard, which hands off instead.
		guarded := st.AwaitingInput && e.guards.SessionTimeout > 0
		if e.sessionRetention > 0 && st.Started() && !guarded && r.now.Sub(st.UpdatedAt) > e.sessionRetention {
			st.Status = models.StatusExpired
			r.restart("session retention elapsed")
		}
	}

	st = r.state
	if st.ResumeAt != nil && r.now.Before(*st.ResumeAt) {
		slog.Debug("Engine ignoring message during pending delay", "conversationID", st.ConversationID, "resumeAt", *st.ResumeAt)
		return
	}

	r.dirty = true
	if !r.loadFlow() {
		return
	}
	switch {
	case !st.Started():
		r.traverse(r.flow.EntryNodeID())
	case st.ResumeAt != nil:
		st.ResumeAt = nil
		r.traverse(st.CurrentNodeID)
	case st.AwaitingInput:
		r.answer(text)
	default:
		r.traverse(st.CurrentNodeID)
	}
}

// resumeDelay continues traversal after a scheduled delay.
func (r *run) resumeDelay() {
	st := r.state
	if st.Status != models.StatusActive || st.ResumeAt == nil {
		slog.Debug("Engine delay resumption skipped", "conversationID", st.ConversationID, "status", st.Status)
		return
	}
	r.dirty = true
	st.ResumeAt = nil
	if !r.loadFlow() {
		return
	}
	r.traverse(st.CurrentNodeID)
}

// restart archives the current state and replaces it with a fresh session.
func (r *run) restart(reason string) {
	old := r.state
	slog.Info("Engine starting new session", "conversationID", old.ConversationID, "flowID", r.rootFlowID, "reason", reason)
	if old.Started() {
		if err := r.engine.states.Archive(r.ctx, old); err != nil {
			slog.Warn("Engine failed to archive session", "conversationID", old.ConversationID, "error", err)
		}
	}
	r.state = models.NewConversationState(old.ConversationID, r.rootFlowID, r.now)
}

// loadFlow loads the flow the state is currently executing.
func (r *run) loadFlow() bool {
	fl, err := r.engine.loader.GetFlow(r.ctx, r.state.FlowID)
	if err != nil {
		r.abort(models.Node{ID: r.state.CurrentNodeID}, fmt.Errorf("failed to load flow %q: %w", r.state.FlowID, err))
		return false
	}
	r.flow = fl
	return true
}

// traverse executes nodes from nodeID until a step suspends or terminates.
func (r *run) traverse(nodeID string) {
	g := r.engine.guards
	for nodeID != "" {
		node, err := r.flow.Node(nodeID)
		if err != nil {
			r.abort(models.Node{ID: nodeID}, &models.MalformedFlowError{FlowID: r.flow.ID(), Reason: err.Error()})
			return
		}
		if g.StepsExhausted(r.steps) {
			r.loopDetected(node, fmt.Sprintf("step ceiling %d reached", g.MaxSteps))
			return
		}
		r.steps++
		r.state.CurrentNodeID = node.ID
		if count, loop := g.Visit(r.state, r.visits, node.ID); loop {
			r.loopDetected(node, fmt.Sprintf("node visited %d times", count))
			return
		}

		s, err := stepFor(node)
		if err != nil {
			r.abort(node, err)
			return
		}
		res, err := s.execute(r, node)
		if err != nil {
			r.abort(node, err)
			return
		}
		r.emit(node, models.OutcomeSuccess, res.detail)
		if res.halt {
			return
		}
		nodeID = res.next
	}
	r.complete()
}

// answer applies the timeout guard and validation to a reply for the pending question.
func (r *run) answer(text string) {
	st := r.state
	node, err := r.flow.Node(st.CurrentNodeID)
	if err != nil {
		r.abort(models.Node{ID: st.CurrentNodeID}, &models.MalformedFlowError{FlowID: r.flow.ID(), Reason: err.Error()})
		return
	}
	q, ok := node.Data.(*models.QuestionData)
	if !ok {
		slog.Warn("Engine awaiting input on a non-question node", "conversationID", st.ConversationID, "nodeID", node.ID)
		st.AwaitingInput = false
		r.traverse(node.ID)
		return
	}

	if r.engine.guards.Expired(st, r.now) {
		r.emit(node, models.OutcomeTimeout, fmt.Sprintf("%v: prompted at %s", models.ErrSessionTimeout, st.LastPromptedAt.Format(time.RFC3339)))
		st.AwaitingInput = false
		r.handoff(node, models.PriorityMedium, "", models.ErrSessionTimeout.Error(), r.engine.messages.Timeout)
		return
	}

	value, verr := Validate(q.ResponseType, q.Options, q.IsRequired(), text)
	if verr != nil {
		r.emit(node, models.OutcomeValidationFailed, verr.Error())
		errText := verr.Error()
		var ve *ValidationError
		if errors.As(verr, &ve) {
			errText = ve.Message
		}
		if q.ErrorMessage != "" {
			errText = Resolve(q.ErrorMessage, st.Variables)
		}
		r.send(node, models.TextMessage(errText))

		if !r.engine.guards.RecordFailure(st, node.ID, q.Attempts()) {
			st.LastPromptedAt = r.now
			return
		}
		r.emit(node, models.OutcomeRetryExhausted, fmt.Sprintf("%d attempts", q.Attempts()))
		value = Resolve(q.DefaultValue, st.Variables)
	}

	st.Variables[q.OutputVariable] = value
	st.AwaitingInput = false
	delete(st.RetryCounts, node.ID)
	if verr == nil {
		r.emit(node, models.OutcomeSuccess, "answered")
	}

	label := ""
	for _, opt := range q.Options {
		if opt.Value == value {
			label = opt.Label
			break
		}
	}
	next := answerEdge(r.flow, node.ID, value, label)
	if next == "" {
		r.complete()
		return
	}
	r.traverse(next)
}

func (r *run) loopDetected(node models.Node, detail string) {
	r.emit(node, models.OutcomeLoopDetected, detail)
	slog.Warn("Engine loop detected", "conversationID", r.state.ConversationID, "flowID", r.state.FlowID, "nodeID", node.ID, "detail", detail)
	r.handoff(node, models.PriorityHigh, "", models.ErrLoopDetected.Error(), r.engine.messages.LoopDetected)
}

// abort stops traversal after an unrecoverable error and transfers to a human.
func (r *run) abort(node models.Node, err error) {
	slog.Error("Engine aborting flow", "conversationID", r.state.ConversationID, "flowID", r.state.FlowID, "nodeID", node.ID, "error", err)
	r.handoff(node, models.PriorityHigh, "", err.Error(), r.engine.messages.Unavailable)
}

// handoff hands the conversation to a human, optionally sending text first.
func (r *run) handoff(node models.Node, priority models.Priority, queue, reason, text string) {
	if text != "" {
		r.send(node, models.TextMessage(text))
	}
	st := r.state
	st.Status = models.StatusHandedOff
	st.AwaitingInput = false
	st.ResumeAt = nil
	h := models.Handoff{Priority: priority, Queue: queue, Reason: reason, NodeID: node.ID, At: r.now}
	st.Handoff = &h
	r.routed = append(r.routed, h)
}

// complete ends the flow successfully.
func (r *run) complete() {
	r.state.Status = models.StatusCompleted
	r.state.AwaitingInput = false
	r.state.ResumeAt = nil
	slog.Info("Engine flow completed", "conversationID", r.state.ConversationID, "flowID", r.state.FlowID)
}

func (r *run) emit(node models.Node, outcome models.Outcome, detail string) {
	r.engine.sink.Emit(newEvent(r.state.ConversationID, r.state.FlowID, node, outcome, detail, r.now))
}

func (r *run) send(node models.Node, msg models.OutboundMessage) {
	r.outbox = append(r.outbox, pendingMessage{msg: msg, node: node, flowID: r.state.FlowID})
}

// sendContent sends text and/or media. A media caption defaults to the text; when both are
// set the text goes first as its own message.
func (r *run) sendContent(node models.Node, text string, media *models.Media) {
	if media == nil || media.URL == "" {
		if text != "" {
			r.send(node, models.TextMessage(text))
		}
		return
	}
	vars := r.state.Variables
	caption := Resolve(media.Caption, vars)
	if caption == "" {
		caption = text
	} else if text != "" {
		r.send(node, models.TextMessage(text))
	}
	kind := media.Type
	if !kind.IsMedia() {
		kind = models.MessageTypeImage
	}
	r.send(node, models.OutboundMessage{
		Type:     kind,
		MediaURL: Resolve(media.URL, vars),
		Caption:  caption,
		Filename: Resolve(media.Filename, vars),
	})
}

// flush dispatches messages that have not been sent yet, in production order.
func (r *run) flush() {
	for ; r.flushed < len(r.outbox); r.flushed++ {
		p := r.outbox[r.flushed]
		if err := r.engine.dispatcher.Send(r.ctx, r.channelRef, p.msg); err != nil {
			r.engine.sink.Emit(newEvent(r.state.ConversationID, p.flowID, p.node, models.OutcomeDispatchFailed, err.Error(), r.engine.now()))
		}
	}
}
