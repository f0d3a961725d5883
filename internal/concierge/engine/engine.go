// Package engine orchestrates one guest turn end to end: dedup, state load,
// normalization, temporal context, intent classification, ambiguity
// detection, business-rule evaluation, and the final decision between
// answering automatically, asking for clarification, or handing the
// conversation to a human.
//
// Every turn produces exactly one Decision and at most one conversation
// state transition. The pipeline never fails silent: any infrastructure
// failure or missed deadline becomes a system escalation so the guest always
// reaches a person.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/stayflow/concierge/common/envelope"
	"github.com/stayflow/concierge/common/trace"
	"github.com/stayflow/concierge/internal/concierge/ambiguity"
	"github.com/stayflow/concierge/internal/concierge/clarify"
	"github.com/stayflow/concierge/internal/concierge/config"
	"github.com/stayflow/concierge/internal/concierge/conversation"
	"github.com/stayflow/concierge/internal/concierge/dedup"
	"github.com/stayflow/concierge/internal/concierge/events"
	"github.com/stayflow/concierge/internal/concierge/intent"
	"github.com/stayflow/concierge/internal/concierge/normalize"
	"github.com/stayflow/concierge/internal/concierge/observability"
	"github.com/stayflow/concierge/internal/concierge/rules"
	"github.com/stayflow/concierge/internal/concierge/staycontext"
	"github.com/stayflow/concierge/internal/concierge/transfer"
)

// Action is the terminal decision for one guest turn.
type Action string

const (
	// ActionAutoRespond means the engine answered the guest itself.
	ActionAutoRespond Action = "auto_respond"
	// ActionClarify means the engine asked the guest a clarifying question.
	ActionClarify Action = "ask_clarification"
	// ActionEscalate means a transfer request was queued for a human.
	ActionEscalate Action = "escalate"
	// ActionSuppressed means the message was a duplicate delivery.
	ActionSuppressed Action = "suppressed"
	// ActionHumanOwned means a human currently owns the conversation and the
	// message was recorded for their transcript only.
	ActionHumanOwned Action = "human_owned"
)

// Decision is the orchestrator's output for one inbound message.
type Decision struct {
	Action Action
	// Reply is the outbound message, nil for suppressed and human-owned turns.
	Reply *envelope.Reply
	// Transfer is the queued handoff request when Action is escalate.
	Transfer *transfer.Request
	// Intent is the classification the decision was based on.
	Intent *intent.Classification
	// State is the conversation state after the turn.
	State conversation.State
}

// Classifier resolves a guest message into a structured intent.
type Classifier interface {
	Classify(ctx context.Context, guestKey string, req intent.Request) *intent.Classification
}

// ContextResolver resolves the temporal context of a guest message.
type ContextResolver interface {
	Resolve(ctx context.Context, tenantID, guestPhone string, now time.Time) staycontext.Context
}

// SnapshotSource serves versioned per-tenant rule snapshots.
type SnapshotSource interface {
	Snapshot(ctx context.Context, tenantID string) (*rules.Snapshot, error)
}

// UsageRecorder advances the quota counters after an order is placed.
type UsageRecorder interface {
	Increment(ctx context.Context, tenantID, scope, scopeKey, targetID, day string, delta int) error
}

// PolicySource resolves the effective tenant policy.
type PolicySource interface {
	For(ctx context.Context, tenantID string) config.Policy
}

// Orchestrator runs the decision pipeline. Safe for concurrent use; turns of
// the same conversation must still be serialized by the worker pool so state
// transitions happen in arrival order.
type Orchestrator struct {
	guard      *dedup.Guard
	classifier Classifier
	stays      ContextResolver
	ruleSource SnapshotSource
	ruleEngine *rules.Engine
	convs      *conversation.Manager
	queue      transfer.Queue
	usage      UsageRecorder
	policies   PolicySource
	responder  Responder
	notifier   events.Notifier
	history    *History
}

// Deps carries the orchestrator's collaborators.
type Deps struct {
	Guard      *dedup.Guard
	Classifier Classifier
	Stays      ContextResolver
	RuleSource SnapshotSource
	RuleEngine *rules.Engine
	Convs      *conversation.Manager
	Queue      transfer.Queue
	Usage      UsageRecorder
	Policies   PolicySource
	Responder  Responder
	Notifier   events.Notifier
}

// New creates an Orchestrator. Responder defaults to the template responder.
func New(d Deps) *Orchestrator {
	if d.Responder == nil {
		d.Responder = NewTemplateResponder()
	}
	return &Orchestrator{
		guard:      d.Guard,
		classifier: d.Classifier,
		stays:      d.Stays,
		ruleSource: d.RuleSource,
		ruleEngine: d.RuleEngine,
		convs:      d.Convs,
		queue:      d.Queue,
		usage:      d.Usage,
		policies:   d.Policies,
		responder:  d.Responder,
		notifier:   d.Notifier,
		history:    NewHistory(),
	}
}

// Process handles one inbound message. The returned error is non-nil only
// for structurally invalid envelopes; every runtime failure inside the
// pipeline resolves to a system escalation instead, so a valid guest message
// always receives an answer of some kind.
func (o *Orchestrator) Process(ctx context.Context, in *envelope.Inbound) (Decision, error) {
	if err := in.Validate(); err != nil {
		return Decision{}, err
	}
	ctx, _ = trace.Ensure(ctx)
	log := observability.WithConversation(ctx, in.TenantID, in.ConversationID)

	pol := o.policies.For(ctx, in.TenantID)
	timeout := pol.Pipeline.Timeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if !o.guard.Claim(dedup.Key(in.ConversationID, in.Text, in.Timestamp)) {
		log.Info("duplicate delivery suppressed", "raw_source", in.RawSource)
		o.publish(ctx, events.TypeDuplicateDrop, in.TenantID, in.ConversationID, nil)
		return Decision{Action: ActionSuppressed}, nil
	}

	d, err := o.run(ctx, in, pol)
	if err != nil {
		log.Error("pipeline failed, escalating to a human", "err", err)
		return o.escalateSystem(ctx, in), nil
	}
	return d, nil
}

// run is the pipeline proper. Any returned error means the turn could not be
// decided and must become a system escalation.
func (o *Orchestrator) run(ctx context.Context, in *envelope.Inbound, pol config.Policy) (Decision, error) {
	log := observability.WithConversation(ctx, in.TenantID, in.ConversationID)

	conv, err := o.convs.Load(ctx, in.TenantID, in.GuestPhone)
	if err != nil {
		return Decision{}, fmt.Errorf("load conversation: %w", err)
	}
	if !conv.Active() {
		// A human owns the conversation; keep the transcript current and
		// stay silent.
		o.history.Append(conv.ID, "guest", in.Text)
		return Decision{Action: ActionHumanOwned, State: conv.State}, nil
	}

	norm := normalize.Normalize(in.Text)
	if norm.Degraded {
		log.Warn("message text could not be normalized, using raw input")
	}
	stay := o.stays.Resolve(ctx, in.TenantID, in.GuestPhone, in.Timestamp)

	// A pending confirmation is answered before anything else: a plain yes
	// or no completes or cancels the held action without reclassification.
	if conv.State == conversation.StateAwaitingConfirmation {
		if d, done, err := o.resolveConfirmation(ctx, in, conv, norm.Text, stay); done {
			return d, err
		}
	}

	lang := ""
	if norm.Language != language.Und {
		lang = norm.Language.String()
	}
	cls := o.classifier.Classify(ctx, in.TenantID+":"+in.GuestPhone, intent.Request{
		Text:              norm.Text,
		Language:          lang,
		StayPhase:         string(stay.Phase),
		LocalTime:         stay.LocalTime,
		History:           o.history.Recent(conv.ID),
		AlternativeMargin: pol.Ambiguity.AlternativeMargin,
	})
	o.history.Append(conv.ID, "guest", norm.Text)

	evalPtr, unconstrained, err := o.evaluateRules(ctx, in, cls, stay)
	if err != nil {
		return Decision{}, err
	}

	verdict := ambiguity.Detect(cls, ambiguity.Policy{
		Threshold:           pol.Ambiguity.Threshold,
		UnconstrainedMarkup: pol.Ambiguity.UnconstrainedMarkup,
	}, unconstrained)

	if req := transfer.Decide(in.TenantID, conv.ID, transfer.Input{
		Text:                  norm.Text,
		Classification:        *cls,
		Evaluation:            evalPtr,
		Ambiguous:             verdict.Ambiguous,
		Topic:                 topicOf(cls),
		LastTopic:             conv.LastTopic,
		ClarificationAttempts: conv.ClarificationAttempts,
	}, transfer.Policy{
		HardFloor:         pol.Transfer.HardFloor,
		MaxClarifications: pol.Clarification.MaxAttempts,
	}); req != nil {
		return o.escalate(ctx, in, conv, cls, req)
	}

	if verdict.Ambiguous {
		return o.askClarification(ctx, in, conv, cls, verdict)
	}

	return o.respond(ctx, in, conv, cls, evalPtr, stay)
}

// evaluateRules runs the business rules when the intent is rule-gated and
// carries a target. The second return is the unconstrained signal for the
// ambiguity detector; a gated intent with no resolvable target counts as
// unconstrained because no rule could vouch for the action.
func (o *Orchestrator) evaluateRules(ctx context.Context, in *envelope.Inbound, cls *intent.Classification, stay staycontext.Context) (*rules.Evaluation, bool, error) {
	scope, gated := scopeOf(cls.Intent)
	if !gated {
		return nil, false, nil
	}
	if cls.TargetID == "" {
		return nil, true, nil
	}

	snap, err := o.ruleSource.Snapshot(ctx, in.TenantID)
	if err != nil {
		return nil, false, fmt.Errorf("rules snapshot: %w", err)
	}
	eval, err := o.ruleEngine.Evaluate(ctx, snap, scope, cls.TargetID, cls.Confidence, rules.Facts{
		LocalTime:         stay.LocalTime,
		TimeIndeterminate: stay.Indeterminate,
		HasActiveBooking:  stay.HasActiveBooking,
		RoomNumber:        stay.RoomNumber,
		GuestPhone:        in.GuestPhone,
		Quantity:          quantityOf(cls),
	})
	if err != nil {
		return nil, false, fmt.Errorf("rule evaluation: %w", err)
	}
	return &eval, eval.Unconstrained, nil
}

// escalate queues the transfer request and moves the conversation to
// escalated. An already-open transfer is fine; the new trigger joins it.
func (o *Orchestrator) escalate(ctx context.Context, in *envelope.Inbound, conv *conversation.Conversation, cls *intent.Classification, req *transfer.Request) (Decision, error) {
	req.Context.Turns = o.recentTurns(conv.ID)
	req.Context.Intent = cls.Intent
	req.Context.Confidence = cls.Confidence

	if err := o.commit(ctx, conv, conversation.StateEscalated, cls.Intent, ""); err != nil {
		return Decision{}, err
	}
	if err := o.queue.Create(ctx, req); err != nil && !errors.Is(err, transfer.ErrTransferOpen) {
		return Decision{}, fmt.Errorf("queue transfer: %w", err)
	}
	o.publish(ctx, events.TypeTransferCreated, in.TenantID, conv.ID, map[string]any{
		"reason":   string(req.Reason),
		"priority": int(req.Priority),
	})

	text := escalationText(req.Reason == transfer.ReasonEmergencyHandoff)
	o.history.Append(conv.ID, "assistant", text)
	return Decision{
		Action:   ActionEscalate,
		Reply:    o.reply(in, text),
		Transfer: req,
		Intent:   cls,
		State:    conv.State,
	}, nil
}

func (o *Orchestrator) askClarification(ctx context.Context, in *envelope.Inbound, conv *conversation.Conversation, cls *intent.Classification, verdict ambiguity.Verdict) (Decision, error) {
	question := clarify.Question(cls, verdict)
	if err := o.commit(ctx, conv, conversation.StateAwaitingClarification, cls.Intent, topicOf(cls)); err != nil {
		return Decision{}, err
	}
	o.history.Append(conv.ID, "assistant", question)
	return Decision{
		Action: ActionClarify,
		Reply:  o.reply(in, question),
		Intent: cls,
		State:  conv.State,
	}, nil
}

// respond settles an unambiguous, untransferred turn according to the rule
// outcome.
func (o *Orchestrator) respond(ctx context.Context, in *envelope.Inbound, conv *conversation.Conversation, cls *intent.Classification, eval *rules.Evaluation, stay staycontext.Context) (Decision, error) {
	var text string
	to := conversation.StateResolved
	topic := ""

	switch {
	case eval != nil && eval.Outcome == rules.Denied:
		text = denialText(eval)
		o.publish(ctx, events.TypeRuleViolation, in.TenantID, conv.ID, ruleFields(eval))
	case eval != nil && eval.Outcome == rules.RequiresConfirmation:
		text = confirmationText(eval)
		to = conversation.StateAwaitingConfirmation
		topic = topicOf(cls)
	default:
		if eval != nil {
			o.recordUsage(ctx, in, cls, stay)
		}
		text = o.responder.Respond(cls, eval)
	}

	if err := o.commit(ctx, conv, to, cls.Intent, topic); err != nil {
		return Decision{}, err
	}
	o.history.Append(conv.ID, "assistant", text)
	return Decision{
		Action: ActionAutoRespond,
		Reply:  o.reply(in, text),
		Intent: cls,
		State:  conv.State,
	}, nil
}

// resolveConfirmation settles a pending rule confirmation. done is false
// when the reply is neither a clear yes nor a clear no, in which case the
// turn flows through the normal pipeline as a new topic.
func (o *Orchestrator) resolveConfirmation(ctx context.Context, in *envelope.Inbound, conv *conversation.Conversation, text string, stay staycontext.Context) (Decision, bool, error) {
	label, targetID := parseTopic(conv.LastTopic)
	cls := &intent.Classification{Intent: label, TargetID: targetID, Confidence: 1, Method: intent.MethodPattern}

	var reply string
	switch {
	case affirmative(text):
		o.recordUsage(ctx, in, cls, stay)
		reply = o.responder.Respond(cls, nil)
	case negative(text):
		reply = "No problem, I won't place that. Anything else I can help with?"
	default:
		return Decision{}, false, nil
	}

	o.history.Append(conv.ID, "guest", text)
	if err := o.commit(ctx, conv, conversation.StateResolved, label, ""); err != nil {
		return Decision{}, true, err
	}
	o.history.Append(conv.ID, "assistant", reply)
	return Decision{
		Action: ActionAutoRespond,
		Reply:  o.reply(in, reply),
		Intent: cls,
		State:  conv.State,
	}, true, nil
}

// HandoffAccepted moves the conversation under human ownership once an
// agent claims its transfer request. Already handed-off conversations are
// left alone.
func (o *Orchestrator) HandoffAccepted(ctx context.Context, conversationID string) error {
	conv, err := o.convs.LoadByID(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if conv.State == conversation.StateHandedOff {
		return nil
	}
	from := conv.State
	if err := o.convs.AcceptHandoff(ctx, conv); err != nil {
		return err
	}
	o.publish(ctx, events.TypeStateChanged, conv.TenantID, conv.ID, map[string]any{
		"from": string(from),
		"to":   string(conversation.StateHandedOff),
	})
	return nil
}

// HandoffClosed returns the conversation to the idle pool after staff close
// its transfer and drops the retained transcript. Without this step a single
// escalation would leave the guest unanswered forever.
func (o *Orchestrator) HandoffClosed(ctx context.Context, conversationID string) error {
	conv, err := o.convs.LoadByID(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if !conv.Active() {
		from := conv.State
		err := o.convs.CloseHandoff(ctx, conv)
		if errors.Is(err, conversation.ErrVersionConflict) {
			if conv, err = o.convs.LoadByID(ctx, conversationID); err != nil {
				return fmt.Errorf("reload after version conflict: %w", err)
			}
			from = conv.State
			if conv.Active() {
				// Another writer already returned it to the bot.
				from = conversation.StateIdle
			} else {
				err = o.convs.CloseHandoff(ctx, conv)
			}
		}
		if err != nil {
			return err
		}
		if from != conversation.StateIdle {
			o.publish(ctx, events.TypeStateChanged, conv.TenantID, conv.ID, map[string]any{
				"from": string(from),
				"to":   string(conversation.StateIdle),
			})
		}
	}
	o.history.Drop(conversationID)
	return nil
}

// escalateSystem files the escalation of last resort. It runs detached from
// the turn's deadline: the whole point is to reach a human after the
// pipeline already failed.
func (o *Orchestrator) escalateSystem(ctx context.Context, in *envelope.Inbound) Decision {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	log := observability.WithConversation(ctx, in.TenantID, in.ConversationID)

	conversationID := in.ConversationID
	if conv, err := o.convs.Load(ctx, in.TenantID, in.GuestPhone); err == nil {
		conversationID = conv.ID
		if conv.Active() {
			if err := o.commit(ctx, conv, conversation.StateEscalated, "", ""); err != nil {
				log.Error("failed to mark conversation escalated", "err", err)
			}
		}
	}

	req := transfer.SystemEscalation(in.TenantID, conversationID)
	req.Context.Turns = o.recentTurns(conversationID)
	if err := o.queue.Create(ctx, req); err != nil && !errors.Is(err, transfer.ErrTransferOpen) {
		log.Error("failed to queue system escalation", "err", err)
	}
	o.publish(ctx, events.TypeTransferCreated, in.TenantID, conversationID, map[string]any{
		"reason":   string(req.Reason),
		"priority": int(req.Priority),
	})

	return Decision{
		Action:   ActionEscalate,
		Reply:    o.reply(in, escalationText(false)),
		Transfer: req,
		State:    conversation.StateEscalated,
	}
}

// commit applies one state transition under the optimistic check, retrying
// once against fresh state. A second conflict propagates and the turn is
// escalated rather than guessed through.
func (o *Orchestrator) commit(ctx context.Context, conv *conversation.Conversation, to conversation.State, intentLabel, topic string) error {
	from := conv.State
	err := o.convs.Commit(ctx, conv, to, intentLabel, topic)
	if errors.Is(err, conversation.ErrVersionConflict) {
		fresh, loadErr := o.convs.Load(ctx, conv.TenantID, conv.GuestPhone)
		if loadErr != nil {
			return fmt.Errorf("reload after version conflict: %w", loadErr)
		}
		*conv = *fresh
		from = conv.State
		err = o.convs.Commit(ctx, conv, to, intentLabel, topic)
	}
	if err != nil {
		return err
	}
	if from != to {
		o.publish(ctx, events.TypeStateChanged, conv.TenantID, conv.ID, map[string]any{
			"from": string(from),
			"to":   string(to),
		})
	}
	return nil
}

func (o *Orchestrator) recordUsage(ctx context.Context, in *envelope.Inbound, cls *intent.Classification, stay staycontext.Context) {
	if o.usage == nil || cls.TargetID == "" {
		return
	}
	day := stay.LocalTime.Format("2006-01-02")
	qty := quantityOf(cls)
	log := observability.WithConversation(ctx, in.TenantID, in.ConversationID)
	if stay.RoomNumber != "" {
		if err := o.usage.Increment(ctx, in.TenantID, "room", stay.RoomNumber, cls.TargetID, day, qty); err != nil {
			log.Error("failed to record room usage", "target", cls.TargetID, "err", err)
		}
	}
	if err := o.usage.Increment(ctx, in.TenantID, "guest", in.GuestPhone, cls.TargetID, day, qty); err != nil {
		log.Error("failed to record guest usage", "target", cls.TargetID, "err", err)
	}
}

func (o *Orchestrator) recentTurns(conversationID string) []transfer.Turn {
	msgs := o.history.Recent(conversationID)
	turns := make([]transfer.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, transfer.Turn{Role: m.Role, Text: m.Content})
	}
	return turns
}

func (o *Orchestrator) publish(ctx context.Context, eventType, tenantID, conversationID string, fields map[string]any) {
	if o.notifier == nil {
		return
	}
	o.notifier.Publish(ctx, events.Event{
		Type:           eventType,
		TenantID:       tenantID,
		ConversationID: conversationID,
		At:             time.Now().UTC(),
		Fields:         fields,
	})
}

func (o *Orchestrator) reply(in *envelope.Inbound, text string) *envelope.Reply {
	return &envelope.Reply{
		TenantID:       in.TenantID,
		ConversationID: in.ConversationID,
		GuestPhone:     in.GuestPhone,
		Text:           text,
		TS:             time.Now().UTC(),
	}
}

// scopeOf maps rule-gated intents to their rule scope.
func scopeOf(label string) (rules.Scope, bool) {
	switch label {
	case intent.IntentRoomService:
		return rules.ScopeService, true
	case intent.IntentRequestItem:
		return rules.ScopeRequestItem, true
	default:
		return "", false
	}
}

// topicOf identifies the subject of a pending clarification or confirmation.
func topicOf(cls *intent.Classification) string {
	if cls.TargetID == "" {
		return cls.Intent
	}
	return cls.Intent + "|" + cls.TargetID
}

func parseTopic(topic string) (label, targetID string) {
	label, targetID, _ = strings.Cut(topic, "|")
	return label, targetID
}

func ruleFields(eval *rules.Evaluation) map[string]any {
	fields := map[string]any{"outcome": string(eval.Outcome)}
	if eval.Matched != nil {
		fields["rule_id"] = eval.Matched.ID
		fields["rule_key"] = eval.Matched.Key
	}
	return fields
}

func quantityOf(cls *intent.Classification) int {
	if raw, ok := cls.Entities["quantity"]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return 1
}

var affirmations = []string{"yes", "yes please", "yeah", "yep", "sure", "ok", "okay", "go ahead", "please do", "confirm", "si", "sí", "sim", "oui", "ja"}

var negations = []string{"no", "no thanks", "nope", "cancel", "never mind", "nevermind", "don't", "nein", "não", "non"}

func affirmative(text string) bool { return matchesAny(text, affirmations) }

func negative(text string) bool { return matchesAny(text, negations) }

func matchesAny(text string, words []string) bool {
	t := strings.ToLower(strings.TrimRight(strings.TrimSpace(text), ".!"))
	for _, w := range words {
		if t == w {
			return true
		}
	}
	return false
}
