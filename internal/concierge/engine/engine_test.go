package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stayflow/concierge/common/envelope"
	"github.com/stayflow/concierge/internal/concierge/config"
	"github.com/stayflow/concierge/internal/concierge/conversation"
	"github.com/stayflow/concierge/internal/concierge/dedup"
	"github.com/stayflow/concierge/internal/concierge/engine"
	"github.com/stayflow/concierge/internal/concierge/events"
	"github.com/stayflow/concierge/internal/concierge/intent"
	"github.com/stayflow/concierge/internal/concierge/rules"
	"github.com/stayflow/concierge/internal/concierge/staycontext"
	"github.com/stayflow/concierge/internal/concierge/transfer"
)

// scriptedClassifier returns canned classifications in order, repeating the
// last one when the script runs out.
type scriptedClassifier struct {
	mu     sync.Mutex
	script []*intent.Classification
	calls  int
}

func (s *scriptedClassifier) Classify(_ context.Context, _ string, _ intent.Request) *intent.Classification {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	s.calls++
	c := *s.script[i]
	return &c
}

type fixedStay struct{ ctx staycontext.Context }

func (f fixedStay) Resolve(context.Context, string, string, time.Time) staycontext.Context {
	return f.ctx
}

type fixedSnapshot struct {
	snap *rules.Snapshot
	err  error
}

func (f fixedSnapshot) Snapshot(context.Context, string) (*rules.Snapshot, error) {
	return f.snap, f.err
}

// memConvStore is an in-memory conversation.Store with real optimistic
// version semantics.
type memConvStore struct {
	mu   sync.Mutex
	rows map[string]conversation.Conversation // tenant + ":" + phone
}

func newMemConvStore() *memConvStore {
	return &memConvStore{rows: map[string]conversation.Conversation{}}
}

func (s *memConvStore) Get(_ context.Context, tenantID, phone string) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[tenantID+":"+phone]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	c := row
	return &c, nil
}

func (s *memConvStore) GetByID(_ context.Context, id string) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.ID == id {
			c := row
			return &c, nil
		}
	}
	return nil, conversation.ErrNotFound
}

func (s *memConvStore) Create(_ context.Context, c *conversation.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[c.TenantID+":"+c.GuestPhone] = *c
	return nil
}

func (s *memConvStore) Update(_ context.Context, c *conversation.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := c.TenantID + ":" + c.GuestPhone
	stored, ok := s.rows[key]
	if !ok {
		return conversation.ErrNotFound
	}
	if stored.Version != c.Version {
		return conversation.ErrVersionConflict
	}
	c.Version++
	s.rows[key] = *c
	return nil
}

// memQueue is an in-memory transfer.Queue.
type memQueue struct {
	mu   sync.Mutex
	reqs []*transfer.Request
}

func (q *memQueue) Create(_ context.Context, req *transfer.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.reqs {
		if r.ConversationID == req.ConversationID && r.Status == transfer.StatusOpen {
			return transfer.ErrTransferOpen
		}
	}
	q.reqs = append(q.reqs, req)
	return nil
}

func (q *memQueue) Get(_ context.Context, id string) (*transfer.Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.reqs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

func (q *memQueue) Open(context.Context, string, int) ([]*transfer.Request, error) { return nil, nil }
func (q *memQueue) Accept(context.Context, string, string, int64) error            { return nil }
func (q *memQueue) Close(context.Context, string) error                            { return nil }
func (q *memQueue) OpenFor(context.Context, string) (*transfer.Request, error)     { return nil, nil }

func (q *memQueue) last() *transfer.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.reqs) == 0 {
		return nil
	}
	return q.reqs[len(q.reqs)-1]
}

type memUsage struct {
	mu     sync.Mutex
	counts map[string]int
}

func newMemUsage() *memUsage { return &memUsage{counts: map[string]int{}} }

func (u *memUsage) key(tenantID, scope, scopeKey, targetID, day string) string {
	return strings.Join([]string{tenantID, scope, scopeKey, targetID, day}, "/")
}

func (u *memUsage) Count(_ context.Context, tenantID, scope, scopeKey, targetID, day string) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[u.key(tenantID, scope, scopeKey, targetID, day)], nil
}

func (u *memUsage) Increment(_ context.Context, tenantID, scope, scopeKey, targetID, day string, delta int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.counts[u.key(tenantID, scope, scopeKey, targetID, day)] += delta
	return nil
}

type defaultPolicies struct{}

func (defaultPolicies) For(context.Context, string) config.Policy { return config.Defaults() }

type fixture struct {
	orch  *engine.Orchestrator
	queue *memQueue
	usage *memUsage
	store *memConvStore
	bus   *events.Bus
}

func newFixture(t *testing.T, cls []*intent.Classification, snap *rules.Snapshot, snapErr error, stay staycontext.Context) *fixture {
	t.Helper()
	queue := &memQueue{}
	usage := newMemUsage()
	store := newMemConvStore()
	bus := events.NewBus()
	orch := engine.New(engine.Deps{
		Guard:      dedup.NewGuard(time.Minute),
		Classifier: &scriptedClassifier{script: cls},
		Stays:      fixedStay{ctx: stay},
		RuleSource: fixedSnapshot{snap: snap, err: snapErr},
		RuleEngine: rules.NewEngine(usage),
		Convs:      conversation.NewManager(store),
		Queue:      queue,
		Usage:      usage,
		Policies:   defaultPolicies{},
		Notifier:   bus,
	})
	return &fixture{orch: orch, queue: queue, usage: usage, store: store, bus: bus}
}

func inbound(text string) *envelope.Inbound {
	return &envelope.Inbound{
		TenantID:       "hotel-a",
		ConversationID: "conv-1",
		GuestPhone:     "+15551234567",
		Text:           text,
		Timestamp:      time.Now().UTC(),
	}
}

func inStay(localHour int) staycontext.Context {
	return staycontext.Context{
		Phase:            staycontext.PhaseInStay,
		LocalTime:        time.Date(2026, 6, 1, localHour, 0, 0, 0, time.UTC),
		RoomNumber:       "412",
		HasActiveBooking: true,
	}
}

func snapshotWith(rs ...rules.Rule) *rules.Snapshot {
	return &rules.Snapshot{TenantID: "hotel-a", Version: "v1", Rules: rs, FetchedAt: time.Now()}
}

func kitchenHours(open, close string) rules.Rule {
	payload, _ := json.Marshal(map[string]string{"open": open, "close": close})
	return rules.Rule{
		ID: 1, Scope: rules.ScopeService, TargetID: "room-service",
		Type: rules.TypeTimeWindow, Key: "kitchen_hours", Value: payload,
		Priority: 10, ValidationMessage: "The kitchen is closed between 21:00 and 06:00.",
		Active: true,
	}
}

func TestLateNightOrderDeniedWithRuleMessage(t *testing.T) {
	cls := &intent.Classification{
		Intent: intent.IntentRoomService, TargetID: "room-service",
		Confidence: 0.92, Method: intent.MethodLLM,
	}
	f := newFixture(t, []*intent.Classification{cls}, snapshotWith(kitchenHours("06:00", "21:00")), nil, inStay(23))
	sub := f.bus.Subscribe(8)

	d, err := f.orch.Process(context.Background(), inbound("I'd like a burger please"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.Action != engine.ActionAutoRespond {
		t.Fatalf("action = %q, want auto_respond", d.Action)
	}
	if d.Reply == nil || !strings.Contains(d.Reply.Text, "kitchen is closed") {
		t.Fatalf("reply = %+v, want the rule's validation message", d.Reply)
	}
	if d.State != conversation.StateResolved {
		t.Fatalf("state = %q, want resolved", d.State)
	}

	var sawViolation bool
	for done := false; !done; {
		select {
		case ev := <-sub:
			if ev.Type == events.TypeRuleViolation {
				sawViolation = true
			}
		default:
			done = true
		}
	}
	if !sawViolation {
		t.Fatal("expected a rule.violation event")
	}
}

func TestAllowedOrderRespondsAndRecordsUsage(t *testing.T) {
	cls := &intent.Classification{
		Intent: intent.IntentRoomService, TargetID: "room-service",
		Confidence: 0.92, Method: intent.MethodLLM,
		Entities: map[string]string{"quantity": "2"},
	}
	f := newFixture(t, []*intent.Classification{cls}, snapshotWith(kitchenHours("06:00", "21:00")), nil, inStay(12))

	d, err := f.orch.Process(context.Background(), inbound("two club sandwiches please"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.Action != engine.ActionAutoRespond || d.State != conversation.StateResolved {
		t.Fatalf("got action=%q state=%q", d.Action, d.State)
	}

	day := "2026-06-01"
	if n, _ := f.usage.Count(context.Background(), "hotel-a", "room", "412", "room-service", day); n != 2 {
		t.Fatalf("room usage = %d, want 2", n)
	}
	if n, _ := f.usage.Count(context.Background(), "hotel-a", "guest", "+15551234567", "room-service", day); n != 2 {
		t.Fatalf("guest usage = %d, want 2", n)
	}
}

func TestEmergencyEscalatesImmediately(t *testing.T) {
	cls := &intent.Classification{Intent: intent.IntentSmalltalk, Confidence: 0.9, Method: intent.MethodLLM}
	f := newFixture(t, []*intent.Classification{cls}, snapshotWith(), nil, inStay(12))

	d, err := f.orch.Process(context.Background(), inbound("there is a fire in my room"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.Action != engine.ActionEscalate {
		t.Fatalf("action = %q, want escalate", d.Action)
	}
	if d.State != conversation.StateEscalated {
		t.Fatalf("state = %q, want escalated", d.State)
	}

	req := f.queue.last()
	if req == nil {
		t.Fatal("no transfer request queued")
	}
	if req.Reason != transfer.ReasonEmergencyHandoff || req.Priority != transfer.PriorityEmergency {
		t.Fatalf("queued %q/%d, want emergency_handoff at emergency priority", req.Reason, req.Priority)
	}
	if req.DetectionMethod != intent.MethodKeyword {
		t.Fatalf("method = %q, want keyword", req.DetectionMethod)
	}
	if d.Reply == nil || !strings.Contains(d.Reply.Text, "staff has been alerted") {
		t.Fatalf("reply = %+v, want the emergency acknowledgement", d.Reply)
	}
}

func TestAmbiguousTurnsClarifyThenEscalate(t *testing.T) {
	vague := &intent.Classification{Intent: intent.IntentUnknown, Confidence: 0.3, Method: intent.MethodLLM}
	f := newFixture(t, []*intent.Classification{vague}, snapshotWith(), nil, inStay(12))

	// Two clarification questions are allowed on the same topic.
	for turn := 1; turn <= 2; turn++ {
		msg := inbound("the thing, you know")
		msg.Timestamp = msg.Timestamp.Add(time.Duration(turn) * time.Minute)
		d, err := f.orch.Process(context.Background(), msg)
		if err != nil {
			t.Fatalf("turn %d: %v", turn, err)
		}
		if d.Action != engine.ActionClarify {
			t.Fatalf("turn %d: action = %q, want ask_clarification", turn, d.Action)
		}
		if d.State != conversation.StateAwaitingClarification {
			t.Fatalf("turn %d: state = %q", turn, d.State)
		}
	}

	// The third vague turn exhausts the budget.
	msg := inbound("the thing, you know")
	msg.Timestamp = msg.Timestamp.Add(time.Hour)
	d, err := f.orch.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("final turn: %v", err)
	}
	if d.Action != engine.ActionEscalate {
		t.Fatalf("action = %q, want escalate after exhausted clarifications", d.Action)
	}
	req := f.queue.last()
	if req == nil || req.Reason != transfer.ReasonComplexityLimit {
		t.Fatalf("queued %+v, want complexity_limit", req)
	}
}

func TestDuplicateDeliverySuppressed(t *testing.T) {
	cls := &intent.Classification{Intent: intent.IntentSmalltalk, Confidence: 0.9, Method: intent.MethodLLM}
	f := newFixture(t, []*intent.Classification{cls}, snapshotWith(), nil, inStay(12))

	msg := inbound("thanks!")
	if d, err := f.orch.Process(context.Background(), msg); err != nil || d.Action != engine.ActionAutoRespond {
		t.Fatalf("first delivery: %v %q", err, d.Action)
	}

	// Same text, same timestamp: a transport redelivery.
	d, err := f.orch.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if d.Action != engine.ActionSuppressed {
		t.Fatalf("action = %q, want suppressed", d.Action)
	}
	if d.Reply != nil {
		t.Fatal("a suppressed delivery must not produce a reply")
	}
}

func TestSnapshotFailureEscalatesToSystem(t *testing.T) {
	cls := &intent.Classification{
		Intent: intent.IntentRoomService, TargetID: "room-service",
		Confidence: 0.92, Method: intent.MethodLLM,
	}
	f := newFixture(t, []*intent.Classification{cls}, nil, errors.New("rules api unreachable"), inStay(12))

	d, err := f.orch.Process(context.Background(), inbound("a burger please"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.Action != engine.ActionEscalate {
		t.Fatalf("action = %q, want escalate", d.Action)
	}
	req := f.queue.last()
	if req == nil || req.Reason != transfer.ReasonSystemEscalation {
		t.Fatalf("queued %+v, want system_escalation", req)
	}
	if d.Reply == nil {
		t.Fatal("the guest must still receive an acknowledgement")
	}
}

func TestConfirmationFlow(t *testing.T) {
	quota, _ := json.Marshal(map[string]int{"max": 4, "confirm_within": 2})
	rule := rules.Rule{
		ID: 9, Scope: rules.ScopeRequestItem, TargetID: "towel",
		Type: rules.TypeMaxPerRoom, Key: "towel_limit", Value: quota,
		Priority: 5, ValidationMessage: "That's close to the daily towel limit. Shall I still send them?",
		Active: true,
	}
	cls := &intent.Classification{
		Intent: intent.IntentRequestItem, TargetID: "towel",
		Confidence: 0.9, Method: intent.MethodLLM,
	}
	f := newFixture(t, []*intent.Classification{cls}, snapshotWith(rule), nil, inStay(12))

	// Pre-load usage so the next request lands in the confirm band.
	_ = f.usage.Increment(context.Background(), "hotel-a", "room", "412", "towel", "2026-06-01", 3)

	d, err := f.orch.Process(context.Background(), inbound("more towels please"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.Action != engine.ActionAutoRespond || d.State != conversation.StateAwaitingConfirmation {
		t.Fatalf("got action=%q state=%q, want a confirmation question", d.Action, d.State)
	}
	if !strings.Contains(d.Reply.Text, "towel limit") {
		t.Fatalf("reply = %q, want the rule's confirmation prompt", d.Reply.Text)
	}

	// The affirmative reply completes the request without reclassification.
	confirm := inbound("yes please")
	confirm.Timestamp = confirm.Timestamp.Add(time.Minute)
	d, err = f.orch.Process(context.Background(), confirm)
	if err != nil {
		t.Fatalf("confirmation turn: %v", err)
	}
	if d.Action != engine.ActionAutoRespond || d.State != conversation.StateResolved {
		t.Fatalf("got action=%q state=%q after confirmation", d.Action, d.State)
	}
	if n, _ := f.usage.Count(context.Background(), "hotel-a", "room", "412", "towel", "2026-06-01"); n != 4 {
		t.Fatalf("room usage = %d, want 4 after the confirmed request", n)
	}
}

func TestConfirmationDeclined(t *testing.T) {
	quota, _ := json.Marshal(map[string]int{"max": 4, "confirm_within": 2})
	rule := rules.Rule{
		ID: 9, Scope: rules.ScopeRequestItem, TargetID: "towel",
		Type: rules.TypeMaxPerRoom, Key: "towel_limit", Value: quota,
		Priority: 5, ValidationMessage: "Shall I still send them?", Active: true,
	}
	cls := &intent.Classification{
		Intent: intent.IntentRequestItem, TargetID: "towel",
		Confidence: 0.9, Method: intent.MethodLLM,
	}
	f := newFixture(t, []*intent.Classification{cls}, snapshotWith(rule), nil, inStay(12))
	_ = f.usage.Increment(context.Background(), "hotel-a", "room", "412", "towel", "2026-06-01", 3)

	if _, err := f.orch.Process(context.Background(), inbound("more towels please")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	decline := inbound("no thanks")
	decline.Timestamp = decline.Timestamp.Add(time.Minute)
	d, err := f.orch.Process(context.Background(), decline)
	if err != nil {
		t.Fatalf("decline turn: %v", err)
	}
	if d.State != conversation.StateResolved {
		t.Fatalf("state = %q, want resolved", d.State)
	}
	if n, _ := f.usage.Count(context.Background(), "hotel-a", "room", "412", "towel", "2026-06-01"); n != 3 {
		t.Fatalf("room usage = %d, want unchanged 3 after decline", n)
	}
}

func TestHumanOwnedConversationStaysSilent(t *testing.T) {
	cls := &intent.Classification{Intent: intent.IntentSmalltalk, Confidence: 0.9, Method: intent.MethodLLM}
	f := newFixture(t, []*intent.Classification{cls}, snapshotWith(), nil, inStay(12))

	// Seed a handed-off conversation.
	f.store.Create(context.Background(), &conversation.Conversation{
		ID: "conv-db", TenantID: "hotel-a", GuestPhone: "+15551234567",
		State: conversation.StateHandedOff, Version: 1,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})

	d, err := f.orch.Process(context.Background(), inbound("hello?"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.Action != engine.ActionHumanOwned {
		t.Fatalf("action = %q, want human_owned", d.Action)
	}
	if d.Reply != nil {
		t.Fatal("the engine must not reply while a human owns the conversation")
	}
}

func TestConfirmationUnclearReplyAsksClarification(t *testing.T) {
	vague := &intent.Classification{Intent: intent.IntentUnknown, Confidence: 0.3, Method: intent.MethodLLM}
	f := newFixture(t, []*intent.Classification{vague}, snapshotWith(), nil, inStay(12))

	// A confirmation question is pending for a towel request.
	f.store.Create(context.Background(), &conversation.Conversation{
		ID: "conv-db", TenantID: "hotel-a", GuestPhone: "+15551234567",
		State: conversation.StateAwaitingConfirmation, LastTopic: "housekeeping.request_item|towel",
		Version: 1, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})

	// Neither yes nor no: the turn flows through the pipeline and earns a
	// clarifying question, not a handoff.
	d, err := f.orch.Process(context.Background(), inbound("hmm what would that cost"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.Action != engine.ActionClarify {
		t.Fatalf("action = %q, want ask_clarification", d.Action)
	}
	if d.State != conversation.StateAwaitingClarification {
		t.Fatalf("state = %q, want awaiting_clarification", d.State)
	}
	if req := f.queue.last(); req != nil {
		t.Fatalf("queued %+v, want no transfer for an unclear confirmation reply", req)
	}
}

func TestClosedHandoffReturnsConversationToGuest(t *testing.T) {
	cls := &intent.Classification{Intent: intent.IntentSmalltalk, Confidence: 0.9, Method: intent.MethodLLM}
	f := newFixture(t, []*intent.Classification{cls}, snapshotWith(), nil, inStay(12))

	d, err := f.orch.Process(context.Background(), inbound("there is a fire"))
	if err != nil || d.Action != engine.ActionEscalate {
		t.Fatalf("escalation turn: %v %q", err, d.Action)
	}
	conversationID := f.queue.last().ConversationID

	if err := f.orch.HandoffAccepted(context.Background(), conversationID); err != nil {
		t.Fatalf("HandoffAccepted: %v", err)
	}
	conv, err := f.store.GetByID(context.Background(), conversationID)
	if err != nil || conv.State != conversation.StateHandedOff {
		t.Fatalf("after accept: %v state=%q, want handed_off", err, conv.State)
	}

	if err := f.orch.HandoffClosed(context.Background(), conversationID); err != nil {
		t.Fatalf("HandoffClosed: %v", err)
	}
	conv, err = f.store.GetByID(context.Background(), conversationID)
	if err != nil || conv.State != conversation.StateIdle {
		t.Fatalf("after close: %v state=%q, want idle", err, conv.State)
	}

	// The guest is answered again instead of staying human-owned.
	later := inbound("hello, everything is fine now")
	later.Timestamp = later.Timestamp.Add(time.Hour)
	d, err = f.orch.Process(context.Background(), later)
	if err != nil {
		t.Fatalf("post-close turn: %v", err)
	}
	if d.Action != engine.ActionAutoRespond || d.Reply == nil {
		t.Fatalf("got action=%q reply=%v, want an automated answer", d.Action, d.Reply != nil)
	}
}

func TestTopicChangeEarnsFreshClarificationBudget(t *testing.T) {
	vague := &intent.Classification{Intent: intent.IntentUnknown, Confidence: 0.3, Method: intent.MethodLLM}
	vagueQA := &intent.Classification{Intent: intent.IntentConciergeQA, Confidence: 0.5, Method: intent.MethodLLM}
	f := newFixture(t, []*intent.Classification{vague, vague, vagueQA}, snapshotWith(), nil, inStay(12))

	for turn := 1; turn <= 2; turn++ {
		msg := inbound("the thing, you know")
		msg.Timestamp = msg.Timestamp.Add(time.Duration(turn) * time.Minute)
		if d, err := f.orch.Process(context.Background(), msg); err != nil || d.Action != engine.ActionClarify {
			t.Fatalf("turn %d: %v %q", turn, err, d.Action)
		}
	}

	// A shaky turn on a new subject gets its own question instead of
	// inheriting the spent budget.
	msg := inbound("and what about around here")
	msg.Timestamp = msg.Timestamp.Add(time.Hour)
	d, err := f.orch.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("fresh topic turn: %v", err)
	}
	if d.Action != engine.ActionClarify {
		t.Fatalf("action = %q, want ask_clarification on a fresh topic", d.Action)
	}
	if req := f.queue.last(); req != nil {
		t.Fatalf("queued %+v, want no complexity handoff after a topic change", req)
	}
}

func TestInvalidEnvelopeRejected(t *testing.T) {
	f := newFixture(t, []*intent.Classification{{Intent: intent.IntentSmalltalk, Confidence: 0.9}}, snapshotWith(), nil, inStay(12))

	bad := inbound("hello")
	bad.TenantID = ""
	if _, err := f.orch.Process(context.Background(), bad); err == nil {
		t.Fatal("expected an error for a missing tenant id")
	}
}
