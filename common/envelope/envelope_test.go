package envelope_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stayflow/concierge/common/envelope"
)

func TestParse_ValidEnvelope(t *testing.T) {
	data := []byte(`{
		"tenant_id": "grand-plaza",
		"conversation_id": "conv-42",
		"guest_phone": "+15550100",
		"text": "Can I get extra towels?",
		"timestamp": "2026-03-01T10:30:00Z"
	}`)

	in, err := envelope.Parse(data)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if in.TenantID != "grand-plaza" {
		t.Errorf("TenantID = %q, want %q", in.TenantID, "grand-plaza")
	}
	if in.Text != "Can I get extra towels?" {
		t.Errorf("Text = %q", in.Text)
	}
	if in.Timestamp.IsZero() {
		t.Error("Timestamp should be parsed, got zero")
	}
}

func TestParse_InvalidJSON(t *testing.T) {
	if _, err := envelope.Parse([]byte(`{not json`)); err == nil {
		t.Fatal("Parse should fail on malformed JSON")
	}
}

func TestValidate_MissingFields(t *testing.T) {
	base := envelope.Inbound{
		TenantID:       "grand-plaza",
		ConversationID: "conv-1",
		GuestPhone:     "+15550100",
		Timestamp:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name    string
		mutate  func(in *envelope.Inbound)
		wantErr string
	}{
		{"missing tenant", func(in *envelope.Inbound) { in.TenantID = "" }, "tenant_id"},
		{"missing conversation", func(in *envelope.Inbound) { in.ConversationID = "" }, "conversation_id"},
		{"missing phone", func(in *envelope.Inbound) { in.GuestPhone = "" }, "guest_phone"},
		{"zero timestamp", func(in *envelope.Inbound) { in.Timestamp = time.Time{} }, "timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			err := in.Validate()
			if err == nil {
				t.Fatal("Validate should have returned an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_Nil(t *testing.T) {
	var in *envelope.Inbound
	if err := in.Validate(); err == nil {
		t.Error("nil envelope should not validate")
	}
}

func TestValidate_EmptyTextIsAllowed(t *testing.T) {
	// Media-only messages arrive with empty text; the pipeline handles them
	// downstream, so the envelope itself must not reject them.
	in := envelope.Inbound{
		TenantID:       "grand-plaza",
		ConversationID: "conv-1",
		GuestPhone:     "+15550100",
		Timestamp:      time.Now().UTC(),
	}
	if err := in.Validate(); err != nil {
		t.Errorf("empty text should be valid, got %v", err)
	}
}
