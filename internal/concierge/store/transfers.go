package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stayflow/concierge/internal/concierge/intent"
	"github.com/stayflow/concierge/internal/concierge/transfer"
)

// TransferQueue is the SQLite-backed implementation of transfer.Queue.
//
// The open-transfer uniqueness lives in the schema: a partial unique index
// on conversation_id covers rows with status 'open', so a racing second
// Create fails at the database instead of needing an extra read.
type TransferQueue struct {
	db *sql.DB
}

// NewTransferQueue wraps a Store as a transfer queue.
func NewTransferQueue(s *Store) *TransferQueue {
	return &TransferQueue{db: s.db}
}

// Create inserts an open transfer request. transfer.ErrTransferOpen is
// returned when the conversation already has one.
func (q *TransferQueue) Create(ctx context.Context, req *transfer.Request) error {
	ctxJSON, err := json.Marshal(req.Context)
	if err != nil {
		return fmt.Errorf("failed to encode handoff context: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO transfers
			(id, conversation_id, tenant_id, reason, priority, detection_method,
			 trigger_phrase, context_json, status, assigned_agent, version,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ConversationID, req.TenantID, string(req.Reason),
		int(req.Priority), string(req.DetectionMethod),
		nullable(req.TriggerPhrase), string(ctxJSON), string(req.Status),
		nullable(req.AssignedAgent), req.Version, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return transfer.ErrTransferOpen
		}
		return fmt.Errorf("failed to create transfer: %w", err)
	}
	return nil
}

// Get returns the request by id, nil when it does not exist.
func (q *TransferQueue) Get(ctx context.Context, id string) (*transfer.Request, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, tenant_id, reason, priority, detection_method,
		       trigger_phrase, context_json, status, assigned_agent, version,
		       created_at, updated_at
		FROM transfers
		WHERE id = ?`, id)
	req, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return req, err
}

// Open lists open requests for a tenant, most urgent first, FIFO within a
// priority.
func (q *TransferQueue) Open(ctx context.Context, tenantID string, limit int) ([]*transfer.Request, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, conversation_id, tenant_id, reason, priority, detection_method,
		       trigger_phrase, context_json, status, assigned_agent, version,
		       created_at, updated_at
		FROM transfers
		WHERE tenant_id = ? AND status = 'open'
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open transfers: %w", err)
	}
	defer rows.Close()

	var out []*transfer.Request
	for rows.Next() {
		req, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// OpenFor returns the conversation's open request, nil when none exists.
func (q *TransferQueue) OpenFor(ctx context.Context, conversationID string) (*transfer.Request, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, tenant_id, reason, priority, detection_method,
		       trigger_phrase, context_json, status, assigned_agent, version,
		       created_at, updated_at
		FROM transfers
		WHERE conversation_id = ? AND status = 'open'`, conversationID)
	req, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return req, err
}

// Accept assigns the request to an agent. The caller passes the version it
// read; a stale version means another agent won and the caller gets
// transfer.ErrAlreadyAccepted.
func (q *TransferQueue) Accept(ctx context.Context, id, agent string, version int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE transfers
		SET status = 'accepted', assigned_agent = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = 'open' AND version = ?`,
		agent, time.Now().UTC(), id, version)
	if err != nil {
		return fmt.Errorf("failed to accept transfer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check accept result: %w", err)
	}
	if n == 0 {
		return transfer.ErrAlreadyAccepted
	}
	return nil
}

// Close marks the request closed once the agent finishes the conversation.
func (q *TransferQueue) Close(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE transfers
		SET status = 'closed', version = version + 1, updated_at = ?
		WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to close transfer: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*transfer.Request, error) {
	var (
		req      transfer.Request
		reason   string
		priority int
		method   string
		status   string
		trigger  sql.NullString
		agent    sql.NullString
		ctxJSON  string
	)
	err := row.Scan(&req.ID, &req.ConversationID, &req.TenantID, &reason,
		&priority, &method, &trigger, &ctxJSON, &status, &agent,
		&req.Version, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan transfer: %w", err)
	}
	req.Reason = transfer.Reason(reason)
	req.Priority = transfer.Priority(priority)
	req.DetectionMethod = intent.DetectionMethod(method)
	req.Status = transfer.Status(status)
	req.TriggerPhrase = trigger.String
	req.AssignedAgent = agent.String
	if err := json.Unmarshal([]byte(ctxJSON), &req.Context); err != nil {
		return nil, fmt.Errorf("failed to decode handoff context: %w", err)
	}
	return &req, nil
}

// isUniqueViolation matches the driver's constraint error text. modernc's
// sqlite driver does not export a typed error for this.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
