package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ozgurkan/chatgate/pkg/protocol"
)

const approvalPollInterval = 500 * time.Millisecond

// DefaultApprovalTTL bounds how long a pending approval waits for a
// decision.
const DefaultApprovalTTL = 300 * time.Second

// ApprovalStore is the persistence surface the approval service needs;
// *store.Store satisfies it.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, approval *protocol.Approval) (*protocol.Approval, error)
	GetApproval(ctx context.Context, id string) (*protocol.Approval, error)
	DecideApproval(ctx context.Context, id string, reviewerID int64, approved bool, reason string) (*protocol.Approval, error)
	MarkApprovalExecuted(ctx context.Context, id string, result []byte, execErr string, duration time.Duration) (*protocol.Approval, error)
	ListPendingApprovals(ctx context.Context, userID int64) ([]protocol.Approval, error)
}

// ApprovalService gates tool execution behind explicit user decisions.
type ApprovalService struct {
	store ApprovalStore
	ttl   time.Duration
	poll  time.Duration
}

// NewApprovalService wires the service to its store. A non-positive ttl
// falls back to DefaultApprovalTTL.
func NewApprovalService(store ApprovalStore, ttl time.Duration) *ApprovalService {
	if ttl <= 0 {
		ttl = DefaultApprovalTTL
	}
	return &ApprovalService{store: store, ttl: ttl, poll: approvalPollInterval}
}

// TTL returns the configured approval lifetime.
func (s *ApprovalService) TTL() time.Duration {
	return s.ttl
}

// Request records a pending approval for a tool call and returns it.
func (s *ApprovalService) Request(ctx context.Context, toolName string, args json.RawMessage, userID int64, conversationID string) (*protocol.Approval, error) {
	now := time.Now().UTC()
	return s.store.CreateApproval(ctx, &protocol.Approval{
		ToolName:       toolName,
		Arguments:      args,
		UserID:         userID,
		ConversationID: conversationID,
		RequestedAt:    now,
		ExpiresAt:      now.Add(s.ttl),
	})
}

// Decide resolves a pending approval. Deciding twice, or after expiry,
// fails with conflict.
func (s *ApprovalService) Decide(ctx context.Context, id string, reviewerID int64, approved bool, reason string) (*protocol.Approval, error) {
	return s.store.DecideApproval(ctx, id, reviewerID, approved, reason)
}

// Get returns one approval, applying lazy expiry.
func (s *ApprovalService) Get(ctx context.Context, id string) (*protocol.Approval, error) {
	return s.store.GetApproval(ctx, id)
}

// Check reports the decision: true approved, false rejected or expired,
// nil still pending.
func (s *ApprovalService) Check(ctx context.Context, id string) (*bool, error) {
	approval, err := s.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}

	switch approval.Status {
	case protocol.ApprovalPending:
		return nil, nil
	case protocol.ApprovalApproved, protocol.ApprovalExecuted:
		decided := true
		return &decided, nil
	default:
		decided := false
		return &decided, nil
	}
}

// Wait polls until the approval leaves pending or the timeout elapses,
// and returns the final status. Cancelling ctx stops the wait promptly.
func (s *ApprovalService) Wait(ctx context.Context, id string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = s.ttl
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		approval, err := s.store.GetApproval(ctx, id)
		if err != nil {
			return "", err
		}
		if approval.Status != protocol.ApprovalPending {
			return approval.Status, nil
		}

		select {
		case <-ctx.Done():
			return "", protocol.WrapError(protocol.KindToolError, "approval wait abandoned", ctx.Err())
		case <-ticker.C:
		}
	}
}

// ListPending returns the user's pending approvals, oldest first.
func (s *ApprovalService) ListPending(ctx context.Context, userID int64) ([]protocol.Approval, error) {
	return s.store.ListPendingApprovals(ctx, userID)
}
