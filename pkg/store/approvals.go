package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/ozgurkan/chatgate/pkg/protocol"
)

// CreateApproval inserts a pending approval row.
func (s *Store) CreateApproval(ctx context.Context, approval *protocol.Approval) (*protocol.Approval, error) {
	if approval.ID == "" {
		approval.ID = uuid.NewString()
	}
	approval.Status = protocol.ApprovalPending
	if approval.RequestedAt.IsZero() {
		approval.RequestedAt = time.Now().UTC()
	}

	insert := s.rebind(`
INSERT INTO approvals (id, tool_name, arguments, user_id, conversation_id, status, requested_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	err := s.withRetry(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, insert,
			approval.ID, approval.ToolName, string(approval.Arguments),
			approval.UserID, approval.ConversationID, approval.Status,
			approval.RequestedAt, approval.ExpiresAt,
		)
		return execErr
	})
	if err != nil {
		return nil, classify(err, "approval not found")
	}
	return approval, nil
}

// GetApproval loads one approval. A pending approval past its expiry is
// flipped to expired before returning (lazy expiry).
func (s *Store) GetApproval(ctx context.Context, id string) (*protocol.Approval, error) {
	approval, err := s.readApproval(ctx, id)
	if err != nil {
		return nil, err
	}

	if approval.Status == protocol.ApprovalPending && time.Now().After(approval.ExpiresAt) {
		if err := s.transitionStatus(ctx, id, protocol.ApprovalPending, protocol.ApprovalExpired); err == nil {
			approval.Status = protocol.ApprovalExpired
		} else if !protocol.IsKind(err, protocol.KindConflict) {
			return nil, err
		} else {
			// Lost the race to another transition; re-read the winner.
			return s.readApproval(ctx, id)
		}
	}
	return approval, nil
}

func (s *Store) readApproval(ctx context.Context, id string) (*protocol.Approval, error) {
	query := s.rebind(`
SELECT id, tool_name, arguments, user_id, conversation_id, status, requested_at, expires_at,
       reviewer_id, reviewed_at, review_reason, result, execution_error, duration_ms
FROM approvals WHERE id = ?`)

	var a protocol.Approval
	var arguments string
	var reviewerID, durationMS sql.NullInt64
	var reviewedAt sql.NullTime
	var reviewReason, result, executionError sql.NullString

	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, query, id).Scan(
			&a.ID, &a.ToolName, &arguments, &a.UserID, &a.ConversationID,
			&a.Status, &a.RequestedAt, &a.ExpiresAt,
			&reviewerID, &reviewedAt, &reviewReason, &result, &executionError, &durationMS,
		)
	})
	if err != nil {
		return nil, classify(err, "approval not found")
	}

	a.Arguments = []byte(arguments)
	a.ReviewerID = reviewerID.Int64
	if reviewedAt.Valid {
		t := reviewedAt.Time
		a.ReviewedAt = &t
	}
	a.ReviewReason = reviewReason.String
	if result.Valid && result.String != "" {
		a.Result = []byte(result.String)
	}
	a.ExecutionError = executionError.String
	a.DurationMS = durationMS.Int64
	return &a, nil
}

// transitionStatus moves id from one status to another atomically; any other
// current status yields conflict.
func (s *Store) transitionStatus(ctx context.Context, id, from, to string) error {
	update := s.rebind(`UPDATE approvals SET status = ? WHERE id = ? AND status = ?`)

	var affected int64
	err := s.withRetry(ctx, func() error {
		res, execErr := s.db.ExecContext(ctx, update, to, id, from)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return classify(err, "approval not found")
	}
	if affected == 0 {
		return protocol.Errorf(protocol.KindConflict, "approval %s is not %s", id, from)
	}
	return nil
}

// DecideApproval transitions pending → approved/rejected. Deciding a
// resolved or expired approval yields conflict.
func (s *Store) DecideApproval(ctx context.Context, id string, reviewerID int64, approved bool, reason string) (*protocol.Approval, error) {
	approval, err := s.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if approval.Status != protocol.ApprovalPending {
		return nil, protocol.Errorf(protocol.KindConflict, "approval %s already %s", id, approval.Status)
	}

	to := protocol.ApprovalRejected
	if approved {
		to = protocol.ApprovalApproved
	}

	update := s.rebind(`
UPDATE approvals SET status = ?, reviewer_id = ?, reviewed_at = ?, review_reason = ?
WHERE id = ? AND status = ?`)

	now := time.Now().UTC()
	var affected int64
	err = s.withRetry(ctx, func() error {
		res, execErr := s.db.ExecContext(ctx, update, to, reviewerID, now, reason, id, protocol.ApprovalPending)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return nil, classify(err, "approval not found")
	}
	if affected == 0 {
		return nil, protocol.Errorf(protocol.KindConflict, "approval %s already resolved", id)
	}

	return s.readApproval(ctx, id)
}

// MarkApprovalExecuted records the outcome of the gated call. Only approved
// approvals can transition to executed.
func (s *Store) MarkApprovalExecuted(ctx context.Context, id string, result []byte, execErr string, duration time.Duration) (*protocol.Approval, error) {
	update := s.rebind(`
UPDATE approvals SET status = ?, result = ?, execution_error = ?, duration_ms = ?
WHERE id = ? AND status = ?`)

	var affected int64
	err := s.withRetry(ctx, func() error {
		res, updateErr := s.db.ExecContext(ctx, update,
			protocol.ApprovalExecuted, string(result), execErr, duration.Milliseconds(),
			id, protocol.ApprovalApproved,
		)
		if updateErr != nil {
			return updateErr
		}
		affected, updateErr = res.RowsAffected()
		return updateErr
	})
	if err != nil {
		return nil, classify(err, "approval not found")
	}
	if affected == 0 {
		return nil, protocol.Errorf(protocol.KindConflict, "approval %s is not approved", id)
	}

	return s.readApproval(ctx, id)
}

// ListPendingApprovals returns the user's pending approvals, oldest first.
// Lazy expiry applies: rows past expires_at are flipped and skipped.
func (s *Store) ListPendingApprovals(ctx context.Context, userID int64) ([]protocol.Approval, error) {
	query := s.rebind(`
SELECT id FROM approvals WHERE user_id = ? AND status = ? ORDER BY requested_at ASC`)

	var ids []string
	err := s.withRetry(ctx, func() error {
		rows, queryErr := s.db.QueryContext(ctx, query, userID, protocol.ApprovalPending)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		ids = ids[:0]
		for rows.Next() {
			var id string
			if scanErr := rows.Scan(&id); scanErr != nil {
				return scanErr
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, classify(err, "approval not found")
	}

	approvals := make([]protocol.Approval, 0, len(ids))
	for _, id := range ids {
		approval, getErr := s.GetApproval(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if approval.Status == protocol.ApprovalPending {
			approvals = append(approvals, *approval)
		}
	}
	return approvals, nil
}
