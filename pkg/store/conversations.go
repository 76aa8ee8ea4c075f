package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ozgurkan/chatgate/pkg/protocol"
)

func marshalData(data map[string]interface{}) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data bag: %w", err)
	}
	return string(raw), nil
}

func unmarshalData(raw string) map[string]interface{} {
	if raw == "" || raw == "{}" {
		return nil
	}
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil
	}
	return data
}

// CreateConversation persists a new conversation. An unknown owner id is
// reported as not_found.
func (s *Store) CreateConversation(ctx context.Context, conv *protocol.Conversation) (*protocol.Conversation, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Status == "" {
		conv.Status = protocol.ConversationActive
	}
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	dataJSON, err := marshalData(conv.Data)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindValidation, "invalid data bag", err)
	}

	if _, err := s.GetUser(ctx, conv.UserID); err != nil {
		if protocol.IsKind(err, protocol.KindNotFound) {
			return nil, protocol.Errorf(protocol.KindNotFound, "owner %d does not exist", conv.UserID)
		}
		return nil, err
	}

	insert := s.rebind(`
INSERT INTO conversations (id, user_id, title, status, model_name, system_prompt, data, total_tokens, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	err = s.withRetry(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, insert,
			conv.ID, conv.UserID, conv.Title, conv.Status, conv.ModelName,
			conv.SystemPrompt, dataJSON, conv.TotalTokens, now, now,
		)
		return execErr
	})
	if err != nil {
		return nil, classify(err, "conversation not found")
	}
	return conv, nil
}

// GetConversation returns the conversation with all messages eagerly loaded.
func (s *Store) GetConversation(ctx context.Context, id string) (*protocol.Conversation, error) {
	query := s.rebind(`
SELECT id, user_id, title, status, model_name, system_prompt, data, total_tokens, created_at, updated_at
FROM conversations WHERE id = ?`)

	var conv protocol.Conversation
	var modelName, systemPrompt, dataJSON sql.NullString

	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, query, id).Scan(
			&conv.ID, &conv.UserID, &conv.Title, &conv.Status,
			&modelName, &systemPrompt, &dataJSON, &conv.TotalTokens,
			&conv.CreatedAt, &conv.UpdatedAt,
		)
	})
	if err != nil {
		return nil, classify(err, "conversation not found")
	}

	conv.ModelName = modelName.String
	conv.SystemPrompt = systemPrompt.String
	conv.Data = unmarshalData(dataJSON.String)

	messages, err := s.ListMessages(ctx, id, 0, 0)
	if err != nil {
		return nil, err
	}
	conv.Messages = messages
	return &conv, nil
}

// ListConversationsByUser returns the user's non-deleted conversations,
// most recently updated first. status narrows to one non-deleted state.
func (s *Store) ListConversationsByUser(ctx context.Context, userID int64, limit, offset int, status string) ([]protocol.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
SELECT id, user_id, title, status, model_name, system_prompt, data, total_tokens, created_at, updated_at
FROM conversations WHERE user_id = ? AND status != ?`
	args := []interface{}{userID, protocol.ConversationDeleted}

	if status != "" && status != protocol.ConversationDeleted {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var conversations []protocol.Conversation
	err := s.withRetry(ctx, func() error {
		rows, queryErr := s.db.QueryContext(ctx, s.rebind(query), args...)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		conversations = conversations[:0]
		for rows.Next() {
			var conv protocol.Conversation
			var modelName, systemPrompt, dataJSON sql.NullString
			if scanErr := rows.Scan(
				&conv.ID, &conv.UserID, &conv.Title, &conv.Status,
				&modelName, &systemPrompt, &dataJSON, &conv.TotalTokens,
				&conv.CreatedAt, &conv.UpdatedAt,
			); scanErr != nil {
				return scanErr
			}
			conv.ModelName = modelName.String
			conv.SystemPrompt = systemPrompt.String
			conv.Data = unmarshalData(dataJSON.String)
			conversations = append(conversations, conv)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, classify(err, "conversation not found")
	}
	return conversations, nil
}

// UpdateConversation replaces the mutable fields and returns the persisted
// form.
func (s *Store) UpdateConversation(ctx context.Context, conv *protocol.Conversation) (*protocol.Conversation, error) {
	if !protocol.ValidStatus(conv.Status) {
		return nil, protocol.Errorf(protocol.KindValidation, "invalid status %q", conv.Status)
	}
	dataJSON, err := marshalData(conv.Data)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindValidation, "invalid data bag", err)
	}

	update := s.rebind(`
UPDATE conversations
SET title = ?, status = ?, model_name = ?, system_prompt = ?, data = ?, updated_at = ?
WHERE id = ?`)

	now := time.Now().UTC()
	var affected int64
	err = s.withRetry(ctx, func() error {
		res, execErr := s.db.ExecContext(ctx, update,
			conv.Title, conv.Status, conv.ModelName, conv.SystemPrompt, dataJSON, now, conv.ID,
		)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return nil, classify(err, "conversation not found")
	}
	if affected == 0 {
		return nil, protocol.Errorf(protocol.KindNotFound, "conversation %s not found", conv.ID)
	}

	return s.GetConversation(ctx, conv.ID)
}

// DeleteConversation soft-deletes by default; hard deletion removes the row
// and cascades to its messages. Returns whether the row existed.
func (s *Store) DeleteConversation(ctx context.Context, id string, hard bool) (bool, error) {
	var affected int64
	err := s.withRetry(ctx, func() error {
		if !hard {
			soft := s.rebind(`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`)
			res, execErr := s.db.ExecContext(ctx, soft, protocol.ConversationDeleted, time.Now().UTC(), id)
			if execErr != nil {
				return execErr
			}
			affected, execErr = res.RowsAffected()
			return execErr
		}

		// Messages and the conversation row go in one transaction; sqlite
		// needs the cascade done by hand unless foreign_keys is on.
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		if _, txErr = tx.ExecContext(ctx, s.rebind(`DELETE FROM messages WHERE conversation_id = ?`), id); txErr != nil {
			return txErr
		}
		res, txErr := tx.ExecContext(ctx, s.rebind(`DELETE FROM conversations WHERE id = ?`), id)
		if txErr != nil {
			return txErr
		}
		if affected, txErr = res.RowsAffected(); txErr != nil {
			return txErr
		}
		return tx.Commit()
	})
	if err != nil {
		return false, classify(err, "conversation not found")
	}
	return affected > 0, nil
}

// AddMessage appends a message and atomically bumps the conversation's
// total-token counter and updated-at. Concurrent adds to one conversation
// serialise on the conversation row.
func (s *Store) AddMessage(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if !protocol.ValidRole(msg.Role) {
		return nil, protocol.Errorf(protocol.KindValidation, "invalid role %q", msg.Role)
	}
	now := time.Now().UTC()
	msg.CreatedAt = now

	dataJSON, err := marshalData(msg.Data)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindValidation, "invalid data bag", err)
	}

	err = s.withRetry(ctx, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		// Lock the parent row first so token accounting is serialised.
		bump := s.rebind(`
UPDATE conversations SET total_tokens = total_tokens + ?, updated_at = ? WHERE id = ?`)
		res, txErr := tx.ExecContext(ctx, bump, msg.TokenCount, now, msg.ConversationID)
		if txErr != nil {
			return txErr
		}
		affected, txErr := res.RowsAffected()
		if txErr != nil {
			return txErr
		}
		if affected == 0 {
			return sql.ErrNoRows
		}

		var seq int64
		next := s.rebind(`SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM messages WHERE conversation_id = ?`)
		if txErr = tx.QueryRowContext(ctx, next, msg.ConversationID).Scan(&seq); txErr != nil {
			return txErr
		}

		insert := s.rebind(`
INSERT INTO messages (id, conversation_id, role, content, raw_content, token_count, data, sequence_num, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if _, txErr = tx.ExecContext(ctx, insert,
			msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.RawContent,
			msg.TokenCount, dataJSON, seq, now,
		); txErr != nil {
			return txErr
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, classify(err, "conversation not found")
	}
	return msg, nil
}

// ListMessages returns messages in creation order. limit <= 0 means all.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]protocol.Message, error) {
	query := `
SELECT id, conversation_id, role, content, raw_content, token_count, data, created_at
FROM messages WHERE conversation_id = ? ORDER BY sequence_num ASC`
	args := []interface{}{conversationID}

	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	var messages []protocol.Message
	err := s.withRetry(ctx, func() error {
		rows, queryErr := s.db.QueryContext(ctx, s.rebind(query), args...)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		messages = messages[:0]
		for rows.Next() {
			var msg protocol.Message
			var rawContent, dataJSON sql.NullString
			if scanErr := rows.Scan(
				&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
				&rawContent, &msg.TokenCount, &dataJSON, &msg.CreatedAt,
			); scanErr != nil {
				return scanErr
			}
			msg.RawContent = rawContent.String
			msg.Data = unmarshalData(dataJSON.String)
			messages = append(messages, msg)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, classify(err, "conversation not found")
	}
	return messages, nil
}

// SearchConversations matches query case-insensitively against conversation
// titles and message content, scoped to the user's non-deleted conversations.
func (s *Store) SearchConversations(ctx context.Context, userID int64, query string, limit int) ([]protocol.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + strings.ToLower(query) + "%"

	search := s.rebind(`
SELECT DISTINCT c.id, c.user_id, c.title, c.status, c.model_name, c.system_prompt, c.data, c.total_tokens, c.created_at, c.updated_at
FROM conversations c
LEFT JOIN messages m ON m.conversation_id = c.id
WHERE c.user_id = ? AND c.status != ?
  AND (LOWER(c.title) LIKE ? OR LOWER(m.content) LIKE ?)
ORDER BY c.updated_at DESC
LIMIT ?`)

	var conversations []protocol.Conversation
	err := s.withRetry(ctx, func() error {
		rows, queryErr := s.db.QueryContext(ctx, search,
			userID, protocol.ConversationDeleted, pattern, pattern, limit)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		conversations = conversations[:0]
		for rows.Next() {
			var conv protocol.Conversation
			var modelName, systemPrompt, dataJSON sql.NullString
			if scanErr := rows.Scan(
				&conv.ID, &conv.UserID, &conv.Title, &conv.Status,
				&modelName, &systemPrompt, &dataJSON, &conv.TotalTokens,
				&conv.CreatedAt, &conv.UpdatedAt,
			); scanErr != nil {
				return scanErr
			}
			conv.ModelName = modelName.String
			conv.SystemPrompt = systemPrompt.String
			conv.Data = unmarshalData(dataJSON.String)
			conversations = append(conversations, conv)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, classify(err, "conversation not found")
	}
	return conversations, nil
}
