package store

import (
	"context"

	"github.com/tmc/langchaingo/llms"
)

// Chat roles stored in the messages table.
const (
	RoleHuman  = "human"
	RoleAI     = "ai"
	RoleSystem = "system"
)

func (s *Store) AddMessage(ctx context.Context, chatID, role, content string) error {
	query := `INSERT INTO messages (chat_id, role, content) VALUES (?, ?, ?)`
	_, err := s.DB.ExecContext(ctx, query, chatID, role, content)
	return err
}

// GetHistory returns the last limit messages of a chat, oldest first.
func (s *Store) GetHistory(ctx context.Context, chatID string, limit int) ([]llms.MessageContent, error) {
	query := `SELECT role, content FROM messages WHERE chat_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := s.DB.QueryContext(ctx, query, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []llms.MessageContent
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, err
		}

		var msgRole llms.ChatMessageType
		switch role {
		case RoleAI:
			msgRole = llms.ChatMessageTypeAI
		case RoleSystem:
			msgRole = llms.ChatMessageTypeSystem
		default:
			msgRole = llms.ChatMessageTypeHuman
		}

		history = append(history, llms.MessageContent{
			Role:  msgRole,
			Parts: []llms.ContentPart{llms.TextPart(content)},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}
