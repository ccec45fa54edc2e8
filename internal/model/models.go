package model

import "time"

// Message roles stored in chat_messages.role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatSession groups messages into one conversation. Sessions are created
// lazily on first submission (get-or-create by session_id).
type ChatSession struct {
	ID        int64     `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"sessionId"`
	UserID    int64     `db:"user_id" json:"userId"`
	Title     string    `db:"title" json:"title"`
	Model     string    `db:"model" json:"model"`
	CreatedAt time.Time `db:"created_at" json:"createTime"`
	UpdatedAt time.Time `db:"updated_at" json:"updateTime"`
}

// ChatMessage is a single persisted chat turn. RequestID carries the
// idempotency key: the user turn stores the submission request_id verbatim,
// the assistant turn stores the derived "<request_id>:assistant" key, and the
// unique index on (session_id, request_id) makes duplicate inserts no-ops.
// A nil RequestID opts the row out of idempotent deduplication entirely.
type ChatMessage struct {
	ID               int64     `db:"id" json:"id"`
	SessionID        string    `db:"session_id" json:"sessionId"`
	UserID           int64     `db:"user_id" json:"userId"`
	Role             string    `db:"role" json:"role"`
	Content          string    `db:"content" json:"content"`
	Model            string    `db:"model" json:"model"`
	RequestID        *string   `db:"request_id" json:"requestId,omitempty"`
	PromptTokens     int       `db:"prompt_tokens" json:"promptTokens"`
	CompletionTokens int       `db:"completion_tokens" json:"completionTokens"`
	TotalTokens      int       `db:"total_tokens" json:"totalTokens"`
	CreatedAt        time.Time `db:"created_at" json:"createTime"`
}

// TokenUsageStats is the per-(user, model, day) usage accumulator. It is only
// ever advanced through an atomic upsert and only for assistant messages that
// were newly inserted, which is what keeps redeliveries from double counting.
type TokenUsageStats struct {
	ID               int64     `db:"id" json:"id"`
	UserID           int64     `db:"user_id" json:"userId"`
	Model            string    `db:"model" json:"model"`
	UsageDate        time.Time `db:"usage_date" json:"date"`
	TotalRequests    int64     `db:"total_requests" json:"totalRequests"`
	PromptTokens     int64     `db:"prompt_tokens" json:"promptTokens"`
	CompletionTokens int64     `db:"completion_tokens" json:"completionTokens"`
	TotalTokens      int64     `db:"total_tokens" json:"totalTokens"`
	CreatedAt        time.Time `db:"created_at" json:"createTime"`
	UpdatedAt        time.Time `db:"updated_at" json:"updateTime"`
}

// Identity is the outcome of verifying a caller token. Valid=false with a nil
// error means the token was checked and rejected; an error means the check
// itself could not be performed.
type Identity struct {
	UserID int64
	Valid  bool
}
