package models

import (
	"time"

	"github.com/lib/pq"
)

// ContextType scopes a handshake record.
type ContextType string

const (
	ContextGlobal       ContextType = "global"
	ContextConversation ContextType = "conversation"
)

// Handshake cache windows; the smallest applicable window wins.
const (
	CacheReasonPerConversation = "per_conversation"
	CacheReasonPerSession      = "per_session"
	CacheReasonGlobalFallback  = "global_fallback"
	CacheReasonForce           = "force"
)

// HandshakeRecord is a persisted handshake (ghost log row) doubling as
// the cache backing for the synthesiser.
type HandshakeRecord struct {
	ID             string          `db:"id" json:"id"`
	PromptText     string          `db:"prompt_text" json:"promptText"`
	TopPhiMemories pq.StringArray  `db:"top_phi_memories" json:"topPhiMemories"`
	TopPhiValues   pq.Float64Array `db:"top_phi_values" json:"topPhiValues"`
	ConversationID *string         `db:"conversation_id" json:"conversationId,omitempty"`
	ContextType    ContextType     `db:"context_type" json:"contextType"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	ExpiresAt      *time.Time      `db:"expires_at" json:"expiresAt,omitempty"`
}

// Handshake is the API-facing view of a generated or cached handshake.
type Handshake struct {
	ID             string      `json:"id"`
	PromptText     string      `json:"promptText"`
	CreatedAt      time.Time   `json:"createdAt"`
	IsExisting     bool        `json:"isExisting"`
	CacheReason    string      `json:"cacheReason"`
	CacheWindow    string      `json:"cacheWindow"`
	CachedForMs    int64       `json:"cachedFor"`
	ConversationID *string     `json:"conversationId,omitempty"`
	ContextType    ContextType `json:"contextType"`
	TopPhiMemories []string    `json:"topPhiMemories"`
	TopPhiValues   []float64   `json:"topPhiValues"`
}
