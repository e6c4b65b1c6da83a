package backend

import "time"

// Sector is a knowledge area documents and chats are scoped to
type Sector struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitzero"`
}

// CreateSectorRequest is the body of POST /sectors
type CreateSectorRequest struct {
	Name        string `json:"name" binding:"required,min=1,max=100"`
	Description string `json:"description,omitempty" binding:"max=500"`
}

// ChatRequest is the body of POST /chat
type ChatRequest struct {
	Message        string  `json:"message"`
	ConversationID *string `json:"conversationId"`
	SectorID       string  `json:"sectorId"`
}

// Source is a passage the answer was grounded on
type Source struct {
	DocumentID string  `json:"documentId"`
	Title      string  `json:"title,omitempty"`
	Snippet    string  `json:"snippet,omitempty"`
	Score      float64 `json:"score,omitempty"`
}

// ChatResponse is the assistant answer
type ChatResponse struct {
	Answer         string   `json:"answer"`
	ConversationID string   `json:"conversationId"`
	Sources        []Source `json:"sources"`
}

// Document is an uploaded file known to the backend
type Document struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	SectorID    string    `json:"sectorId"`
	ContentType string    `json:"contentType,omitempty"`
	Size        int64     `json:"size,omitempty"`
	Status      string    `json:"status,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitzero"`
}

// InviteRequest is the body of POST /users/invite
type InviteRequest struct {
	Email    string `json:"email"`
	Role     string `json:"role"`
	SectorID string `json:"sectorId,omitempty"`
}

// Invitation is the backend's record of a sent invite
type Invitation struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Status string `json:"status,omitempty"`
}

type unreadCount struct {
	Count int `json:"count"`
}
