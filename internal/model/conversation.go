package model

import (
	"time"
)

// Persona is an AI chat profile a user can converse with.
type Persona struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsActive    bool   `json:"is_active"`
	IsPublic    bool   `json:"is_public"`
}

// PersonaPage is one page of the persona listing.
type PersonaPage struct {
	Items []Persona
	Total int
	Page  int
	Limit int
}

// Conversation is the persistent thread binding one user to one persona.
type Conversation struct {
	ID        string    `json:"id"`
	PersonaID string    `json:"persona_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// User is the authenticated account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

// IsAdmin reports whether the user holds the admin role.
func (u User) IsAdmin() bool {
	return u.Role == "admin"
}

// DisplayName prefers the full name over the username.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}
