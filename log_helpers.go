package main

import (
	"github.com/google/uuid"
)

// maskToken masks a credential for logging, keeping only the last 4 chars.
// Example: "eyJhbGciOi...x9Qk" -> "***x9Qk"
func maskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return "***" + token[len(token)-4:]
}

// shortConv returns a truncated conversation ID for logging (first 8 chars).
// Example: "550e8400-e29b-41d4-a716-446655440000" -> "550e8400"
func shortConv(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		id = u.String()
	}
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
