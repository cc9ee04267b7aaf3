// internal/models/cache.go
package models

import "time"

// CacheEntry is a previously computed answer for a normalized question.
type CacheEntry struct {
	Key            NormalizedQuestion `json:"key"`
	Answer         string             `json:"resposta"`
	CreatedAt      time.Time          `json:"created_at"`
	ExpiresAt      time.Time          `json:"expires_at"`
	HitCount       int                `json:"hit_count"`
	ResponseTimeMs int                `json:"tempo_resposta_ms"`
	TokensUsed     int                `json:"tokens_usados"`
}

// Expired reports whether the entry must no longer be served at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
