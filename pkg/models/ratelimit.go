package models

import "time"

// RateLimitInfo is a point-in-time quota snapshot
type RateLimitInfo struct {
	Remaining            int       `json:"remaining"`
	ResetTime            time.Time `json:"resetTime"`
	RequestsInLastMinute int       `json:"requestsInLastMinute"`
	MaxRequestsPerMinute int       `json:"maxRequestsPerMinute"`
}

// Expired reports whether the window this snapshot describes has already reset
func (r RateLimitInfo) Expired(now time.Time) bool {
	return !now.Before(r.ResetTime)
}

// ItemMeta is the persistable metadata of a work item
type ItemMeta struct {
	ID         string `json:"id"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	RetryCount int    `json:"retryCount"`
}

// SnapshotVersion is the current persisted layout version
const SnapshotVersion = "1"

// QueueSnapshot is everything persisted about a queue; payloads are never included
type QueueSnapshot struct {
	Version       string         `json:"version"`
	SavedAt       time.Time      `json:"savedAt"`
	Items         []ItemMeta     `json:"items"`
	RateLimitInfo *RateLimitInfo `json:"rateLimitInfo,omitempty"`
	Statistics    Statistics     `json:"statistics"`
}
