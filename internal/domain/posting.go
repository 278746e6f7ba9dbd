package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// PostingStatus is the orchestrator-owned lifecycle marker of a posting.
type PostingStatus string

const (
	PostingNew      PostingStatus = "new"
	PostingSkipped  PostingStatus = "skipped"
	PostingDeferred PostingStatus = "deferred"
	PostingApplied  PostingStatus = "applied"
	PostingReview   PostingStatus = "review"
	PostingArchived PostingStatus = "archived"
)

// Posting is a discovered job listing. (SourceSite, ExternalID) is its identity.
type Posting struct {
	ID              int64         `json:"id"`
	SourceSite      string        `json:"sourceSite"`
	ExternalID      string        `json:"externalId"`
	URL             string        `json:"url"`
	Title           string        `json:"title"`
	Company         string        `json:"company"`
	DescriptionText string        `json:"descriptionText"`
	DiscoveredAt    time.Time     `json:"discoveredAt"`
	Fingerprint     string        `json:"fingerprint"`
	Status          PostingStatus `json:"status"`
	LastScore       int           `json:"lastScore"`
	Note            string        `json:"note,omitempty"`
	DeferredUntil   *time.Time    `json:"deferredUntil,omitempty"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// Key returns the dedup identity used in logs and events.
func (p Posting) Key() string {
	return p.SourceSite + ":" + p.ExternalID
}

// ContentFingerprint hashes the normalized description text. Whitespace-only
// differences do not change the fingerprint.
func ContentFingerprint(description string) string {
	norm := strings.Join(strings.Fields(description), " ")
	h := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(h[:])
}
