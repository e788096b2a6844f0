package gemmie

import (
	"strings"
	"time"
)

// Job kinds carried in the dispatcher payload.
const (
	KindProcess  = "process"
	KindFollowUp = "follow-up"
	KindReact    = "react"
)

// UnknownCountry stands in for a missing or malformed country code.
const UnknownCountry = "xx"

// Media kinds accepted for multimodal input.
const (
	MediaImage = "image"
	MediaVideo = "video"
)

// Trigger is the user message that caused a job.
type Trigger struct {
	UserName    string `json:"userName"`
	UserMessage string `json:"userMessage"`
	UserCountry string `json:"userCountry"`
	SentAt      int64  `json:"sentAt"` // unix millis
	MessageID   string `json:"messageId,omitempty"`
	MediaURL    string `json:"mediaUrl,omitempty"`
	MediaType   string `json:"mediaType,omitempty"`
}

// HasContent reports whether the trigger carries anything to answer.
func (t Trigger) HasContent() bool {
	return strings.TrimSpace(t.UserMessage) != "" || t.MediaURL != ""
}

// Media returns the trigger's attachment when it is usable for generation.
func (t Trigger) Media() (MediaReference, bool) {
	if strings.TrimSpace(t.MediaURL) == "" {
		return MediaReference{}, false
	}
	kind := strings.ToLower(strings.TrimSpace(t.MediaType))
	switch {
	case kind == MediaImage || strings.HasPrefix(kind, "image/"):
		return MediaReference{URL: t.MediaURL, Kind: MediaImage}, true
	case kind == MediaVideo || strings.HasPrefix(kind, "video/"):
		return MediaReference{URL: t.MediaURL, Kind: MediaVideo}, true
	}
	return MediaReference{}, false
}

// NormalizeCountry returns a lowercase two letter code or UnknownCountry.
func NormalizeCountry(country string) string {
	c := strings.ToLower(strings.TrimSpace(country))
	if len(c) != 2 || c[0] < 'a' || c[0] > 'z' || c[1] < 'a' || c[1] > 'z' {
		return UnknownCountry
	}
	return c
}

// QueuedTrigger is a message waiting for the next response.
type QueuedTrigger struct {
	UserName    string `json:"userName"`
	UserMessage string `json:"userMessage"`
	UserCountry string `json:"userCountry"`
	EnqueuedAt  int64  `json:"enqueuedAt"` // unix seconds
	SentAt      int64  `json:"sentAt"`     // unix millis
	MessageID   string `json:"messageId,omitempty"`
	// JobID is the dispatcher job that originally carried this trigger.
	JobID string `json:"jobId,omitempty"`
}

// PendingJobRecord tracks the one outstanding dispatcher job.
type PendingJobRecord struct {
	JobID       string  `json:"jobId"`
	Kind        string  `json:"kind"`
	ScheduledAt int64   `json:"scheduledAt"` // unix millis
	Trigger     Trigger `json:"trigger"`
}

// MediaReference is the image or video selected for the current window.
type MediaReference struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

// JobPayload is the body the dispatcher POSTs to the process endpoint.
type JobPayload struct {
	Kind    string  `json:"kind"`
	Trigger Trigger `json:"trigger"`
}

// Job is one delivered process callback.
type Job struct {
	ID      string
	Payload JobPayload
}

// Line is one message of the burst being answered.
type Line struct {
	UserName  string
	Message   string
	Country   string
	MessageID string
	SentAt    int64 // unix millis
}

// Transcript is the generation context for one response.
type Transcript struct {
	Burst   []Line
	History []HistoryLine
	Media   *MediaReference
}

// HistoryLine is an already persisted message given as background.
type HistoryLine struct {
	MessageID string
	UserName  string
	Content   string
	Country   string
	IsGemmie  bool
	CreatedAt time.Time
}

// Candidate is a generated reply and its validation outcome.
type Candidate struct {
	Raw     string
	Cleaned string
	Valid   bool
	Reason  string
	Stage   string
}
