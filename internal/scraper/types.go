// Package scraper defines the core types shared across the channel scraping subsystems.
package scraper

import "time"

// JobStatus represents the lifecycle state of a scrape or media job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusCancelled, JobStatusFailed},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// Terminal reports whether no further transition is allowed out of s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Active reports whether s counts against the one-job-per-channel rule.
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// CanTransition reports whether moving from s to next is allowed.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobKind selects the retrieval strategy.
type JobKind string

// Job kinds.
const (
	// JobKindFull walks backward from the newest item with no floor.
	JobKindFull JobKind = "full"
	// JobKindIncremental walks forward from the channel checkpoint.
	JobKindIncremental JobKind = "incremental"
	// JobKindMedia downloads a batch of pending media items.
	JobKindMedia JobKind = "media"
)

// Valid reports whether k is a known kind.
func (k JobKind) Valid() bool {
	return k == JobKindFull || k == JobKindIncremental || k == JobKindMedia
}

// JobOrigin records who created a job.
type JobOrigin string

// Job origins.
const (
	JobOriginUser      JobOrigin = "user"
	JobOriginScheduler JobOrigin = "scheduler"
)

// Job is one unit of retrieval work.
type Job struct {
	ID              string      `json:"id"`
	OwnerID         string      `json:"owner_id"`
	ChannelID       string      `json:"channel_id"`
	SessionID       string      `json:"session_id"`
	Kind            JobKind     `json:"kind"`
	Origin          JobOrigin   `json:"origin"`
	Status          JobStatus   `json:"status"`
	Progress        float64     `json:"progress_percent"`
	Counters        JobCounters `json:"counters"`
	Checkpoint      int64       `json:"checkpoint"`
	Limit           int         `json:"limit,omitempty"`
	ScrapeMedia     bool        `json:"scrape_media"`
	CancelRequested bool        `json:"cancel_requested"`
	Error           string      `json:"error,omitempty"`
	Created         time.Time   `json:"created_at"`
	Started         *time.Time  `json:"started_at,omitempty"`
	Finished        *time.Time  `json:"finished_at,omitempty"`
}

// JobCounters tracks per-job work totals.
type JobCounters struct {
	ItemsProcessed  int `json:"items_processed"`
	MediaQueued     int `json:"media_queued"`
	MediaDownloaded int `json:"media_downloaded"`
	MediaFailed     int `json:"media_failed"`
}

// JobProgress is the mutable part of a running job persisted at checkpoint boundaries.
type JobProgress struct {
	Progress   float64
	Counters   JobCounters
	Checkpoint int64
}

// JobFilter narrows ListJobs. A zero Limit returns every match.
type JobFilter struct {
	OwnerID   string
	ChannelID string
	Status    JobStatus
	Limit     int
	Offset    int
}

// Schedule is the recurring-scrape configuration of a channel.
type Schedule struct {
	Enabled   bool          `json:"enabled"`
	Interval  time.Duration `json:"interval"`
	LastRunAt *time.Time    `json:"last_run_at,omitempty"`
	NextRunAt *time.Time    `json:"next_run_at,omitempty"`
}

// Channel is a remote content source the system follows.
type Channel struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	SessionID    string    `json:"session_id"`
	RemoteID     int64     `json:"remote_id"`
	AccessHash   int64     `json:"-"`
	Username     string    `json:"username,omitempty"`
	Title        string    `json:"title"`
	LastRemoteID int64     `json:"last_remote_id"`
	MessageCount int       `json:"message_count"`
	MediaCount   int       `json:"media_count"`
	Schedule     Schedule  `json:"schedule"`
	Active       bool      `json:"active"`
	Created      time.Time `json:"created_at"`
}

// Message is one stored channel item, keyed by (ChannelID, RemoteID).
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	RemoteID  int64     `json:"remote_id"`
	Text      string    `json:"text"`
	Author    string    `json:"author,omitempty"`
	ReplyToID int64     `json:"reply_to_id,omitempty"`
	Views     int       `json:"views"`
	Forwards  int       `json:"forwards"`
	HasMedia  bool      `json:"has_media"`
	PostedAt  time.Time `json:"posted_at"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// MediaType classifies a binary attachment.
type MediaType string

// Media types.
const (
	MediaTypePhoto    MediaType = "photo"
	MediaTypeVideo    MediaType = "video"
	MediaTypeAudio    MediaType = "audio"
	MediaTypeDocument MediaType = "document"
	MediaTypeWebPage  MediaType = "webpage"
	MediaTypeOther    MediaType = "other"
)

// Downloadable reports whether items of type t carry a payload worth fetching.
func (t MediaType) Downloadable() bool {
	return t != "" && t != MediaTypeWebPage
}

// MediaStatus is the download state of a media item.
type MediaStatus string

// Media statuses.
const (
	MediaStatusPending     MediaStatus = "pending"
	MediaStatusDownloading MediaStatus = "downloading"
	MediaStatusCompleted   MediaStatus = "completed"
	MediaStatusFailed      MediaStatus = "failed"
)

// MediaItem is one binary attachment discovered during a scrape.
type MediaItem struct {
	ID              string      `json:"id"`
	MessageID       string      `json:"message_id"`
	ChannelID       string      `json:"channel_id"`
	MessageRemoteID int64       `json:"message_remote_id"`
	RemoteMediaID   int64       `json:"remote_media_id"`
	Type            MediaType   `json:"type"`
	MimeType        string      `json:"mime_type,omitempty"`
	FileName        string      `json:"file_name,omitempty"`
	Status          MediaStatus `json:"status"`
	Size            int64       `json:"size"`
	Location        string      `json:"location,omitempty"`
	Checksum        string      `json:"checksum,omitempty"`
	Attempts        int         `json:"attempts"`
	Error           string      `json:"error,omitempty"`
	Created         time.Time   `json:"created_at"`
	DownloadedAt    *time.Time  `json:"downloaded_at,omitempty"`
}

// Alert is a user-defined keyword rule.
type Alert struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	ChannelID     string     `json:"channel_id,omitempty"`
	Name          string     `json:"name"`
	Pattern       string     `json:"pattern"`
	Regex         bool       `json:"regex"`
	CaseSensitive bool       `json:"case_sensitive"`
	Active        bool       `json:"active"`
	Webhook       string     `json:"webhook_url,omitempty"`
	MatchCount    int        `json:"match_count"`
	LastMatchAt   *time.Time `json:"last_match_at,omitempty"`
	Created       time.Time  `json:"created_at"`
	Updated       time.Time  `json:"updated_at"`
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	OwnerID    string
	ChannelID  string
	ActiveOnly bool
}

// Match is a recorded hit of one alert against one message.
type Match struct {
	ID        string    `json:"id"`
	AlertID   string    `json:"alert_id"`
	MessageID string    `json:"message_id"`
	ChannelID string    `json:"channel_id"`
	Snippet   string    `json:"snippet"`
	Read      bool      `json:"read"`
	Created   time.Time `json:"created_at"`
}

// SessionState is the authentication state of an account session.
type SessionState string

// Session states.
const (
	SessionUnauthenticated  SessionState = "unauthenticated"
	SessionChallengeSent    SessionState = "challenge_sent"
	SessionPasswordRequired SessionState = "password_required"
	SessionAuthenticated    SessionState = "authenticated"
)

// Session identifies one external-platform account connection.
type Session struct {
	ID           string       `json:"id"`
	OwnerID      string       `json:"owner_id"`
	Name         string       `json:"name"`
	APIID        int          `json:"api_id"`
	APIHash      string       `json:"-"`
	Phone        string       `json:"phone,omitempty"`
	State        SessionState `json:"state"`
	Credential   []byte       `json:"-"`
	ChallengeID  string       `json:"-"`
	RemoteUserID int64        `json:"remote_user_id,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
	Created      time.Time    `json:"created_at"`
	Updated      time.Time    `json:"updated_at"`
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string  `json:"job_id"`
	Kind      JobKind `json:"kind"`
	Attempt   int     `json:"attempt"`
	Submitted int64   `json:"submitted"`
}
