// Package platform defines the abstract messaging-platform client consumed by the scraper.
//
// Rate limiting is a result variant, not an error: FetchHistory and FetchMedia return a
// Result whose Status tells the caller to use the page, pause for Wait, or give up with Err.
package platform

import (
	"context"
	"io"
	"time"

	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// Status is the outcome class of a platform call.
type Status int

// Result statuses.
const (
	StatusOK Status = iota
	StatusRateLimited
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRateLimited:
		return "rate_limited"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Account carries what a client needs to speak for one session.
type Account struct {
	SessionID string
	APIID     int
	APIHash   string
	// State is the decrypted connection state produced by the auth flow.
	State []byte
}

// Peer addresses a remote channel.
type Peer struct {
	ID         int64
	AccessHash int64
	Username   string
}

// Direction selects the paging order.
type Direction int

// Paging directions.
const (
	// Backward returns items older than Cursor, newest first. A zero Cursor starts at the newest item.
	Backward Direction = iota
	// Forward returns items newer than Cursor, oldest first.
	Forward
)

// HistoryRequest asks for one page of channel history.
type HistoryRequest struct {
	Peer      Peer
	Direction Direction
	Cursor    int64
	Limit     int
	// WantNewest asks the client to report the newest remote id in Page.Newest.
	WantNewest bool
}

// Media describes an attachment of a history item.
type Media struct {
	ID       int64
	Type     scraper.MediaType
	MimeType string
	FileName string
	Size     int64
}

// Item is one normalized history entry.
type Item struct {
	ID       int64
	Date     time.Time
	Text     string
	Author   string
	ReplyTo  int64
	Views    int
	Forwards int
	Media    *Media
}

// Page is one batch of history.
type Page struct {
	Items []Item
	// Newest is the newest remote id in the channel when requested, else zero.
	Newest int64
	// Done reports that no items remain in the requested direction.
	Done bool
}

// Result is the typed outcome of a platform call.
type Result struct {
	Status Status
	Page   Page
	Wait   time.Duration
	Err    error
}

// OK wraps a successful page.
func OK(page Page) Result { return Result{Status: StatusOK, Page: page} }

// RateLimited asks the caller to pause for wait.
func RateLimited(wait time.Duration) Result { return Result{Status: StatusRateLimited, Wait: wait} }

// Failed wraps a non-pause failure.
func Failed(err error) Result { return Result{Status: StatusFailed, Err: err} }

// MediaRequest addresses one attachment.
type MediaRequest struct {
	Peer      Peer
	MessageID int64
	MediaID   int64
}

// Client retrieves history and media.
type Client interface {
	FetchHistory(ctx context.Context, acct Account, req HistoryRequest) Result
	FetchMedia(ctx context.Context, acct Account, req MediaRequest, w io.Writer) Result
}

// Challenge is issued after a phone number is submitted.
type Challenge struct {
	ID      string
	State   []byte
	Timeout time.Duration
}

// Verification is the outcome of a code or password submission.
type Verification struct {
	State            []byte
	PasswordRequired bool
	UserID           int64
}

// Authenticator drives the platform side of the multi-step login.
type Authenticator interface {
	SendChallenge(ctx context.Context, acct Account, phone string) (Challenge, error)
	Verify(ctx context.Context, acct Account, phone, challengeID, code string) (Verification, error)
	VerifyPassword(ctx context.Context, acct Account, password string) (Verification, error)
}
