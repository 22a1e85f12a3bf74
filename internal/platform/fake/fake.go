// Package fake provides a scripted in-memory platform client for development and tests.
package fake

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/channel-scraper/internal/platform"
	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// Step scripts one call outcome. A positive Wait yields RateLimited, otherwise Err yields Failed.
type Step struct {
	Wait time.Duration
	Err  error
}

func (s Step) result() platform.Result {
	if s.Wait > 0 {
		return platform.RateLimited(s.Wait)
	}
	return platform.Failed(s.Err)
}

// Client serves history from memory and replays scripted failures.
type Client struct {
	// Code is the challenge code Verify accepts.
	Code string
	// Password, when set, makes Verify require a second factor.
	Password string

	mu           sync.Mutex
	channels     map[int64][]platform.Item
	payloads     map[int64][]byte
	historySteps map[int]Step
	mediaSteps   map[int64][]Step
	calls        []platform.HistoryRequest
	mediaCalls   map[int64]int
}

// New returns an empty client accepting code "12345".
func New() *Client {
	return &Client{
		Code:         "12345",
		channels:     make(map[int64][]platform.Item),
		payloads:     make(map[int64][]byte),
		historySteps: make(map[int]Step),
		mediaSteps:   make(map[int64][]Step),
		mediaCalls:   make(map[int64]int),
	}
}

// AddItems appends items to a channel's history.
func (c *Client) AddItems(channelID int64, items ...platform.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := append(c.channels[channelID], items...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })
	c.channels[channelID] = merged
}

// AddPayload registers the bytes served for a media id.
func (c *Client) AddPayload(mediaID int64, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads[mediaID] = payload
}

// ScriptHistoryCall makes the n-th FetchHistory call (1-based) return step instead of a page.
func (c *Client) ScriptHistoryCall(n int, step Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.historySteps[n] = step
}

// ScriptMedia queues outcomes returned by successive FetchMedia calls for mediaID.
func (c *Client) ScriptMedia(mediaID int64, steps ...Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mediaSteps[mediaID] = append(c.mediaSteps[mediaID], steps...)
}

// HistoryCalls returns every history request seen so far.
func (c *Client) HistoryCalls() []platform.HistoryRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]platform.HistoryRequest(nil), c.calls...)
}

// MediaCalls returns how many times mediaID was fetched.
func (c *Client) MediaCalls(mediaID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mediaCalls[mediaID]
}

// FetchHistory implements platform.Client.
func (c *Client) FetchHistory(ctx context.Context, _ platform.Account, req platform.HistoryRequest) platform.Result {
	if err := ctx.Err(); err != nil {
		return platform.Failed(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	if step, ok := c.historySteps[len(c.calls)]; ok {
		return step.result()
	}
	items, ok := c.channels[req.Peer.ID]
	if !ok {
		return platform.Failed(scraper.Errorf(scraper.ErrChannelAccess, "fetch history", "channel %d not found", req.Peer.ID))
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	var selected []platform.Item
	switch req.Direction {
	case platform.Forward:
		for _, it := range items {
			if it.ID > req.Cursor {
				selected = append(selected, it)
			}
		}
	default:
		for i := len(items) - 1; i >= 0; i-- {
			if req.Cursor == 0 || items[i].ID < req.Cursor {
				selected = append(selected, items[i])
			}
		}
	}

	page := platform.Page{Done: len(selected) <= limit}
	if len(selected) > limit {
		selected = selected[:limit]
	}
	page.Items = append([]platform.Item(nil), selected...)
	if req.WantNewest && len(items) > 0 {
		page.Newest = items[len(items)-1].ID
	}
	return platform.OK(page)
}

// FetchMedia implements platform.Client.
func (c *Client) FetchMedia(ctx context.Context, _ platform.Account, req platform.MediaRequest, w io.Writer) platform.Result {
	if err := ctx.Err(); err != nil {
		return platform.Failed(err)
	}
	c.mu.Lock()
	c.mediaCalls[req.MediaID]++
	if steps := c.mediaSteps[req.MediaID]; len(steps) > 0 {
		c.mediaSteps[req.MediaID] = steps[1:]
		c.mu.Unlock()
		return steps[0].result()
	}
	payload, ok := c.payloads[req.MediaID]
	c.mu.Unlock()
	if !ok {
		return platform.Failed(scraper.Errorf(scraper.ErrChannelAccess, "fetch media", "media %d not found", req.MediaID))
	}
	if _, err := w.Write(payload); err != nil {
		return platform.Failed(fmt.Errorf("write payload: %w", err))
	}
	return platform.OK(platform.Page{})
}

// SendChallenge implements platform.Authenticator.
func (c *Client) SendChallenge(_ context.Context, _ platform.Account, phone string) (platform.Challenge, error) {
	if phone == "" {
		return platform.Challenge{}, scraper.Errorf(scraper.ErrValidation, "send challenge", "phone is required")
	}
	return platform.Challenge{
		ID:      "challenge-" + phone,
		State:   []byte("pending:" + phone),
		Timeout: 2 * time.Minute,
	}, nil
}

// Verify implements platform.Authenticator.
func (c *Client) Verify(_ context.Context, _ platform.Account, phone, challengeID, code string) (platform.Verification, error) {
	if challengeID != "challenge-"+phone || code != c.Code {
		return platform.Verification{}, scraper.Errorf(scraper.ErrAuthentication, "verify", "PHONE_CODE_INVALID")
	}
	if c.Password != "" {
		return platform.Verification{State: []byte("2fa:" + phone), PasswordRequired: true}, nil
	}
	return platform.Verification{State: []byte("auth:" + phone), UserID: 42}, nil
}

// VerifyPassword implements platform.Authenticator.
func (c *Client) VerifyPassword(_ context.Context, acct platform.Account, password string) (platform.Verification, error) {
	if c.Password == "" || password != c.Password {
		return platform.Verification{}, scraper.Errorf(scraper.ErrAuthentication, "verify password", "PASSWORD_HASH_INVALID")
	}
	return platform.Verification{State: append([]byte("auth:"), acct.State...), UserID: 42}, nil
}

// Sequence builds items with ids from..to inclusive, one minute apart.
func Sequence(from, to int64, start time.Time) []platform.Item {
	items := make([]platform.Item, 0, to-from+1)
	for id := from; id <= to; id++ {
		items = append(items, platform.Item{
			ID:   id,
			Date: start.Add(time.Duration(id) * time.Minute),
			Text: fmt.Sprintf("message %d", id),
		})
	}
	return items
}
