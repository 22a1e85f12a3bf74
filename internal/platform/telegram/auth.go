package telegram

import (
	"context"
	"errors"
	"sync"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/JakeFAU/channel-scraper/internal/platform"
	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

var errNoState = errors.New("telegram: session has no connection state")

var (
	authRPCErrors = []string{
		"AUTH_KEY_UNREGISTERED", "AUTH_KEY_INVALID", "SESSION_REVOKED", "SESSION_EXPIRED",
		"USER_DEACTIVATED", "USER_DEACTIVATED_BAN", "PHONE_CODE_INVALID", "PHONE_CODE_EXPIRED",
		"PHONE_CODE_EMPTY", "PASSWORD_HASH_INVALID", "PHONE_NUMBER_INVALID", "PHONE_NUMBER_BANNED",
		"SESSION_PASSWORD_NEEDED",
	}
	accessRPCErrors = []string{
		"CHANNEL_PRIVATE", "CHANNEL_INVALID", "CHAT_ADMIN_REQUIRED", "CHAT_FORBIDDEN",
		"USERNAME_NOT_OCCUPIED", "USERNAME_INVALID", "PEER_ID_INVALID", "MSG_ID_INVALID",
	}
)

// SendChallenge implements platform.Authenticator.
func (c *Client) SendChallenge(ctx context.Context, acct platform.Account, phone string) (platform.Challenge, error) {
	if phone == "" {
		return platform.Challenge{}, scraper.Errorf(scraper.ErrValidation, "send challenge", "phone is required")
	}
	var challenge platform.Challenge
	state, err := c.run(ctx, acct, func(ctx context.Context, client *telegram.Client) error {
		sent, err := client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
		if err != nil {
			return err
		}
		switch code := sent.(type) {
		case *tg.AuthSentCode:
			challenge.ID = code.PhoneCodeHash
			challenge.Timeout = secondsToDuration(code.Timeout)
			return nil
		default:
			return scraper.Errorf(scraper.ErrAuthentication, "send challenge", "unexpected sent code %T", sent)
		}
	})
	if err != nil {
		return platform.Challenge{}, classifyAuth("send challenge", err)
	}
	challenge.State = state
	return challenge, nil
}

// Verify implements platform.Authenticator.
func (c *Client) Verify(ctx context.Context, acct platform.Account, phone, challengeID, code string) (platform.Verification, error) {
	var out platform.Verification
	state, err := c.run(ctx, acct, func(ctx context.Context, client *telegram.Client) error {
		authz, err := client.Auth().SignIn(ctx, phone, code, challengeID)
		if errors.Is(err, auth.ErrPasswordAuthNeeded) {
			out.PasswordRequired = true
			return nil
		}
		if err != nil {
			return err
		}
		out.UserID = userID(authz)
		return nil
	})
	if err != nil {
		return platform.Verification{}, classifyAuth("verify", err)
	}
	out.State = state
	return out, nil
}

// VerifyPassword implements platform.Authenticator.
func (c *Client) VerifyPassword(ctx context.Context, acct platform.Account, password string) (platform.Verification, error) {
	var out platform.Verification
	state, err := c.run(ctx, acct, func(ctx context.Context, client *telegram.Client) error {
		authz, err := client.Auth().Password(ctx, password)
		if err != nil {
			return err
		}
		out.UserID = userID(authz)
		return nil
	})
	if err != nil {
		return platform.Verification{}, classifyAuth("verify password", err)
	}
	out.State = state
	return out, nil
}

func userID(authz *tg.AuthAuthorization) int64 {
	if authz == nil {
		return 0
	}
	if user, ok := authz.User.(*tg.User); ok {
		return user.ID
	}
	return 0
}

// classify maps a gotd failure onto the platform result variants.
func classify(op string, err error) platform.Result {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return platform.Failed(err)
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return platform.RateLimited(wait)
	}
	if scraper.KindOf(err) != nil {
		return platform.Failed(err)
	}
	switch {
	case tgerr.Is(err, authRPCErrors...) || tgerr.IsCode(err, 401):
		return platform.Failed(scraper.E(scraper.ErrAuthentication, op, err))
	case tgerr.Is(err, accessRPCErrors...) || tgerr.IsCode(err, 400, 403):
		return platform.Failed(scraper.E(scraper.ErrChannelAccess, op, err))
	default:
		return platform.Failed(scraper.E(scraper.ErrNetwork, op, err))
	}
}

func classifyAuth(op string, err error) error {
	res := classify(op, err)
	if res.Status == platform.StatusRateLimited {
		return scraper.Errorf(scraper.ErrRateLimited, op, "retry in %s", res.Wait)
	}
	if errors.Is(res.Err, scraper.ErrChannelAccess) {
		return scraper.E(scraper.ErrAuthentication, op, err)
	}
	return res.Err
}

// memoryStorage implements session.Storage over a byte slice.
type memoryStorage struct {
	mu   sync.Mutex
	data []byte
}

func newMemoryStorage(seed []byte) *memoryStorage {
	return &memoryStorage{data: append([]byte(nil), seed...)}
}

func (m *memoryStorage) LoadSession(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.data) == 0 {
		return nil, session.ErrNotFound
	}
	return append([]byte(nil), m.data...), nil
}

func (m *memoryStorage) StoreSession(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append(m.data[:0], data...)
	return nil
}

func (m *memoryStorage) bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}
