package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/channel-scraper/internal/platform"
	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

func TestToItem(t *testing.T) {
	t.Parallel()

	msg := &tg.Message{
		ID:         501,
		Date:       1700000000,
		Message:    "hello",
		PostAuthor: "editor",
		Views:      10,
		Forwards:   2,
		ReplyTo:    &tg.MessageReplyHeader{ReplyToMsgID: 500},
		Media: &tg.MessageMediaDocument{Document: &tg.Document{
			ID:       77,
			MimeType: "video/mp4",
			Size:     2048,
			Attributes: []tg.DocumentAttributeClass{
				&tg.DocumentAttributeVideo{},
				&tg.DocumentAttributeFilename{FileName: "clip.mp4"},
			},
		}},
	}

	item := toItem(msg)
	require.Equal(t, int64(501), item.ID)
	require.Equal(t, time.Unix(1700000000, 0).UTC(), item.Date)
	require.Equal(t, int64(500), item.ReplyTo)
	require.Equal(t, "editor", item.Author)
	require.NotNil(t, item.Media)
	require.Equal(t, scraper.MediaTypeVideo, item.Media.Type)
	require.Equal(t, "clip.mp4", item.Media.FileName)
	require.Equal(t, int64(2048), item.Media.Size)
}

func TestMediaOfWebPageAndPhoto(t *testing.T) {
	t.Parallel()

	require.Equal(t, scraper.MediaTypeWebPage, mediaOf(&tg.MessageMediaWebPage{}).Type)

	photo := &tg.MessageMediaPhoto{Photo: &tg.Photo{
		ID: 9,
		Sizes: []tg.PhotoSizeClass{
			&tg.PhotoSize{Type: "m", Size: 100},
			&tg.PhotoSize{Type: "x", Size: 900},
			&tg.PhotoSizeProgressive{Type: "y", Sizes: []int{100, 400}},
		},
	}}
	media := mediaOf(photo)
	require.Equal(t, scraper.MediaTypePhoto, media.Type)
	require.Equal(t, int64(9), media.ID)

	loc, ok := fileLocation(photo, 9)
	require.True(t, ok)
	require.Equal(t, "x", loc.(*tg.InputPhotoFileLocation).ThumbSize)

	_, ok = fileLocation(photo, 10)
	require.False(t, ok)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	res := classify("op", tgerr.New(420, "FLOOD_WAIT_3"))
	require.Equal(t, platform.StatusRateLimited, res.Status)
	require.Equal(t, 3*time.Second, res.Wait)

	res = classify("op", tgerr.New(401, "AUTH_KEY_UNREGISTERED"))
	require.ErrorIs(t, res.Err, scraper.ErrAuthentication)

	res = classify("op", tgerr.New(400, "CHANNEL_PRIVATE"))
	require.ErrorIs(t, res.Err, scraper.ErrChannelAccess)

	res = classify("op", errors.New("connection reset"))
	require.ErrorIs(t, res.Err, scraper.ErrNetwork)

	res = classify("op", context.Canceled)
	require.ErrorIs(t, res.Err, context.Canceled)

	err := classifyAuth("verify", tgerr.New(400, "PHONE_CODE_INVALID"))
	require.ErrorIs(t, err, scraper.ErrAuthentication)
}

func TestMemoryStorage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newMemoryStorage(nil)
	_, err := s.LoadSession(ctx)
	require.ErrorIs(t, err, session.ErrNotFound)

	require.NoError(t, s.StoreSession(ctx, []byte("state")))
	got, err := s.LoadSession(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("state"), got)
	require.Equal(t, []byte("state"), s.bytes())
}

func TestMemoryStorageLeavesSeedUntouched(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	seed := []byte("sealed-login-state")
	s := newMemoryStorage(seed)
	require.NoError(t, s.StoreSession(ctx, []byte("dc-migrated")))

	require.Equal(t, []byte("sealed-login-state"), seed)
	require.Equal(t, []byte("dc-migrated"), s.bytes())
}

func TestFetchWithoutStateFailsAuth(t *testing.T) {
	t.Parallel()

	c := New(nil)
	res := c.FetchHistory(context.Background(), platform.Account{}, platform.HistoryRequest{})
	require.Equal(t, platform.StatusFailed, res.Status)
	require.ErrorIs(t, res.Err, scraper.ErrAuthentication)
}
