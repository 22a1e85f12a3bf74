// Package telegram adapts the gotd MTProto client to the platform port.
//
// Each call runs inside its own client.Run with an in-memory session storage seeded from the
// account state, so the lease manager alone decides when a connection is in use.
package telegram

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/platform"
	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// Client implements platform.Client and platform.Authenticator over gotd.
type Client struct {
	logger     *zap.Logger
	downloader *downloader.Downloader
}

// New builds a gotd-backed client.
func New(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		logger:     logger.Named("telegram"),
		downloader: downloader.NewDownloader(),
	}
}

// run executes fn on a connected client and returns the resulting session state.
func (c *Client) run(ctx context.Context, acct platform.Account, fn func(ctx context.Context, client *telegram.Client) error) ([]byte, error) {
	storage := newMemoryStorage(acct.State)
	client := telegram.NewClient(acct.APIID, acct.APIHash, telegram.Options{
		SessionStorage: storage,
		Logger:         c.logger.With(zap.String("session_id", acct.SessionID)),
	})
	err := client.Run(ctx, func(ctx context.Context) error {
		return fn(ctx, client)
	})
	return storage.bytes(), err
}

// read runs a data call. The auth key only changes at login, so a read call
// rewrites nothing the sealed credential needs; its session state is dropped
// and the next call re-seeds from the stored credential.
func (c *Client) read(ctx context.Context, acct platform.Account, fn func(ctx context.Context, client *telegram.Client) error) error {
	_, err := c.run(ctx, acct, fn)
	return err
}

// FetchHistory implements platform.Client.
func (c *Client) FetchHistory(ctx context.Context, acct platform.Account, req platform.HistoryRequest) platform.Result {
	if len(acct.State) == 0 {
		return platform.Failed(scraper.E(scraper.ErrAuthentication, "fetch history", errNoState))
	}
	var page platform.Page
	err := c.read(ctx, acct, func(ctx context.Context, client *telegram.Client) error {
		api := client.API()
		peer := &tg.InputPeerChannel{ChannelID: req.Peer.ID, AccessHash: req.Peer.AccessHash}
		limit := req.Limit
		if limit <= 0 {
			limit = 100
		}

		request := &tg.MessagesGetHistoryRequest{Peer: peer, Limit: limit}
		if req.Direction == platform.Forward {
			request.OffsetID = int(req.Cursor) + 1
			request.AddOffset = -limit
			request.MinID = int(req.Cursor)
		} else {
			request.OffsetID = int(req.Cursor)
		}
		res, err := api.MessagesGetHistory(ctx, request)
		if err != nil {
			return err
		}
		items, err := historyItems(res)
		if err != nil {
			return err
		}

		if req.Direction == platform.Forward {
			filtered := items[:0]
			for _, it := range items {
				if it.ID > req.Cursor {
					filtered = append(filtered, it)
				}
			}
			items = filtered
			sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
		} else {
			sort.Slice(items, func(i, j int) bool { return items[i].ID > items[j].ID })
		}
		page.Items = items
		page.Done = len(items) < limit

		if req.WantNewest {
			top, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{Peer: peer, Limit: 1})
			if err != nil {
				return err
			}
			newest, err := historyItems(top)
			if err != nil {
				return err
			}
			if len(newest) > 0 {
				page.Newest = newest[0].ID
			}
		}
		return nil
	})
	if err != nil {
		return classify("fetch history", err)
	}
	return platform.OK(page)
}

// FetchMedia implements platform.Client. The message is re-read first so the file reference is fresh.
func (c *Client) FetchMedia(ctx context.Context, acct platform.Account, req platform.MediaRequest, w io.Writer) platform.Result {
	if len(acct.State) == 0 {
		return platform.Failed(scraper.E(scraper.ErrAuthentication, "fetch media", errNoState))
	}
	err := c.read(ctx, acct, func(ctx context.Context, client *telegram.Client) error {
		api := client.API()
		res, err := api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: req.Peer.ID, AccessHash: req.Peer.AccessHash},
			ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: int(req.MessageID)}},
		})
		if err != nil {
			return err
		}
		msgs, err := rawMessages(res)
		if err != nil {
			return err
		}
		for _, raw := range msgs {
			msg, ok := raw.(*tg.Message)
			if !ok || msg.Media == nil {
				continue
			}
			loc, ok := fileLocation(msg.Media, req.MediaID)
			if !ok {
				continue
			}
			_, err := c.downloader.Download(api, loc).Stream(ctx, w)
			return err
		}
		return scraper.Errorf(scraper.ErrChannelAccess, "fetch media", "media %d not found on message %d", req.MediaID, req.MessageID)
	})
	if err != nil {
		return classify("fetch media", err)
	}
	return platform.OK(platform.Page{})
}

func historyItems(res tg.MessagesMessagesClass) ([]platform.Item, error) {
	msgs, err := rawMessages(res)
	if err != nil {
		return nil, err
	}
	items := make([]platform.Item, 0, len(msgs))
	for _, raw := range msgs {
		if msg, ok := raw.(*tg.Message); ok {
			items = append(items, toItem(msg))
		}
	}
	return items, nil
}

func rawMessages(res tg.MessagesMessagesClass) ([]tg.MessageClass, error) {
	switch v := res.(type) {
	case *tg.MessagesChannelMessages:
		return v.Messages, nil
	case *tg.MessagesMessagesSlice:
		return v.Messages, nil
	case *tg.MessagesMessages:
		return v.Messages, nil
	case *tg.MessagesMessagesNotModified:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected history response %T", res)
	}
}

func toItem(msg *tg.Message) platform.Item {
	item := platform.Item{
		ID:       int64(msg.ID),
		Date:     time.Unix(int64(msg.Date), 0).UTC(),
		Text:     msg.Message,
		Author:   msg.PostAuthor,
		Views:    msg.Views,
		Forwards: msg.Forwards,
	}
	if hdr, ok := msg.ReplyTo.(*tg.MessageReplyHeader); ok {
		item.ReplyTo = int64(hdr.ReplyToMsgID)
	}
	if msg.Media != nil {
		item.Media = mediaOf(msg.Media)
	}
	return item
}

func mediaOf(media tg.MessageMediaClass) *platform.Media {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return nil
		}
		return &platform.Media{ID: photo.ID, Type: scraper.MediaTypePhoto, MimeType: "image/jpeg"}
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return nil
		}
		out := &platform.Media{ID: doc.ID, MimeType: doc.MimeType, Size: doc.Size, Type: scraper.MediaTypeDocument}
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeFilename:
				out.FileName = a.FileName
			case *tg.DocumentAttributeVideo:
				out.Type = scraper.MediaTypeVideo
			case *tg.DocumentAttributeAudio:
				out.Type = scraper.MediaTypeAudio
			}
		}
		return out
	case *tg.MessageMediaWebPage:
		return &platform.Media{Type: scraper.MediaTypeWebPage}
	default:
		return &platform.Media{Type: scraper.MediaTypeOther}
	}
}

func fileLocation(media tg.MessageMediaClass, mediaID int64) (tg.InputFileLocationClass, bool) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok || photo.ID != mediaID {
			return nil, false
		}
		return &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     largestSize(photo.Sizes),
		}, true
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok || doc.ID != mediaID {
			return nil, false
		}
		return &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}, true
	}
	return nil, false
}

// largestSize picks the thumb type with the most bytes or pixels.
func largestSize(sizes []tg.PhotoSizeClass) string {
	best, bestScore := "", -1
	for _, size := range sizes {
		switch s := size.(type) {
		case *tg.PhotoSize:
			if s.Size > bestScore {
				best, bestScore = s.Type, s.Size
			}
		case *tg.PhotoSizeProgressive:
			if n := len(s.Sizes); n > 0 && s.Sizes[n-1] > bestScore {
				best, bestScore = s.Type, s.Sizes[n-1]
			}
		}
	}
	if best == "" {
		return "y"
	}
	return best
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
