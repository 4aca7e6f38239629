// Package channel follows a public Telegram channel that reposts Hyperliquid liquidations and turns its
// posts into events. Posts are long-polled through the Bot API; the bot must be a member of the channel.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"liquidation-relay/internal/event"
	"liquidation-relay/internal/feed"
	"liquidation-relay/internal/normalizer"
)

const (
	DefaultAPIBase     = "https://api.telegram.org"
	DefaultPollTimeout = 30 * time.Second
)

var errClosed = errors.New("channel: connection closed")

// Options configure the channel adapter.
type Options struct {
	BotToken    string
	Channel     string // @username, username or numeric chat id
	APIBase     string
	PollTimeout time.Duration
}

// Adapter has no subscription handshake: a successful getMe makes the feed live, every completed poll is a
// liveness signal and the probe is another getMe.
//
// The update offset outlives sessions so a reconnect never redelivers confirmed posts, and posts dated before
// the adapter was created are skipped so Telegram's stored backlog is not relayed at startup.
type Adapter struct {
	opts      Options
	notBefore int64

	mu     sync.Mutex
	offset int
}

func New(opts Options) (*Adapter, error) {
	if strings.TrimSpace(opts.BotToken) == "" {
		return nil, errors.New("channel: bot token is required")
	}
	if strings.TrimSpace(opts.Channel) == "" {
		return nil, errors.New("channel: channel is required")
	}
	if opts.APIBase == "" {
		opts.APIBase = DefaultAPIBase
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	return &Adapter{opts: opts, notBefore: time.Now().Unix()}, nil
}

func (a *Adapter) nextOffset() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset
}

func (a *Adapter) confirm(updateID int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if updateID >= a.offset {
		a.offset = updateID + 1
	}
}

func (a *Adapter) Source() event.Source { return event.SourceHyperliquid }

func (a *Adapter) Connect(ctx context.Context, touch func()) (feed.Conn, error) {
	connCtx, cancel := context.WithCancel(ctx)
	client := ctxClient{
		ctx:    connCtx,
		client: &http.Client{Timeout: a.opts.PollTimeout + 15*time.Second},
	}
	endpoint := strings.TrimRight(a.opts.APIBase, "/") + "/bot%s/%s"

	bot, err := tgbotapi.NewBotAPIWithClient(a.opts.BotToken, endpoint, client)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("telegram getMe: %w", err)
	}
	return &conn{
		adapter: a,
		bot:     bot,
		matcher: newChatMatcher(a.opts.Channel),
		timeout: int(a.opts.PollTimeout / time.Second),
		touch:   touch,
		ctx:     connCtx,
		cancel:  cancel,
	}, nil
}

func (a *Adapter) Subscribe(context.Context, feed.Conn) (bool, error) {
	return false, nil
}

// Parse turns one channel post into an event. Posts that are not liquidation lines are ignored.
func (a *Adapter) Parse(frame []byte) (feed.Frame, error) {
	ev, err := normalizer.Aggregator(string(frame))
	if errors.Is(err, normalizer.ErrUnmatched) {
		return feed.Frame{Kind: feed.FrameIgnored}, nil
	}
	if err != nil {
		return feed.Frame{}, err
	}
	return feed.Frame{Kind: feed.FrameData, Events: []event.Liquidation{ev}}, nil
}

func (a *Adapter) Ping(_ context.Context, c feed.Conn) error {
	cc, ok := c.(*conn)
	if !ok {
		return fmt.Errorf("%w: %T", feed.ErrUnexpectedConn, c)
	}
	if _, err := cc.bot.GetMe(); err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	cc.touch()
	return nil
}

// ctxClient binds every Bot API request to the connection lifetime so Close aborts an in-flight long poll.
type ctxClient struct {
	ctx    context.Context
	client *http.Client
}

func (c ctxClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(c.ctx))
}

type conn struct {
	adapter *Adapter
	bot     *tgbotapi.BotAPI
	matcher chatMatcher
	timeout int
	touch   func()

	ctx    context.Context
	cancel context.CancelFunc

	pending [][]byte
}

// Read returns the next matching channel post, long-polling until one arrives.
func (c *conn) Read() ([]byte, error) {
	for len(c.pending) == 0 {
		if c.ctx.Err() != nil {
			return nil, errClosed
		}
		cfg := tgbotapi.NewUpdate(c.adapter.nextOffset())
		cfg.Timeout = c.timeout
		cfg.AllowedUpdates = []string{"channel_post"}

		updates, err := c.bot.GetUpdates(cfg)
		if err != nil {
			if c.ctx.Err() != nil {
				return nil, errClosed
			}
			return nil, fmt.Errorf("telegram getUpdates: %w", err)
		}
		c.touch()

		for _, u := range updates {
			c.adapter.confirm(u.UpdateID)
			post := u.ChannelPost
			if post == nil || !c.matcher.matches(post.Chat) {
				continue
			}
			if int64(post.Date) < c.adapter.notBefore {
				continue
			}
			text := post.Text
			if text == "" {
				text = post.Caption
			}
			if text != "" {
				c.pending = append(c.pending, []byte(text))
			}
		}
	}
	next := c.pending[0]
	c.pending = c.pending[1:]
	return next, nil
}

func (c *conn) Close() error {
	c.cancel()
	return nil
}

type chatMatcher struct {
	id       int64
	username string
}

func newChatMatcher(channel string) chatMatcher {
	channel = strings.TrimSpace(channel)
	if id, err := strconv.ParseInt(channel, 10, 64); err == nil {
		return chatMatcher{id: id}
	}
	return chatMatcher{username: strings.TrimPrefix(channel, "@")}
}

func (m chatMatcher) matches(chat *tgbotapi.Chat) bool {
	if chat == nil {
		return false
	}
	if m.id != 0 {
		return chat.ID == m.id
	}
	return strings.EqualFold(chat.UserName, m.username)
}
