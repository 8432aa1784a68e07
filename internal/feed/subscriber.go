// Package feed is the WebSocket transport of the per-owner change feed.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"getitdone/internal/domain"
	"getitdone/internal/models"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

const readLimit = 1 << 20

// Subscriber dials the change feed endpoint.
type Subscriber struct {
	url    string
	logger *zerolog.Logger
}

func NewSubscriber(feedURL string, logger *zerolog.Logger) *Subscriber {
	l := logger.With().Str("component", "feed").Logger()
	return &Subscriber{url: feedURL, logger: &l}
}

// Subscribe opens a feed filtered to owner and delivers events to handler
// sequentially until the subscription is closed or the connection drops.
func (s *Subscriber) Subscribe(ctx context.Context, owner, token string, handler domain.ChangeHandler) (domain.Subscription, error) {
	if owner == "" || token == "" {
		return nil, errors.New("feed: owner and token are required")
	}

	u, err := url.Parse(s.url)
	if err != nil {
		return nil, fmt.Errorf("feed: parse url: %w", err)
	}
	q := u.Query()
	q.Set("user_id", owner)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("feed: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	readCtx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: s.logger,
	}
	go sub.readLoop(readCtx, handler)

	s.logger.Info().Str("owner_id", owner).Msg("Change feed subscribed")
	return sub, nil
}

// Subscription is a live feed connection.
type Subscription struct {
	conn      *websocket.Conn
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	logger    *zerolog.Logger

	mu  sync.Mutex
	err error
}

func (s *Subscription) readLoop(ctx context.Context, handler domain.ChangeHandler) {
	defer close(s.done)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.setErr(err)
			return
		}

		var event models.ChangeEvent
		if err := json.Unmarshal(data, &event); err != nil {
			s.logger.Warn().Err(err).Msg("Skipping malformed feed frame")
			continue
		}
		handler(ctx, event)
	}
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil && ctxErr(err) == nil {
		s.err = err
	}
}

func ctxErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Err reports why the feed stopped, or nil while live or after Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the read loop exits.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close tears down the feed. Safe to call repeatedly or after the server hung up.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}
