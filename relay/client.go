// Package relay queries relays over websockets and resolves follow lists
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"feedsync/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	wsReadBufferSize  = 1024 * 1024 // 1MB
	wsWriteBufferSize = 16 * 1024   // 16KB
	wsWriteTimeout    = 10 * time.Second

	DefaultDialTimeout    = 10 * time.Second
	DefaultQueryTimeout   = 15 * time.Second
	DefaultMaxDialElapsed = 10 * time.Second
)

// Config holds configuration for relay connections
type Config struct {
	// Hosts are queried concurrently, e.g. ["wss://relay.damus.io", "wss://nos.lol"]
	Hosts     []string
	UserAgent string
	// DialTimeout bounds a single handshake
	DialTimeout time.Duration
	// QueryTimeout bounds a subscription from request to end of stored events
	QueryTimeout time.Duration
	// MaxDialElapsed bounds the retries against one host
	MaxDialElapsed time.Duration
}

// Client runs one-shot subscriptions against a set of relays
type Client struct {
	config Config
	dialer websocket.Dialer
}

func NewClient(config Config) (*Client, error) {
	if len(config.Hosts) == 0 {
		return nil, fmt.Errorf("no hosts provided in config")
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = DefaultQueryTimeout
	}
	if config.MaxDialElapsed <= 0 {
		config.MaxDialElapsed = DefaultMaxDialElapsed
	}

	return &Client{
		config: config,
		dialer: websocket.Dialer{
			ReadBufferSize:   wsReadBufferSize,
			WriteBufferSize:  wsWriteBufferSize,
			HandshakeTimeout: config.DialTimeout,
			NetDialContext: (&net.Dialer{
				Timeout:   config.DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}, nil
}

// QueryRecords collects every record the relays hold for filter
func (c *Client) QueryRecords(ctx context.Context, filter models.Filter) ([]models.RawRecord, error) {
	out := make(chan models.RawRecord)
	done := make(chan struct{})
	records := []models.RawRecord{}

	go func() {
		defer close(done)
		for record := range out {
			records = append(records, record)
		}
	}()

	err := c.StreamRecords(ctx, filter, out)
	close(out)
	<-done

	if err != nil {
		return nil, err
	}
	return records, nil
}

// StreamRecords sends records for filter to out as they arrive from any relay,
// skipping ids already sent. At most filter.Limit records are sent when it is
// positive. It fails only if every relay fails.
func (c *Client) StreamRecords(ctx context.Context, filter models.Filter, out chan<- models.RawRecord) error {
	var (
		mu        sync.Mutex
		seen      = map[string]struct{}{}
		sent      int
		failures  []error
		succeeded int
	)

	// Cancelled once the limit is reached, ending the remaining subscriptions
	queryCtx, stop := context.WithCancel(ctx)
	defer stop()

	emit := func(record models.RawRecord) error {
		mu.Lock()
		if filter.Limit > 0 && sent >= filter.Limit {
			mu.Unlock()
			return errLimitReached
		}
		if _, ok := seen[record.Id]; ok {
			mu.Unlock()
			return nil
		}
		seen[record.Id] = struct{}{}
		sent++
		last := filter.Limit > 0 && sent == filter.Limit
		mu.Unlock()

		select {
		case out <- record:
		case <-ctx.Done():
			return ctx.Err()
		}
		if last {
			stop()
			return errLimitReached
		}
		return nil
	}

	var g errgroup.Group
	for _, host := range c.config.Hosts {
		g.Go(func() error {
			err := c.queryHost(queryCtx, host, filter, emit)

			mu.Lock()
			defer mu.Unlock()
			if err != nil && !errors.Is(err, errLimitReached) && !limitReached(ctx, queryCtx) {
				failures = append(failures, fmt.Errorf("%s: %w", host, err))
				log.WithFields(log.Fields{
					"host":  host,
					"error": err,
				}).Warn("Relay query failed")
				return nil
			}
			succeeded++
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if succeeded == 0 {
		return fmt.Errorf("all relays failed: %w", errors.Join(failures...))
	}
	return nil
}

var errLimitReached = errors.New("limit reached")

// limitReached reports whether queryCtx was stopped by the limit rather than by its parent
func limitReached(parent, queryCtx context.Context) bool {
	return queryCtx.Err() != nil && parent.Err() == nil
}

// dial connects to host, retrying with exponential backoff
func (c *Client) dial(ctx context.Context, host string) (*websocket.Conn, error) {
	headers := http.Header{}
	if c.config.UserAgent != "" {
		headers.Set("User-Agent", c.config.UserAgent)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.Multiplier = 1.5
	b.MaxElapsedTime = c.config.MaxDialElapsed

	var conn *websocket.Conn
	operation := func() error {
		dialAttempts.Inc()

		var resp *http.Response
		var err error
		conn, resp, err = c.dialer.DialContext(ctx, host, headers)
		if err != nil {
			dialErrors.Inc()
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err))
			}
			return err
		}
		return nil
	}

	notify := func(err error, next time.Duration) {
		log.WithFields(log.Fields{
			"host":  host,
			"error": err,
			"retry": next,
		}).Debug("Error connecting to relay")
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return conn, nil
}

// queryHost runs one subscription against host until the relay signals the end
// of stored events
func (c *Client) queryHost(ctx context.Context, host string, filter models.Filter, emit func(models.RawRecord) error) error {
	conn, err := c.dial(ctx, host)
	if err != nil {
		return err
	}
	defer conn.Close()

	start := time.Now()
	queryCtx, cancel := context.WithTimeout(ctx, c.config.QueryTimeout)
	defer cancel()

	// Unblock reads when the query is cancelled or times out
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-queryCtx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	subId := uuid.New().String()
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON([]interface{}{"REQ", subId, filter}); err != nil {
		queries.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to send request: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			queries.WithLabelValues("error").Inc()
			if queryCtx.Err() != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return fmt.Errorf("query timed out after %s", c.config.QueryTimeout)
			}
			return fmt.Errorf("failed to read message: %w", err)
		}

		msg, err := parseMessage(data)
		if err != nil {
			log.WithFields(log.Fields{
				"host":  host,
				"error": err,
			}).Debug("Ignoring unparsable relay message")
			continue
		}
		if msg.subId != "" && msg.subId != subId {
			continue
		}

		switch msg.label {
		case "EVENT":
			eventsReceived.Inc()
			if err := emit(msg.record); err != nil {
				if errors.Is(err, errLimitReached) {
					queries.WithLabelValues("limited").Inc()
					closeSubscription(conn, subId)
					return nil
				}
				return err
			}

		case "EOSE":
			queries.WithLabelValues("ok").Inc()
			queryDuration.Observe(time.Since(start).Seconds())
			closeSubscription(conn, subId)
			return nil

		case "CLOSED":
			queries.WithLabelValues("closed").Inc()
			return fmt.Errorf("relay closed subscription: %s", msg.notice)

		case "NOTICE":
			log.WithFields(log.Fields{
				"host":   host,
				"notice": msg.notice,
			}).Info("Relay notice")
		}
	}
}

func closeSubscription(conn *websocket.Conn, subId string) {
	deadline := time.Now().Add(wsWriteTimeout)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON([]interface{}{"CLOSE", subId}); err != nil {
		log.Debugf("Failed to close subscription %s: %v", subId, err)
		return
	}
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

type message struct {
	label  string
	subId  string
	record models.RawRecord
	notice string
}

// parseMessage decodes a relay message, a JSON array whose first element is its label
func parseMessage(data []byte) (message, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return message{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if len(parts) == 0 {
		return message{}, errors.New("empty message")
	}

	var msg message
	if err := json.Unmarshal(parts[0], &msg.label); err != nil {
		return message{}, fmt.Errorf("failed to unmarshal label: %w", err)
	}

	switch msg.label {
	case "EVENT":
		if len(parts) < 3 {
			return message{}, errors.New("short EVENT message")
		}
		if err := json.Unmarshal(parts[1], &msg.subId); err != nil {
			return message{}, err
		}
		if err := json.Unmarshal(parts[2], &msg.record); err != nil {
			return message{}, fmt.Errorf("failed to unmarshal event: %w", err)
		}
	case "EOSE":
		if len(parts) < 2 {
			return message{}, errors.New("short EOSE message")
		}
		if err := json.Unmarshal(parts[1], &msg.subId); err != nil {
			return message{}, err
		}
	case "CLOSED":
		if len(parts) < 2 {
			return message{}, errors.New("short CLOSED message")
		}
		if err := json.Unmarshal(parts[1], &msg.subId); err != nil {
			return message{}, err
		}
		if len(parts) > 2 {
			json.Unmarshal(parts[2], &msg.notice)
		}
	case "NOTICE":
		if len(parts) > 1 {
			json.Unmarshal(parts[1], &msg.notice)
		}
	}

	return msg, nil
}
