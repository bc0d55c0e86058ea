package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"project-board-sync/internal/metrics"
)

const (
	// DefaultPollWait is how long the server may hold a receive request
	DefaultPollWait = 25 * time.Second

	pollRetryDelay = time.Second
)

// PollSession is the body returned when a polling session is opened
type PollSession struct {
	SessionID string `json:"session_id"`
}

// PollingBaseURL maps a websocket endpoint to the polling endpoint of the
// same server: ws://host/ws -> http://host/poll
func PollingBaseURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid sync url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported sync url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws") + "/poll"
	u.RawQuery = ""
	return u.String(), nil
}

// PollingDialer opens HTTP long-poll sessions
type PollingDialer struct {
	client  *http.Client
	wait    time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPollingDialer creates a polling dialer. The http client must not set
// a timeout shorter than wait.
func NewPollingDialer(client *http.Client, wait time.Duration, m *metrics.Metrics, logger *zap.Logger) *PollingDialer {
	if client == nil {
		client = &http.Client{}
	}
	if wait <= 0 {
		wait = DefaultPollWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PollingDialer{client: client, wait: wait, metrics: m, logger: logger}
}

func (d *PollingDialer) Mode() Mode { return ModePolling }

func (d *PollingDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	base, err := PollingBaseURL(rawURL)
	if err != nil {
		return nil, &DialError{Mode: ModePolling, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/sessions", nil)
	if err != nil {
		return nil, &DialError{Mode: ModePolling, Err: err}
	}
	copyHeader(req.Header, header)

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		d.metrics.RecordExternalAPICall("/poll/sessions", http.MethodPost, 0, time.Since(start), err)
		return nil, &DialError{Mode: ModePolling, Err: err}
	}
	defer resp.Body.Close()
	d.metrics.RecordExternalAPICall("/poll/sessions", http.MethodPost, resp.StatusCode, time.Since(start), nil)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &DialError{Mode: ModePolling, Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(body)))}
	}

	var session PollSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil || session.SessionID == "" {
		return nil, &DialError{Mode: ModePolling, Status: resp.StatusCode, Err: fmt.Errorf("invalid session response: %v", err)}
	}

	lifetime, cancel := context.WithCancel(context.Background())
	c := &pollConn{
		dialer:   d,
		endpoint: base + "/sessions/" + url.PathEscape(session.SessionID),
		header:   header.Clone(),
		incoming: make(chan Message, sendBufferSize),
		done:     make(chan struct{}),
		ctx:      lifetime,
		cancel:   cancel,
	}
	go c.receiveLoop()
	return c, nil
}

type pollConn struct {
	dialer   *PollingDialer
	endpoint string
	header   http.Header
	incoming chan Message
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (c *pollConn) Send(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return c.closeErr()
	default:
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	copyHeader(req.Header, c.header)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.dialer.client.Do(req)
	if err != nil {
		c.dialer.metrics.RecordExternalAPICall("/poll/sessions/{id}/messages", http.MethodPost, 0, time.Since(start), err)
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	c.dialer.metrics.RecordExternalAPICall("/poll/sessions/{id}/messages", http.MethodPost, resp.StatusCode, time.Since(start), nil)

	switch {
	case resp.StatusCode == http.StatusGone:
		c.fail(&CloseError{ByPeer: true, Reason: "session closed by server"})
		return c.closeErr()
	case resp.StatusCode >= 300:
		return fmt.Errorf("poll send failed with status %d", resp.StatusCode)
	}
	return nil
}

func (c *pollConn) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-c.incoming:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.done:
		select {
		case msg := <-c.incoming:
			return msg, nil
		default:
		}
		return Message{}, c.closeErr()
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *pollConn) Close() error {
	wasOpen := c.fail(ErrClosed)
	if !wasOpen {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
	if err != nil {
		return err
	}
	copyHeader(req.Header, c.header)
	resp, err := c.dialer.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *pollConn) fail(err error) bool {
	first := false
	c.once.Do(func() {
		first = true
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.cancel()
		close(c.done)
	})
	return first
}

func (c *pollConn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *pollConn) receiveLoop() {
	failures := 0
	for {
		msgs, err := c.poll()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			var closeErr *CloseError
			if errors.As(err, &closeErr) {
				c.fail(closeErr)
				return
			}
			failures++
			if failures >= 3 {
				c.fail(&CloseError{Err: err})
				return
			}
			c.dialer.logger.Debug("Poll request failed, retrying", zap.Error(err), zap.Int("failures", failures))
			select {
			case <-time.After(pollRetryDelay):
			case <-c.done:
				return
			}
			continue
		}
		failures = 0

		for _, msg := range msgs {
			select {
			case c.incoming <- msg:
			case <-c.done:
				return
			}
		}
	}
}

func (c *pollConn) poll() ([]Message, error) {
	wait := c.dialer.wait
	ctx, cancel := context.WithTimeout(c.ctx, wait+10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/messages?wait="+wait.String(), nil)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, c.header)

	start := time.Now()
	resp, err := c.dialer.client.Do(req)
	if err != nil {
		c.dialer.metrics.RecordExternalAPICall("/poll/sessions/{id}/messages", http.MethodGet, 0, time.Since(start), err)
		return nil, err
	}
	defer resp.Body.Close()
	c.dialer.metrics.RecordExternalAPICall("/poll/sessions/{id}/messages", http.MethodGet, resp.StatusCode, time.Since(start), nil)

	switch resp.StatusCode {
	case http.StatusOK:
		var msgs []Message
		if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
			return nil, fmt.Errorf("invalid poll response: %w", err)
		}
		return msgs, nil
	case http.StatusNoContent:
		return nil, nil
	case http.StatusGone, http.StatusNotFound:
		return nil, &CloseError{ByPeer: true, Reason: "session closed by server"}
	default:
		return nil, fmt.Errorf("poll failed with status %d", resp.StatusCode)
	}
}

func copyHeader(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}
