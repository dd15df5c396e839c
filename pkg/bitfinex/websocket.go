package bitfinex

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/gregtusar/fundingdesk/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	DefaultStreamURL = "wss://api-pub.bitfinex.com/ws/2"

	channelFunding = "funding"
	channelWallet  = "wallet"

	defaultHandshakeTimeout = 10 * time.Second
	defaultAuthTimeout      = 15 * time.Second
	defaultFrameTimeout     = 20 * time.Second
	closeGracePeriod        = time.Second
	streamReadLimit         = 4 << 20
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

type authMessage struct {
	Event       string   `json:"event"`
	APIKey      string   `json:"apiKey"`
	AuthNonce   int64    `json:"authNonce"`
	AuthPayload string   `json:"authPayload"`
	AuthSig     string   `json:"authSig"`
	Filter      []string `json:"filter"`
}

// authSession is one handshake on one connection. It is never carried over
// to a new connection.
type authSession struct {
	payload       AuthPayload
	authenticated bool
}

type StreamOption func(*StreamClient)

func WithStreamURL(url string) StreamOption {
	return func(c *StreamClient) { c.url = url }
}

func WithWalletChannel() StreamOption {
	return func(c *StreamClient) { c.filter = append(c.filter, channelWallet) }
}

func WithStreamRetryPolicy(p RetryPolicy) StreamOption {
	return func(c *StreamClient) { c.retry = p }
}

// WithFrameTimeout bounds how long a single frame read may block.
func WithFrameTimeout(d time.Duration) StreamOption {
	return func(c *StreamClient) {
		if d > 0 {
			c.frameTimeout = d
		}
	}
}

func WithAuthTimeout(d time.Duration) StreamOption {
	return func(c *StreamClient) {
		if d > 0 {
			c.authTimeout = d
		}
	}
}

// StreamClient owns one authenticated websocket connection to the private
// funding feed. It is not safe for concurrent use; callers serialize access.
// State may be read concurrently.
type StreamClient struct {
	url          string
	signer       *Signer
	filter       []string
	dialer       *websocket.Dialer
	retry        RetryPolicy
	frameTimeout time.Duration
	authTimeout  time.Duration

	conn    *websocket.Conn
	session *authSession
	state   atomic.Int32

	logger *logrus.Logger
}

func NewStreamClient(signer *Signer, logger *logrus.Logger, opts ...StreamOption) *StreamClient {
	c := &StreamClient{
		url:    DefaultStreamURL,
		signer: signer,
		filter: []string{channelFunding},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		retry:        DefaultRetryPolicy(),
		frameTimeout: defaultFrameTimeout,
		authTimeout:  defaultAuthTimeout,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *StreamClient) State() State {
	return State(c.state.Load())
}

func (c *StreamClient) setState(s State) {
	c.state.Store(int32(s))
}

func (c *StreamClient) Ready() bool {
	return c.State() == StateReady && c.conn != nil && c.session != nil && c.session.authenticated
}

// Connect dials the feed. Any previous connection is discarded first.
func (c *StreamClient) Connect(ctx context.Context) error {
	c.teardown()
	c.setState(StateConnecting)

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: dial %s: %w", ErrConnection, c.url, err)
	}
	conn.SetReadLimit(streamReadLimit)
	c.conn = conn

	c.logger.WithField("url", c.url).Debug("Websocket connection established")
	return nil
}

// Authenticate sends a freshly signed auth frame and waits for the ack.
// Frames arriving before the ack are discarded. On any failure the
// connection is torn down.
func (c *StreamClient) Authenticate(ctx context.Context) error {
	if c.conn == nil {
		return fmt.Errorf("%w: authenticate called without a connection", ErrNotReady)
	}
	c.setState(StateAuthenticating)

	session := &authSession{payload: c.signer.AuthPayload()}
	c.session = session

	data, err := json.Marshal(authMessage{
		Event:       "auth",
		APIKey:      c.signer.APIKey(),
		AuthNonce:   session.payload.Nonce,
		AuthPayload: session.payload.Payload,
		AuthSig:     session.payload.Signature,
		Filter:      c.filter,
	})
	if err != nil {
		c.teardown()
		return fmt.Errorf("encode auth frame: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.teardown()
		return fmt.Errorf("%w: send auth frame: %w", ErrConnectionClosed, err)
	}

	_ = c.conn.SetReadDeadline(c.deadline(ctx, c.authTimeout))
	for {
		if err := ctx.Err(); err != nil {
			c.teardown()
			return err
		}
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.teardown()
			return fmt.Errorf("%w: awaiting auth ack: %w", ErrConnectionClosed, err)
		}
		if Classify(frame) != FrameAuthAck {
			c.logger.WithField("frame", string(frame)).Debug("Discarding frame received before auth ack")
			continue
		}

		ack := DecodeAuthAck(frame)
		if !ack.OK() {
			c.teardown()
			authErr := &AuthError{Status: ack.Status, Code: ack.Code, Message: ack.Message}
			c.logger.WithError(authErr).WithField("api_key", maskKey(c.signer.APIKey())).Error("Authentication rejected")
			return authErr
		}

		_ = c.conn.SetReadDeadline(time.Time{})
		session.authenticated = true
		c.setState(StateReady)
		c.logger.WithFields(logrus.Fields{
			"user_id": ack.UserID,
			"filter":  c.filter,
		}).Info("Authenticated with Bitfinex")
		return nil
	}
}

// Open connects and authenticates under the retry policy. Connection
// failures are retried; a rejected handshake is returned at once.
func (c *StreamClient) Open(ctx context.Context) error {
	_, err := runWithRetry(ctx, c.retry, func() (struct{}, error) {
		if err := c.Connect(ctx); err != nil {
			return struct{}{}, err
		}
		if err := c.Authenticate(ctx); err != nil {
			if errors.Is(err, ErrAuthenticationFailed) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, func(err error, next time.Duration) {
		c.logger.WithError(err).WithField("retry_in", next.String()).Warn("Stream open failed, retrying")
	})
	return err
}

// Reconnect drops all connection state and opens a new session.
func (c *StreamClient) Reconnect(ctx context.Context) error {
	c.logger.Info("Reconnecting to Bitfinex stream")
	c.teardown()
	return c.Open(ctx)
}

// PositionFilter selects which decoded positions a read keeps.
type PositionFilter func(models.FundingPosition) bool

// ReadPositions reads at most maxFrames frames and returns as soon as one
// frame yields a position accepted by keep; a nil keep accepts all. Frames
// whose positions are all rejected still count toward the budget. An
// exhausted budget or an idle feed returns an empty slice and no error. A
// dropped connection is ErrConnectionClosed.
func (c *StreamClient) ReadPositions(ctx context.Context, maxFrames int, keep PositionFilter) ([]models.FundingPosition, error) {
	if !c.Ready() {
		return nil, ErrNotReady
	}

	positions := make([]models.FundingPosition, 0)
	for frames := 0; frames < maxFrames; frames++ {
		if err := ctx.Err(); err != nil {
			return positions, err
		}

		_ = c.conn.SetReadDeadline(c.deadline(ctx, c.frameTimeout))
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			// gorilla connections are unusable after any read error,
			// including a deadline, so the session ends here either way.
			c.teardown()
			if isTimeout(err) {
				c.logger.WithField("frames_read", frames).Debug("Stream idle, ending read")
				return positions, nil
			}
			return nil, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		}

		kind := Classify(frame)
		switch {
		case kind == FrameHeartbeat:
			c.logger.Debug("Received heartbeat")
		case kind.carriesPositions():
			decoded := DecodePositions(kind, frame, c.logger)
			kept := 0
			for _, p := range decoded {
				if keep == nil || keep(p) {
					positions = append(positions, p)
					kept++
				}
			}
			c.logger.WithFields(logrus.Fields{
				"frame_kind": kind.String(),
				"positions":  len(decoded),
				"kept":       kept,
			}).Debug("Decoded funding frame")
		case !gjson.ValidBytes(frame):
			c.logger.WithField("frame", string(frame)).Warn("Skipping unparseable frame")
		default:
			c.logger.WithField("frame", string(frame)).Debug("Skipping unrecognized frame")
		}

		if len(positions) > 0 {
			return positions, nil
		}
	}
	return positions, nil
}

// Close shuts the connection down. Closing a closed client is a no-op.
func (c *StreamClient) Close() error {
	if c.conn == nil {
		c.setState(StateDisconnected)
		return nil
	}
	c.teardown()
	c.logger.Info("Websocket connection closed")
	return nil
}

func (c *StreamClient) teardown() {
	if c.conn != nil {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod),
		)
		_ = c.conn.Close()
		c.conn = nil
	}
	c.session = nil
	c.setState(StateDisconnected)
}

func (c *StreamClient) deadline(ctx context.Context, d time.Duration) time.Time {
	dl := time.Now().Add(d)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(dl) {
		return ctxDeadline
	}
	return dl
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
