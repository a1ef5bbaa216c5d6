// Package matrix implements chat.Client on top of mautrix.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/0xRichardL/pool-relay/internal/chat"
	"github.com/0xRichardL/pool-relay/internal/domain"
	"github.com/0xRichardL/pool-relay/internal/store"
	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	DefaultDisplayName = "Pool Relay Bot"
	DefaultDeviceName  = "pool-relay"
	DefaultTimeout     = 30 * time.Second
)

type Config struct {
	Homeserver  string
	User        string
	Password    string
	DisplayName string
	DeviceName  string
	Timeout     time.Duration
}

type Client struct {
	cfg      Config
	sessions store.SessionStore
	logger   *zap.Logger

	mu  sync.Mutex
	cli *mautrix.Client
}

var _ chat.Client = (*Client)(nil)

// NewClient does not touch the network; call Connect. sessions may be nil, in
// which case every Connect logs in with the password.
func NewClient(cfg Config, sessions store.SessionStore, logger *zap.Logger) (*Client, error) {
	if cfg.Homeserver == "" {
		return nil, errors.New("matrix homeserver is required")
	}
	if cfg.User == "" {
		return nil, errors.New("matrix user is required")
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = DefaultDisplayName
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = DefaultDeviceName
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, sessions: sessions, logger: logger}, nil
}

// Connect restores the saved session when the server still accepts it, and
// logs in with the password otherwise.
func (c *Client) Connect(ctx context.Context) error {
	cli, err := c.restore(ctx)
	if err != nil {
		return err
	}
	if cli == nil {
		if cli, err = c.login(ctx); err != nil {
			return err
		}
	}

	if err := cli.SetDisplayName(ctx, c.cfg.DisplayName); err != nil {
		c.logger.Warn("set display name failed", zap.Error(err))
	}

	c.mu.Lock()
	c.cli = cli
	c.mu.Unlock()
	c.logger.Info("matrix connected",
		zap.String("user_id", cli.UserID.String()),
		zap.String("device_id", cli.DeviceID.String()),
	)
	return nil
}

func (c *Client) restore(ctx context.Context) (*mautrix.Client, error) {
	if c.sessions == nil {
		return nil, nil
	}
	sess, err := c.sessions.LoadSession(ctx)
	if err != nil {
		c.logger.Warn("load matrix session failed", zap.Error(err))
		return nil, nil
	}
	if sess == nil || sess.AccessToken == "" {
		return nil, nil
	}
	cli, err := c.newMautrix(id.UserID(sess.UserID), sess.AccessToken)
	if err != nil {
		return nil, err
	}
	cli.DeviceID = id.DeviceID(sess.DeviceID)

	who, err := cli.Whoami(ctx)
	if err != nil {
		classified := classify("matrix whoami", err)
		if errors.Is(classified, chat.ErrSessionExpired) {
			c.logger.Info("saved matrix session rejected, logging in again")
			return nil, nil
		}
		return nil, classified
	}
	cli.UserID = who.UserID
	if who.DeviceID != "" {
		cli.DeviceID = who.DeviceID
	}
	c.logger.Debug("matrix session restored", zap.String("user_id", who.UserID.String()))
	return cli, nil
}

func (c *Client) login(ctx context.Context) (*mautrix.Client, error) {
	cli, err := c.newMautrix("", "")
	if err != nil {
		return nil, err
	}
	resp, err := cli.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: c.cfg.User,
		},
		Password:                 c.cfg.Password,
		InitialDeviceDisplayName: c.cfg.DeviceName,
		StoreCredentials:         true,
	})
	if err != nil {
		return nil, loginError(err)
	}
	cli.UserID = resp.UserID
	cli.AccessToken = resp.AccessToken
	cli.DeviceID = resp.DeviceID

	if c.sessions != nil {
		sess := domain.Session{
			UserID:      resp.UserID.String(),
			AccessToken: resp.AccessToken,
			DeviceID:    resp.DeviceID.String(),
		}
		if err := c.sessions.SaveSession(ctx, sess); err != nil {
			c.logger.Warn("save matrix session failed", zap.Error(err))
		}
	}
	return cli, nil
}

func (c *Client) newMautrix(userID id.UserID, token string) (*mautrix.Client, error) {
	cli, err := mautrix.NewClient(c.cfg.Homeserver, userID, token)
	if err != nil {
		return nil, domain.Permanent("matrix client", err)
	}
	cli.Client = &http.Client{Timeout: c.cfg.Timeout}
	return cli, nil
}

func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	cli, err := c.current()
	if err != nil {
		return err
	}
	if _, err := cli.JoinRoomByID(ctx, id.RoomID(roomID)); err != nil {
		return classify("matrix join "+roomID, err)
	}
	return nil
}

// SendMessage posts msg as an m.notice. A non-empty TxnID is reused across
// retries so the homeserver drops duplicates.
func (c *Client) SendMessage(ctx context.Context, roomID string, msg chat.Message) error {
	cli, err := c.current()
	if err != nil {
		return err
	}
	content := &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    msg.Body,
	}
	if msg.FormattedBody != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = msg.FormattedBody
	}
	var extra []mautrix.ReqSendEvent
	if msg.TxnID != "" {
		extra = append(extra, mautrix.ReqSendEvent{TransactionID: msg.TxnID})
	}
	if _, err := cli.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content, extra...); err != nil {
		return classify("matrix send "+roomID, err)
	}
	return nil
}

func (c *Client) current() (*mautrix.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cli == nil {
		return nil, domain.Transient("matrix", fmt.Errorf("not connected: %w", chat.ErrSessionExpired))
	}
	return c.cli, nil
}

// loginError: a rejected password will not get better by retrying.
func loginError(err error) error {
	code, status, ok := httpDetails(err)
	if ok && (code == mautrix.MForbidden.ErrCode || code == "M_USER_DEACTIVATED" || status == http.StatusForbidden || status == http.StatusUnauthorized) {
		return domain.Permanent("matrix login", err)
	}
	return classify("matrix login", err)
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	code, status, ok := httpDetails(err)
	if !ok {
		return domain.Transient(op, err)
	}
	switch {
	case code == mautrix.MUnknownToken.ErrCode || code == "M_MISSING_TOKEN" || status == http.StatusUnauthorized:
		return domain.Transient(op, fmt.Errorf("%w: %w", chat.ErrSessionExpired, err))
	case code == mautrix.MLimitExceeded.ErrCode || status == http.StatusTooManyRequests || status >= 500:
		return domain.Transient(op, err)
	case strings.HasPrefix(code, "M_") || status >= 400:
		return domain.Permanent(op, err)
	default:
		return domain.Transient(op, err)
	}
}

// httpDetails extracts the Matrix error code and HTTP status; ok is false
// when the request never got a response.
func httpDetails(err error) (code string, status int, ok bool) {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) {
		return details(&httpErr)
	}
	var httpErrPtr *mautrix.HTTPError
	if errors.As(err, &httpErrPtr) && httpErrPtr != nil {
		return details(httpErrPtr)
	}
	return "", 0, false
}

func details(e *mautrix.HTTPError) (string, int, bool) {
	var code string
	if e.RespError != nil {
		code = e.RespError.ErrCode
	}
	var status int
	if e.Response != nil {
		status = e.Response.StatusCode
	}
	return code, status, code != "" || status != 0
}
