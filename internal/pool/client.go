// Package pool fetches account snapshots from the Braiins pool HTTP API.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/0xRichardL/pool-relay/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://pool.braiins.com"
	DefaultCoin    = "btc"
	DefaultTimeout = 10 * time.Second

	// AuthHeader is the header the pool reads the account token from.
	AuthHeader = "SlushPool-Auth-Token"

	AuthModeHeader = "header"
	AuthModeQuery  = "query"
)

const maxBodyBytes = 4 << 20

type Config struct {
	BaseURL  string
	Coin     string
	AuthMode string
	Timeout  time.Duration
	// ProxyURL routes requests through an http, https or socks5 proxy.
	ProxyURL string
}

// Client issues one request per endpoint per Fetch and never retries.
type Client struct {
	http     *http.Client
	baseURL  string
	coin     string
	authMode string
	logger   *zap.Logger
	now      func() time.Time
}

func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Coin == "" {
		cfg.Coin = DefaultCoin
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	switch cfg.AuthMode {
	case "":
		cfg.AuthMode = AuthModeHeader
	case AuthModeHeader, AuthModeQuery:
	default:
		return nil, fmt.Errorf("unknown pool auth mode %q", cfg.AuthMode)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse pool base url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		switch proxy.Scheme {
		case "http", "https", "socks5":
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", proxy.Scheme)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	return &Client{
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		coin:     strings.ToLower(cfg.Coin),
		authMode: cfg.AuthMode,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Fetch builds a snapshot of acc from the profile, workers and block endpoints.
// Workers outside acc.Workers are left out, and the total hashrate then only
// counts the monitored ones.
func (c *Client) Fetch(ctx context.Context, acc domain.Account) (domain.Snapshot, error) {
	if strings.TrimSpace(acc.Token) == "" {
		return domain.Snapshot{}, domain.Permanent("pool.fetch", fmt.Errorf("account %s has no token", acc.ID))
	}

	var profile profileResponse
	if err := c.get(ctx, acc, "/accounts/profile/json/%s/", &profile); err != nil {
		return domain.Snapshot{}, err
	}
	var workers workersResponse
	if err := c.get(ctx, acc, "/accounts/workers/json/%s/", &workers); err != nil {
		return domain.Snapshot{}, err
	}
	var stats statsResponse
	if err := c.get(ctx, acc, "/stats/json/%s/", &stats); err != nil {
		return domain.Snapshot{}, err
	}

	snap := domain.Snapshot{
		AccountID:      acc.ID,
		FetchedAt:      c.now().UTC(),
		Workers:        make(map[string]domain.WorkerStat, len(workers.Workers)),
		Confirmed:      profile.confirmed(),
		Unconfirmed:    profile.UnconfirmedReward.Decimal,
		LifetimeReward: profile.AllTimeReward.Decimal,
	}

	var monitored float64
	for raw, w := range workers.Workers {
		name := workerName(raw)
		if name == "" || !acc.Monitors(name) {
			continue
		}
		stat := domain.WorkerStat{
			Hashrate: toGhs(w.HashRate5m, w.HashRateUnit),
			State:    strings.ToLower(w.State),
		}
		if w.LastShare > 0 {
			stat.LastShare = time.Unix(int64(w.LastShare), 0).UTC()
		}
		snap.Workers[name] = stat
		monitored += stat.Hashrate
	}
	if len(acc.Workers) == 0 {
		snap.TotalHashrate = toGhs(profile.HashRate5m, profile.HashRateUnit)
	} else {
		snap.TotalHashrate = monitored
	}

	snap.LastBlockFoundAt, snap.LastBlockHeight, snap.LastBlockReward = lastBlock(stats.Blocks)

	c.logger.Debug("pool snapshot fetched",
		zap.String("account", acc.ID),
		zap.Int("workers", len(snap.Workers)),
		zap.Float64("hashrate_ghs", snap.TotalHashrate),
	)
	return snap, nil
}

func (c *Client) get(ctx context.Context, acc domain.Account, pathFmt string, out any) error {
	path := fmt.Sprintf(pathFmt, c.coin)
	op := "pool GET " + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return domain.Permanent(op, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.authMode == AuthModeQuery {
		q := req.URL.Query()
		q.Set("access_token", acc.Token)
		req.URL.RawQuery = q.Encode()
	} else {
		req.Header.Set(AuthHeader, acc.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return domain.Transient(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return domain.Transient(op, fmt.Errorf("read body: %w", err))
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		return wrapStatus(op, err)
	}
	if err := decode(unwrapCoin(body, c.coin), out); err != nil {
		return domain.Transient(op, fmt.Errorf("decode body: %w", err))
	}
	return nil
}

// StatusError is a non-2xx pool response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return "unexpected status " + strconv.Itoa(e.Code) + " " + http.StatusText(e.Code)
}

func classifyStatus(code int) error {
	if code >= 200 && code < 300 {
		return nil
	}
	return &StatusError{Code: code}
}

// wrapStatus: rate limiting and server errors pass; any other 4xx (bad token,
// unknown account) will not fix itself.
func wrapStatus(op string, err error) error {
	var se *StatusError
	if !errors.As(err, &se) {
		return domain.Transient(op, err)
	}
	switch {
	case se.Code == http.StatusTooManyRequests, se.Code == http.StatusRequestTimeout, se.Code >= 500:
		return domain.Transient(op, err)
	case se.Code >= 400:
		return domain.Permanent(op, err)
	default:
		return domain.Transient(op, err)
	}
}

// lastBlock picks the most recently found block.
func lastBlock(blocks map[string]blockResponse) (time.Time, uint64, decimal.Decimal) {
	var (
		at     time.Time
		height uint64
		reward = decimal.Zero
	)
	for key, b := range blocks {
		if b.DateFound <= 0 {
			continue
		}
		found := time.Unix(int64(b.DateFound), 0).UTC()
		if !found.After(at) {
			continue
		}
		at = found
		height, _ = strconv.ParseUint(key, 10, 64)
		reward = b.UserReward.Decimal
	}
	return at, height, reward
}
