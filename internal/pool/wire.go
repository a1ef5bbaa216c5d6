package pool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/0xRichardL/pool-relay/libs/numbers"
	"github.com/shopspring/decimal"
)

// The pool API is inconsistent about numbers: the same field comes back as a
// JSON number, a quoted number, an empty string or null depending on the
// endpoint. The flex types accept all of them; blank means zero.

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	v, blank, err := scalar(b)
	if err != nil || blank {
		*f = 0
		return err
	}
	x, err := numbers.ExtractFloat(v)
	if err != nil {
		return fmt.Errorf("parse float %s: %w", b, err)
	}
	*f = flexFloat(x)
	return nil
}

type flexInt int64

func (i *flexInt) UnmarshalJSON(b []byte) error {
	v, blank, err := scalar(b)
	if err != nil || blank {
		*i = 0
		return err
	}
	x, err := numbers.ExtractInt(v)
	if err != nil {
		return fmt.Errorf("parse int %s: %w", b, err)
	}
	*i = flexInt(x)
	return nil
}

type flexDecimal struct {
	decimal.Decimal
	// Set: the field carried a value, zero included.
	Set bool
}

func (d *flexDecimal) UnmarshalJSON(b []byte) error {
	v, blank, err := scalar(b)
	d.Set = err == nil && !blank
	if err != nil || blank {
		d.Decimal = decimal.Zero
		return err
	}
	x, err := numbers.ExtractDecimal(v)
	if err != nil {
		return fmt.Errorf("parse decimal %s: %w", b, err)
	}
	d.Decimal = x
	return nil
}

func scalar(b []byte) (any, bool, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, true, nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil, true, nil
	}
	return v, false, nil
}

type profileResponse struct {
	Username          string      `json:"username"`
	ConfirmedReward   flexDecimal `json:"confirmed_reward"`
	CurrentBalance    flexDecimal `json:"current_balance"`
	UnconfirmedReward flexDecimal `json:"unconfirmed_reward"`
	AllTimeReward     flexDecimal `json:"all_time_reward"`
	HashRateUnit      string      `json:"hash_rate_unit"`
	HashRate5m        flexFloat   `json:"hash_rate_5m"`
	HashRate60m       flexFloat   `json:"hash_rate_60m"`
	OkWorkers         flexInt     `json:"ok_workers"`
	LowWorkers        flexInt     `json:"low_workers"`
	OffWorkers        flexInt     `json:"off_workers"`
	DisWorkers        flexInt     `json:"dis_workers"`
}

// confirmed prefers the legacy field whenever it is reported, zero included,
// and falls back to the current one.
func (p profileResponse) confirmed() decimal.Decimal {
	if p.ConfirmedReward.Set {
		return p.ConfirmedReward.Decimal
	}
	return p.CurrentBalance.Decimal
}

type workerResponse struct {
	State           string    `json:"state"`
	LastShare       flexInt   `json:"last_share"`
	HashRateUnit    string    `json:"hash_rate_unit"`
	HashRateScoring flexFloat `json:"hash_rate_scoring"`
	HashRate5m      flexFloat `json:"hash_rate_5m"`
	HashRate60m     flexFloat `json:"hash_rate_60m"`
}

type workersResponse struct {
	Workers map[string]workerResponse `json:"workers"`
}

type blockResponse struct {
	DateStarted flexInt     `json:"date_started"`
	DateFound   flexInt     `json:"date_found"`
	State       string      `json:"state"`
	Value       flexDecimal `json:"value"`
	UserReward  flexDecimal `json:"user_reward"`
	TotalReward flexDecimal `json:"total_reward"`
}

type statsResponse struct {
	Blocks map[string]blockResponse `json:"blocks"`
}

// unwrapCoin strips the {"btc": {...}} envelope newer API versions add.
func unwrapCoin(body []byte, coin string) []byte {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return body
	}
	if inner, ok := env[coin]; ok && len(inner) > 0 && inner[0] == '{' {
		return inner
	}
	return body
}

// toGhs normalises a hashrate to Gh/s.
func toGhs(v flexFloat, unit string) float64 {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "mh/s":
		return float64(v) / 1e3
	case "th/s":
		return float64(v) * 1e3
	case "ph/s":
		return float64(v) * 1e6
	default:
		return float64(v)
	}
}

// workerName drops the "username." prefix the pool puts on worker names.
func workerName(raw string) string {
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		return raw[i+1:]
	}
	return raw
}

func decode(body []byte, out any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("empty body")
	}
	return json.Unmarshal(body, out)
}
