package notifier

import (
	"fmt"
	"html"
	"strings"

	"github.com/0xRichardL/pool-relay/internal/chat"
	"github.com/0xRichardL/pool-relay/internal/domain"
)

// line is one "label: value" row of a notice.
type line struct {
	label string
	value string
}

// Format renders ev as a notice. TxnID is left for the caller, since it
// depends on the room.
func Format(ev domain.Event) (chat.Message, error) {
	if err := ev.Validate(); err != nil {
		return chat.Message{}, err
	}

	var (
		title string
		rows  []line
	)
	switch ev.Kind {
	case domain.EventBlockFound:
		title = "New block found"
		rows = append(rows, line{"Found", formatDate(ev.Block.FoundAt)})
		if ev.Block.Height > 0 {
			rows = append(rows, line{"Height", formatNumber(ev.Block.Height)})
		}
		if ev.Block.Reward.IsPositive() {
			rows = append(rows, line{"Your reward", formatBTC(ev.Block.Reward)})
		}
		if !ev.Block.PreviousAt.IsZero() {
			rows = append(rows, line{"Previous block", formatDate(ev.Block.PreviousAt)})
		}
	case domain.EventWorkerOffline:
		title = fmt.Sprintf("Worker %s is offline", ev.Worker)
		rows = append(rows,
			line{"Last share", formatDate(ev.Change.LastShare)},
			line{"Hashrate before", formatHashrate(ev.Change.OldHashrate)},
		)
	case domain.EventWorkerOnline:
		title = fmt.Sprintf("Worker %s is back online", ev.Worker)
		rows = append(rows,
			line{"Last share", formatDate(ev.Change.LastShare)},
			line{"Hashrate", formatHashrate(ev.Change.NewHashrate)},
		)
	case domain.EventHashrateDrop:
		title = "Hashrate dropped"
		rows = append(rows,
			line{"Current", formatHashrate(ev.Hashrate.Current)},
			line{"Baseline", formatHashrate(ev.Hashrate.Baseline)},
			line{"Threshold", fmt.Sprintf("%.0f%% of baseline", ev.Hashrate.Fraction*100)},
		)
	case domain.EventPayout:
		title = "Payout detected"
		if ev.Payout.Amount.IsPositive() {
			rows = append(rows, line{"Amount", formatBTC(ev.Payout.Amount)})
		}
		rows = append(rows, line{"Confirmed balance", formatBTC(ev.Payout.OldConfirmed) + " -> " + formatBTC(ev.Payout.NewConfirmed)})
		if !ev.Payout.PaidAt.IsZero() {
			rows = append(rows, line{"Paid", formatDate(ev.Payout.PaidAt)})
		}
	}
	rows = append(rows, line{"Detected", formatDate(ev.At)})

	return chat.Message{
		Body:          plainBody(ev.AccountID, title, rows),
		FormattedBody: htmlBody(ev.AccountID, title, rows),
	}, nil
}

func plainBody(account, title string, rows []line) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", account, title)
	for _, r := range rows {
		fmt.Fprintf(&b, "\n%s: %s", r.label, r.value)
	}
	return b.String()
}

func htmlBody(account, title string, rows []line) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>[%s] %s</b>", html.EscapeString(account), html.EscapeString(title))
	for _, r := range rows {
		fmt.Fprintf(&b, "<br>%s: %s", html.EscapeString(r.label), html.EscapeString(r.value))
	}
	return b.String()
}
