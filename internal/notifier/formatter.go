package notifier

import (
	"fmt"
	"strings"

	"AgriPool/internal/model"
)

const timeLayout = "2006-01-02 15:04"

// FormatPoolEvent formats an operator alert for a pool transition.
func FormatPoolEvent(p model.Pool, evt model.PoolEvent) string {
	var b strings.Builder
	switch evt.Type {
	case model.EventMatched:
		b.WriteString("🤝 <b>Pool matched</b>\n\n")
	case model.EventApplied:
		b.WriteString("✅ <b>Application submitted</b>\n\n")
	case model.EventExpired:
		b.WriteString("⌛ <b>Pool expired</b>\n\n")
	case model.EventCancelled:
		b.WriteString("🛑 <b>Pool cancelled</b>\n\n")
	default:
		b.WriteString(fmt.Sprintf("ℹ️ <b>Pool %s</b>\n\n", strings.ToLower(string(evt.Type))))
	}
	b.WriteString(fmt.Sprintf("Pool: <code>%s</code>\n", p.ID))
	if p.CropType != "" || p.Region != "" {
		b.WriteString(fmt.Sprintf("Crop/region: %s / %s\n", orDash(p.CropType), orDash(p.Region)))
	}
	b.WriteString(fmt.Sprintf("Pooled: %s / %s\n", p.CurrentAmount.StringFixed(2), p.TargetAmount.StringFixed(2)))
	if evt.Type == model.EventApplied && evt.Note != "" {
		b.WriteString(fmt.Sprintf("Application: <code>%s</code>\n", evt.Note))
	}
	if evt.Type == model.EventExpired {
		b.WriteString(fmt.Sprintf("Short by: %s\n", p.RemainingGap().StringFixed(2)))
	}
	b.WriteString(fmt.Sprintf("At: %s\n", evt.At.Format(timeLayout)))
	return b.String()
}

// FormatPoolDetail formats a pool with its members for the /pool command.
func FormatPoolDetail(d model.PoolDetail) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📦 <b>Pool</b> <code>%s</code>\n\n", d.ID))
	b.WriteString(fmt.Sprintf("State: %s", d.State))
	if d.FailureReason != model.FailureNone {
		b.WriteString(fmt.Sprintf(" (%s)", d.FailureReason))
	}
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("Pooled: %s / %s (gap %s)\n",
		d.CurrentAmount.StringFixed(2), d.TargetAmount.StringFixed(2), d.RemainingGap.StringFixed(2)))
	if d.Purpose != "" {
		b.WriteString(fmt.Sprintf("Purpose: %s\n", d.Purpose))
	}
	b.WriteString(fmt.Sprintf("Expires: %s\n", d.ExpiresAt.Format(timeLayout)))
	if d.ApplicationID != "" {
		b.WriteString(fmt.Sprintf("Application: <code>%s</code>\n", d.ApplicationID))
	}

	active := 0
	for _, c := range d.Contributions {
		if c.Active() {
			active++
		}
	}
	b.WriteString(fmt.Sprintf("\nMembers (%d active):\n", active))
	for _, c := range d.Contributions {
		mark := "•"
		if !c.Active() {
			mark = "×"
		}
		b.WriteString(fmt.Sprintf("  %s %s %s\n", mark, c.FarmerID, c.Amount.StringFixed(2)))
	}
	return b.String()
}

// FormatOpenPools formats the /open listing and the daily digest.
func FormatOpenPools(pools []model.PoolSummary) string {
	if len(pools) == 0 {
		return "📭 No pools are matching right now."
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📋 <b>Open pools</b> (%d)\n\n", len(pools)))
	for _, p := range pools {
		b.WriteString(fmt.Sprintf("<code>%s</code> %s/%s gap %s, %d members, expires %s\n",
			p.ID, orDash(p.CropType), orDash(p.Region), p.RemainingGap.StringFixed(2),
			p.MemberCount, p.ExpiresAt.Format(timeLayout)))
	}
	return b.String()
}

// FormatHelp lists the operator commands.
func FormatHelp() string {
	return "Available commands:\n• /open\n• /pool &lt;id&gt;"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
