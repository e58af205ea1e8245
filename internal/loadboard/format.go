package loadboard

import (
	"fmt"
	"strings"
)

// FormatRecord renders a load alert in Telegram Markdown.
func FormatRecord(r Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚛 *Load ID:* %s\n", r.ID)
	fmt.Fprintf(&b, "📏 *Distance:* %s miles\n", r.Distance)
	fmt.Fprintf(&b, "⏳ *Pickup Time:* %s\n", r.Pickup)
	fmt.Fprintf(&b, "⏳ *Delivery Time:* %s\n", r.Delivery)
	b.WriteString("📍 *Stops:*\n")
	for i, stop := range r.Stops {
		fmt.Fprintf(&b, "   %d. %s\n", i+1, stop)
	}
	b.WriteString("----------------------------------------")
	return b.String()
}
