package email

import (
	"fmt"
	"strings"

	"bezorgmoment/pkg/delivery"
)

var headings = map[Reason]string{
	ReasonShifted:   "Je bezorgmoment is gewijzigd",
	ReasonNewOrder:  "Nieuwe bestelling ingepland",
	ReasonDelivered: "Je bestelling is bezorgd",
}

func formatChangeBody(rec *delivery.Record, reason Reason) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"nl\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString("h1 { font-size: 1.3em; color: #00a0e2; }\n")
	b.WriteString(".window { font-size: 1.4em; font-weight: 600; }\n")
	b.WriteString(".shift { color: #e67e22; }\n")
	b.WriteString(".meta { color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString("a { color: #00a0e2; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".meta { color: #a0a0a0; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	heading, ok := headings[reason]
	if !ok {
		heading = headings[ReasonShifted]
	}
	b.WriteString(fmt.Sprintf("<h1>%s</h1>\n", escapeHTML(heading)))

	if rec.HumanLabel != nil {
		b.WriteString(fmt.Sprintf("<p class=\"window\">%s</p>\n", escapeHTML(*rec.HumanLabel)))
	}
	if rec.Label != nil {
		b.WriteString(fmt.Sprintf("<p>%s</p>\n", escapeHTML(*rec.Label)))
	}

	if reason == ReasonShifted && rec.PreviousLabel != nil {
		shift := ""
		if rec.PreviousDeltaHuman != nil {
			shift = " (" + *rec.PreviousDeltaHuman + ")"
		}
		b.WriteString(fmt.Sprintf("<p class=\"shift\">Was: %s%s</p>\n", escapeHTML(*rec.PreviousLabel), escapeHTML(shift)))
	}

	if rec.HumanChangeUntil != nil {
		b.WriteString(fmt.Sprintf("<p>Wijzigen kan nog %s.</p>\n", escapeHTML(*rec.HumanChangeUntil)))
	}
	if rec.Address != nil {
		b.WriteString(fmt.Sprintf("<p class=\"meta\">%s</p>\n", escapeHTML(*rec.Address)))
	}
	if rec.OrderURL != "" {
		b.WriteString(fmt.Sprintf("<p class=\"meta\"><a href=\"%s\">Bestelling %s</a></p>\n",
			escapeHTML(rec.OrderURL), escapeHTML(rec.OrderNumber)))
	}

	b.WriteString("</body>\n</html>")
	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
