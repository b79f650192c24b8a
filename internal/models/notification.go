package models

import (
	"fmt"
	"net/url"
)

// DefaultNotificationLinkBase is the dashboard map page collectors land on
const DefaultNotificationLinkBase = "https://binspire-web.onrender.com/dashboard/map"

// NotificationRequest is an urgent collection alert for a set of collector devices
type NotificationRequest struct {
	Title  string
	Body   string
	Link   string
	Tokens []string
}

// NotificationResult holds the per-token outcome reported by the gateway
type NotificationResult struct {
	SuccessCount int
	FailureCount int
}

// NewUrgentBinAlert builds the alert sent when a bin is scheduled for collection
func NewUrgentBinAlert(bin Trashbin, tokens []string, linkBase string) NotificationRequest {
	if linkBase == "" {
		linkBase = DefaultNotificationLinkBase
	}

	return NotificationRequest{
		Title:  "Urgent Bin Alert",
		Body:   fmt.Sprintf("%s needs urgent collection!", bin.DisplayName()),
		Link:   fmt.Sprintf("%s?trashbin_id=%s&view_trashbin=true", linkBase, url.QueryEscape(bin.ID)),
		Tokens: tokens,
	}
}

// DedupeTokens drops empty and repeated tokens, keeping first-seen order
func DedupeTokens(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
