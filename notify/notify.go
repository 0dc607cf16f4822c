// Package notify formats user-facing messages and delivers them over the
// user's messaging session. Delivery is best effort: failures come back as
// *errors.NotifyError for the caller to log.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360/docrelay/document"
	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/extract"
	"github.com/c360/docrelay/metric"
)

// Kind labels a notification
type Kind string

// Notification kinds
const (
	KindAck       Kind = "ack"
	KindRejection Kind = "rejection"
	KindSummary   Kind = "summary"
	KindFailure   Kind = "failure"
)

// Sender delivers text over a user's live session. connection.Manager
// implements it.
type Sender interface {
	SendResult(ctx context.Context, userID, peerRef, text string) error
}

// Notifier sends formatted notifications through a Sender
type Notifier struct {
	sender  Sender
	metrics *metric.Metrics
	logger  *slog.Logger
}

// New creates a Notifier. metrics may be nil.
func New(sender Sender, metrics *metric.Metrics, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		sender:  sender,
		metrics: metrics,
		logger:  logger.With("component", "notify"),
	}
}

// Acknowledge tells the user a document was received and queued.
func (n *Notifier) Acknowledge(ctx context.Context, userID, peerRef, filename string) error {
	return n.send(ctx, KindAck, userID, peerRef, AcknowledgeText(filename))
}

// RejectUnsupported tells the user the file type cannot be processed.
func (n *Notifier) RejectUnsupported(ctx context.Context, userID, peerRef, filename, mimeType string, formats []extract.Format) error {
	return n.send(ctx, KindRejection, userID, peerRef, UnsupportedText(filename, mimeType, formats))
}

// RejectTooLarge tells the user the file exceeds the size limit.
func (n *Notifier) RejectTooLarge(ctx context.Context, userID, peerRef, filename string, limit int64) error {
	return n.send(ctx, KindRejection, userID, peerRef, TooLargeText(filename, limit))
}

// SendSummary delivers a completed summary.
func (n *Notifier) SendSummary(ctx context.Context, userID, peerRef, filename string, s *document.Summary) error {
	if s == nil {
		return &errors.NotifyError{UserID: userID, Kind: string(KindSummary), Err: errors.ErrInvalidData}
	}
	return n.send(ctx, KindSummary, userID, peerRef, SummaryText(filename, s))
}

// SendFailure tells the user processing failed. Internal error text is never included.
func (n *Notifier) SendFailure(ctx context.Context, userID, peerRef, filename string) error {
	return n.send(ctx, KindFailure, userID, peerRef, FailureText(filename))
}

func (n *Notifier) send(ctx context.Context, kind Kind, userID, peerRef, text string) error {
	if n.sender == nil {
		return n.fail(kind, userID, errors.ErrNoConnection)
	}
	if err := n.sender.SendResult(ctx, userID, peerRef, text); err != nil {
		return n.fail(kind, userID, err)
	}
	if n.metrics != nil {
		n.metrics.Notifications.WithLabelValues(string(kind), "sent").Inc()
	}
	n.logger.Debug("Notification sent", "user_id", userID, "kind", kind)
	return nil
}

func (n *Notifier) fail(kind Kind, userID string, err error) error {
	if n.metrics != nil {
		n.metrics.Notifications.WithLabelValues(string(kind), "failed").Inc()
	}
	n.logger.Warn("Notification not delivered", "user_id", userID, "kind", kind, "error", err)
	return &errors.NotifyError{UserID: userID, Kind: string(kind), Err: err}
}

const rule = "━━━━━━━━━━━━━━━━━━━━"

// AcknowledgeText is the receipt message
func AcknowledgeText(filename string) string {
	return fmt.Sprintf("📄 Document received: *%s*\n\n⏳ Processing your document...\n\nYou'll receive a summary shortly.", filename)
}

// UnsupportedText lists the formats the service accepts
func UnsupportedText(filename, mimeType string, formats []extract.Format) string {
	var b strings.Builder
	b.WriteString("❌ *Unsupported File Format*\n\n")
	fmt.Fprintf(&b, "File: %s\nType: %s\n\n", filename, mimeType)
	b.WriteString("📋 *Supported formats:*\n")
	for _, f := range formats {
		fmt.Fprintf(&b, "• %s\n", f.Label)
	}
	b.WriteString("\nPlease send a document in one of these formats.")
	return b.String()
}

// TooLargeText reports the size limit
func TooLargeText(filename string, limit int64) string {
	return fmt.Sprintf("❌ *File Too Large*\n\nFile: %s\n\nDocuments up to %s are supported. Please send a smaller file.",
		filename, humanSize(limit))
}

// FailureText is the generic processing failure message
func FailureText(filename string) string {
	return fmt.Sprintf("❌ *Processing Error*\n\nSorry, there was an error processing *%s*.\nPlease try again in a moment.", filename)
}

// SummaryText renders a Summary for chat delivery
func SummaryText(filename string, s *document.Summary) string {
	var b strings.Builder
	b.WriteString("✅ *Document Summary Complete*\n\n")
	fmt.Fprintf(&b, "📄 *File:* %s\n\n%s\n\n", filename, rule)

	if s.Title != "" {
		fmt.Fprintf(&b, "📋 *%s*\n\n", s.Title)
	}
	if s.ExecutiveSummary != "" {
		fmt.Fprintf(&b, "*Executive Summary:*\n%s\n\n", s.ExecutiveSummary)
	}
	writeList(&b, "Key Points", s.KeyPoints)
	writeList(&b, "Important Facts", s.ImportantFacts)
	if s.Insights != "" {
		fmt.Fprintf(&b, "*Insights:*\n%s\n\n", s.Insights)
	}
	if s.TLDR != "" {
		fmt.Fprintf(&b, "*TL;DR:*\n%s\n\n", s.TLDR)
	}
	b.WriteString(rule)
	return b.String()
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "*%s:*\n", heading)
	for _, item := range items {
		fmt.Fprintf(b, "• %s\n", item)
	}
	b.WriteByte('\n')
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.0f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
