// Package notify turns a cycle's change records into per-user email and chat messages.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/adnotifier/internal/metrics"
	"github.com/JakeFAU/adnotifier/internal/monitor"
)

// Subject is the subject line of every digest email.
const Subject = "Message from AdNotifier website!"

// Channel names used in logs and metrics.
const (
	ChannelEmail = "email"
	ChannelChat  = "chat"
)

// Mailer sends one HTML email.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, html string) error
}

// ChatSender posts one plain-text chat message.
type ChatSender interface {
	SendMessage(ctx context.Context, botToken, chatID, text string) error
}

var digestTemplate = template.Must(template.New("digest").Parse(`<!DOCTYPE html>
<html>
<body>
<p>Dear {{.Name}},</p>
<p>The following advertisements you are tracking have changed:</p>
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>Title</th><th>Advertisement number</th><th>Occurrences</th><th>Website</th></tr>
{{- range .Records}}
<tr><td>{{.Title}}</td><td>{{.QueryStr}}</td><td>{{.AdvCount}}</td><td><a href="{{.URL}}">{{.URL}}</a></td></tr>
{{- end}}
</table>
<p>AdNotifier</p>
</body>
</html>
`))

type digestData struct {
	Name    string
	Records []monitor.ChangeRecord
}

// Batcher implements monitor.Dispatcher.
type Batcher struct {
	mailer   Mailer
	chat     ChatSender
	botToken string
	logger   *zap.Logger
}

// Option customizes a Batcher.
type Option func(*Batcher)

// WithChat enables chat delivery for users that have a chat id.
func WithChat(chat ChatSender, botToken string) Option {
	return func(b *Batcher) {
		b.chat = chat
		b.botToken = botToken
	}
}

// NewBatcher builds a Batcher that emails through mailer.
func NewBatcher(mailer Mailer, logger *zap.Logger, opts ...Option) *Batcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Batcher{mailer: mailer, logger: logger}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dispatch sends one email, and optionally one chat message, per non-empty batch.
// Failures are logged per user and channel and never stop the remaining sends.
func (b *Batcher) Dispatch(ctx context.Context, batches []monitor.UserBatch) monitor.DispatchReport {
	var report monitor.DispatchReport
	for _, batch := range batches {
		if len(batch.Records) == 0 {
			continue
		}
		log := b.logger.With(
			zap.String("user_id", batch.User.ID),
			zap.Int("records", len(batch.Records)),
		)

		if err := b.sendEmail(ctx, batch); err != nil {
			report.EmailsFailed++
			metrics.ObserveNotification(ChannelEmail, "failure")
			log.Error("email delivery failed", zap.String("channel", ChannelEmail), zap.Error(err))
		} else {
			report.EmailsSent++
			report.Delivered = append(report.Delivered, batch.EntryIDs()...)
			metrics.ObserveNotification(ChannelEmail, "success")
			log.Info("email delivered")
		}

		if !b.chatEnabled(batch.User) {
			continue
		}
		if err := b.chat.SendMessage(ctx, b.botToken, batch.User.TelegramChatID, ChatText(batch)); err != nil {
			report.ChatsFailed++
			metrics.ObserveNotification(ChannelChat, "failure")
			log.Error("chat delivery failed", zap.String("channel", ChannelChat), zap.Error(err))
			continue
		}
		report.ChatsSent++
		metrics.ObserveNotification(ChannelChat, "success")
	}
	return report
}

func (b *Batcher) chatEnabled(user monitor.User) bool {
	return b.chat != nil && b.botToken != "" && user.TelegramChatID != ""
}

func (b *Batcher) sendEmail(ctx context.Context, batch monitor.UserBatch) error {
	if b.mailer == nil {
		return fmt.Errorf("%w: no mailer configured", monitor.ErrNotification)
	}
	if strings.TrimSpace(batch.User.Email) == "" {
		return fmt.Errorf("%w: user %s has no email address", monitor.ErrNotification, batch.User.ID)
	}
	body, err := RenderDigest(batch)
	if err != nil {
		return err
	}
	if err := b.mailer.Send(ctx, []string{batch.User.Email}, Subject, body); err != nil {
		return fmt.Errorf("%w: send email: %w", monitor.ErrNotification, err)
	}
	return nil
}

// RenderDigest renders the HTML email body for one batch.
func RenderDigest(batch monitor.UserBatch) (string, error) {
	name := batch.User.FullName
	if name == "" {
		name = batch.User.Email
	}
	var buf bytes.Buffer
	if err := digestTemplate.Execute(&buf, digestData{Name: name, Records: batch.Records}); err != nil {
		return "", fmt.Errorf("render digest: %w", err)
	}
	return buf.String(), nil
}

// ChatText renders the plain-text chat message for one batch.
func ChatText(batch monitor.UserBatch) string {
	var sb strings.Builder
	sb.WriteString("AdNotifier: tracked advertisements changed\n")
	for i, rec := range batch.Records {
		fmt.Fprintf(&sb, "\n%d. %s\nNumber: %s\nURL: %s\n", i+1, rec.Title, rec.QueryStr, rec.URL)
	}
	return sb.String()
}
