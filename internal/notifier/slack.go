// Package notifier implements outbound dlq.Notifier alert hooks. The DLQ
// service fires these when a run lands in the dead-letter queue; none of
// them may block Record, so every implementation here hands off to a
// background worker rather than calling out synchronously.
package notifier

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/runcore/core/internal/model"
)

// Slack posts a dead-letter summary to an incoming webhook. It satisfies
// dlq.Notifier without importing that package, keeping notifier free of a
// dependency cycle back onto dlq.
type Slack struct {
	webhookURL string
	channel    string
	logger     *zap.Logger
	queue      chan *model.DeadLetter
}

// NewSlack starts a Slack notifier with a small background queue so a slow
// or unreachable webhook never blocks the caller. channel may be empty to
// use the webhook's configured default.
func NewSlack(webhookURL, channel string, logger *zap.Logger) *Slack {
	s := &Slack{
		webhookURL: webhookURL,
		channel:    channel,
		logger:     logger,
		queue:      make(chan *model.DeadLetter, 256),
	}
	go s.drain()
	return s
}

// NotifyDeadLettered enqueues dl for delivery. If the queue is full the
// notification is dropped and logged rather than applying backpressure to
// the DLQ write path.
func (s *Slack) NotifyDeadLettered(ctx context.Context, dl *model.DeadLetter) {
	select {
	case s.queue <- dl:
	default:
		s.logger.Warn("slack notifier queue full, dropping notification", zap.String("dead_letter_id", dl.ID.String()))
	}
}

func (s *Slack) drain() {
	for dl := range s.queue {
		if err := s.post(dl); err != nil {
			s.logger.Warn("slack notify failed", zap.String("dead_letter_id", dl.ID.String()), zap.Error(err))
		}
	}
}

func (s *Slack) post(dl *model.DeadLetter) error {
	msg := &slack.WebhookMessage{
		Channel: s.channel,
		Text:    fmt.Sprintf(":skull: dead letter recorded for run `%s`", dl.RunID),
		Attachments: []slack.Attachment{
			{
				Color: "danger",
				Fields: []slack.AttachmentField{
					{Title: "Workflow", Value: dl.WorkflowName, Short: true},
					{Title: "Retries", Value: fmt.Sprintf("%d/%d", dl.RetryCount, dl.MaxRetries), Short: true},
					{Title: "Error", Value: dl.Error, Short: false},
				},
			},
		},
	}
	return slack.PostWebhook(s.webhookURL, msg)
}

// Close stops the background drain goroutine. Safe to call once, after
// which further NotifyDeadLettered calls will eventually fill the queue
// and start dropping notifications.
func (s *Slack) Close() {
	close(s.queue)
}
