// Package telegramnotifier реализует notify.Sender поверх upstream.Client:
// форматирует Notification в текст и доставляет его пользователю через
// MTProto. Ретраи и приоритет срочной/отложенной доставки остаются заботой
// notify.Queue — этот пакет только доставляет один элемент и классифицирует
// исход.
package telegramnotifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"keyword-subscriber/internal/adapters/upstream"
	"keyword-subscriber/internal/domain/notify"
	"keyword-subscriber/internal/domain/pipeline"
	"keyword-subscriber/internal/infra/logger"
)

// sender — часть upstream.Client, нужная для доставки уведомления.
type sender interface {
	SendMessage(ctx context.Context, userID int64, text, dedupeKey string) error
}

// Sender реализует notify.Sender через MTProto-клиента.
type Sender struct {
	client sender
}

// New оборачивает upstream-клиента в notify.Sender.
func New(client *upstream.Client) *Sender {
	return &Sender{client: client}
}

// Deliver отправляет одно уведомление. Флуд-вейт и транспортные ошибки
// помечаются как Retry; постоянные ошибки апстрима (канал недоступен,
// сессия отозвана) — как PermanentError, чтобы очередь не повторяла
// заведомо обречённую попытку.
func (s *Sender) Deliver(ctx context.Context, n pipeline.Notification) (notify.SendOutcome, error) {
	dedupeKey := fmt.Sprintf("%d:%d:%d", n.SubscriptionID, n.GroupID, n.MessageID)
	if err := s.client.SendMessage(ctx, n.UserID, formatNotification(n), dedupeKey); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return notify.SendOutcome{}, err
		}

		var flood upstream.FloodWaitError
		if errors.As(err, &flood) {
			return notify.SendOutcome{Retry: true}, nil
		}

		var invalid upstream.InvalidChannelError
		var fatal upstream.FatalError
		if errors.As(err, &invalid) || errors.As(err, &fatal) {
			logger.Warnf("notifier: permanent failure delivering to user %d: %v", n.UserID, err)
			return notify.SendOutcome{PermanentError: err}, nil
		}

		logger.Debugf("notifier: transient failure delivering to user %d: %v", n.UserID, err)
		return notify.SendOutcome{Retry: true}, nil
	}
	return notify.SendOutcome{}, nil
}

// formatNotification рендерит уведомление в читаемый текст: заголовок группы/темы,
// совпавший фрагмент, пункты, выделенные верификатором, и счётчик конкурентов.
func formatNotification(n pipeline.Notification) string {
	var b strings.Builder

	fmt.Fprintf(&b, "По подписке «%s» найдено совпадение", n.SubscriptionQuery)
	if n.GroupName != "" {
		fmt.Fprintf(&b, " в «%s»", n.GroupName)
	}
	if n.TopicTitle != "" {
		fmt.Fprintf(&b, " / %s", n.TopicTitle)
	}
	b.WriteString(":\n\n")
	b.WriteString(n.MatchedText)

	if len(n.MatchedItems) > 0 {
		b.WriteString("\n\nСовпавшие пункты:\n")
		for _, item := range n.MatchedItems {
			fmt.Fprintf(&b, "• %s\n", item)
		}
	}

	if n.VerifierProse != "" {
		fmt.Fprintf(&b, "\n%s\n", n.VerifierProse)
	}

	if n.CompetitorCount > 0 {
		fmt.Fprintf(&b, "\nПо этому объявлению уже откликнулось примерно %d других пользователей.", n.CompetitorCount)
	}

	return b.String()
}
