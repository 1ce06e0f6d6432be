package notify

import (
	"time"

	"keyword-subscriber/internal/domain/messages"
	"keyword-subscriber/internal/domain/pipeline"
)

// QueuedItem — одно уведомление, ожидающее доставки, с метаданными очереди.
type QueuedItem struct {
	ID        int64                  `json:"id"`
	CreatedAt time.Time              `json:"created_at"`
	Payload   pipeline.Notification  `json:"payload"`
}

// Clone возвращает независимую копию элемента очереди.
func (i QueuedItem) Clone() QueuedItem {
	clone := i
	clone.Payload.Media = append([]messages.Media(nil), i.Payload.Media...)
	clone.Payload.MatchedItems = append([]string(nil), i.Payload.MatchedItems...)
	return clone
}
