// Package messages — in-memory per-group хранилище недавних сообщений, с которого
// опирается ретроспективный поиск (retrospective-scan). Хранит только минимально
// нужные для повторного поиска поля, обновляется колбэками апстрима new/edit/delete,
// и несёт флаг готовности группы, выставляемый после завершения истории backfill.
package messages

import (
	"sync"
	"time"
)

// Media — минимальное описание одного медиа-вложения сообщения.
type Media struct {
	Index    int
	MimeType string
	Width    int
	Height   int
}

// Message — нормализованное представление одного поста, достаточное для
// ретроспективного поиска: текст (возможно обогащённый из URL), отправитель,
// дата, тема форума (если применимо).
type Message struct {
	ID         int64
	GroupID    int64
	GroupName  string
	TopicID    int64
	TopicTitle string
	// AlbumID — Telegram GroupedID, ненулевой, если сообщение является одним
	// фрагментом альбома. Несколько сообщений одного альбома делят это значение.
	AlbumID int64

	// Text — текст, используемый для сопоставления: либо исходный, либо (для
	// "URL-only" постов) подменённый извлечённым текстом страницы.
	Text string
	// DisplayText — исходный текст сообщения, неизменный, для показа пользователю
	// в уведомлении. Пусто, если подмены не происходило (тогда равен Text).
	DisplayText string
	Media       []Media

	SenderName   string
	SenderHandle string
	Timestamp    time.Time
}

type groupBucket struct {
	byID  map[int64]Message
	ready bool
}

// Cache — per-group карта message-id → Message с флагом готовности на группу.
// Безопасен для конкурентного использования.
type Cache struct {
	mu     sync.RWMutex
	groups map[int64]*groupBucket
}

// New создаёт пустой Cache.
func New() *Cache {
	return &Cache{groups: make(map[int64]*groupBucket)}
}

func (c *Cache) bucket(groupID int64) *groupBucket {
	b, ok := c.groups[groupID]
	if !ok {
		b = &groupBucket{byID: make(map[int64]Message)}
		c.groups[groupID] = b
	}
	return b
}

// Upsert добавляет или обновляет сообщение. Используется колбэками new/edit.
func (c *Cache) Upsert(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bucket(msg.GroupID).byID[msg.ID] = msg
}

// Delete удаляет сообщение из кэша. Используется колбэком delete. Предыдущие
// уведомления, уже отправленные по этому сообщению, этим не отзываются.
func (c *Cache) Delete(groupID, messageID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.groups[groupID]
	if !ok {
		return
	}
	delete(b.byID, messageID)
}

// Get возвращает все известные сообщения группы, в неопределённом порядке.
func (c *Cache) Get(groupID int64) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.groups[groupID]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(b.byID))
	for _, m := range b.byID {
		out = append(out, m)
	}
	return out
}

// MarkReady выставляет флаг готовности группы: история backfill для неё завершена.
func (c *Cache) MarkReady(groupID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bucket(groupID).ready = true
}

// IsReady сообщает, завершён ли backfill для группы.
func (c *Cache) IsReady(groupID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.groups[groupID]
	return ok && b.ready
}
