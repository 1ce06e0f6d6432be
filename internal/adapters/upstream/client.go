// Package upstream адаптирует gotd/td под абстрактный набор возможностей,
// которого достаточно ядру сопоставления: подписка на новые/изменённые/
// удалённые сообщения, постраничное чтение истории и тем форума, разрешение
// чата/участника, вступление в чат, скачивание медиа и обход диалогов.
// Конкретные доменные пакеты (pipeline, backfill) не знают о gotd напрямую —
// они видят только свои собственные интерфейсы (messages.Cache-совместимый
// колбэк, backfill.Source/Reconnector), которые Client реализует здесь.
package upstream

import (
	"context"
	"time"

	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/telegram"
	tgupdates "github.com/gotd/td/telegram/updates"
	updhook "github.com/gotd/td/telegram/updates/hook"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	telegramcore "keyword-subscriber/internal/adapters/telegram/core"
	"keyword-subscriber/internal/domain/messages"
	"keyword-subscriber/internal/infra/config"
	"keyword-subscriber/internal/infra/logger"
	"keyword-subscriber/internal/infra/telegram/connection"
	"keyword-subscriber/internal/infra/telegram/session"
)

// Sink получает нормализованные события от апстрима. App-слой передаёт сюда
// реализацию, которая прогоняет новые сообщения через pipeline.Pipeline и
// обновляет messages.Cache по edit/delete.
type Sink interface {
	OnNewMessage(ctx context.Context, msg messages.Message)
	OnEditMessage(ctx context.Context, msg messages.Message)
	OnDeleteMessage(ctx context.Context, groupID, messageID int64)
}

// Dialog — минимальное описание одного диалога апстрима, достаточное чтобы
// решить, входит ли он в множество отслеживаемых групп.
type Dialog struct {
	GroupID  int64
	Title    string
	IsGroup  bool
	IsForum  bool
}

// Client — адаптер gotd/td, реализующий как абстрактные доменные интерфейсы
// (backfill.Source, backfill.Reconnector), так и операции, нужные
// административной поверхности (get-chat, join-chat, get-chat-member,
// download-as-buffer).
type Client struct {
	core       *telegramcore.ClientCore
	dispatcher *tg.UpdateDispatcher
	updMgr     *tgupdates.Manager
	sink       Sink
	peers      *peerResolver

	floodWaiter *floodwait.Waiter
}

// New строит MTProto-клиента: файловое хранилище сессии и апдейтов,
// устройство, тестовый DC при необходимости, флуд-вейт мидлварь, и
// подписывает dispatcher на колбэки, транслирующие апдейты в Sink.
func New(ctx context.Context, sink Sink) (*Client, error) {
	dispatcher := tg.NewUpdateDispatcher()

	updMgr := tgupdates.New(tgupdates.Config{
		Handler: &dispatcher,
		Storage: telegramcore.NewFileStorage(config.Env().StateFile),
	})

	waiter := floodwait.NewWaiter()

	options := telegram.Options{
		SessionStorage: &session.FileStorage{Path: config.Env().SessionFile},
		UpdateHandler:  updMgr,
		Middlewares: []telegram.Middleware{
			updhook.UpdateHook(updMgr.Handle),
			waiter,
		},
		OnDead: func() {
			connection.MarkDisconnected()
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "keyword-subscriber",
			SystemVersion: "linux",
			AppVersion:    "1.0.0",
		},
	}

	core := telegramcore.New(options)

	resolver, err := newPeerResolver(core.API, config.Env().PeersCacheFile)
	if err != nil {
		return nil, err
	}

	c := &Client{
		core:        core,
		dispatcher:  &dispatcher,
		updMgr:      updMgr,
		sink:        sink,
		peers:       resolver,
		floodWaiter: waiter,
	}
	c.registerHandlers()
	return c, nil
}

// registerHandlers подписывает (subscribe-new/edit/delete) диспетчер
// апдейтов на колбэки, нормализующие сырые апдейты gotd в messages.Message
// и передающие их в Sink.
func (c *Client) registerHandlers() {
	c.dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		msg, ok := c.normalizeMessage(e, u.Message)
		if ok {
			c.sink.OnNewMessage(ctx, msg)
		}
		return nil
	})
	c.dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		msg, ok := c.normalizeMessage(e, u.Message)
		if ok {
			c.sink.OnNewMessage(ctx, msg)
		}
		return nil
	})
	c.dispatcher.OnEditMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateEditMessage) error {
		msg, ok := c.normalizeMessage(e, u.Message)
		if ok {
			c.sink.OnEditMessage(ctx, msg)
		}
		return nil
	})
	c.dispatcher.OnEditChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
		msg, ok := c.normalizeMessage(e, u.Message)
		if ok {
			c.sink.OnEditMessage(ctx, msg)
		}
		return nil
	})
	c.dispatcher.OnDeleteMessages(func(ctx context.Context, e tg.Entities, u *tg.UpdateDeleteMessages) error {
		for _, id := range u.Messages {
			c.sink.OnDeleteMessage(ctx, 0, int64(id))
		}
		return nil
	})
	c.dispatcher.OnDeleteChannelMessages(func(ctx context.Context, e tg.Entities, u *tg.UpdateDeleteChannelMessages) error {
		for _, id := range u.Messages {
			c.sink.OnDeleteMessage(ctx, int64(u.ChannelID), int64(id))
		}
		return nil
	})
}

// normalizeMessage преобразует tg.MessageClass в messages.Message. Фильтрует
// личные сообщения и сервисные события на верхнем уровне §4.10 п.1 — здесь
// возвращает ok=false для всего, что не является постом в групповом чате.
func (c *Client) normalizeMessage(e tg.Entities, mc tg.MessageClass) (messages.Message, bool) {
	m, ok := mc.(*tg.Message)
	if !ok || m.Out {
		return messages.Message{}, false
	}

	groupID, isGroup := peerGroupID(m.PeerID)
	if !isGroup {
		return messages.Message{}, false
	}
	if ch, ok := e.Channels[groupID]; ok && ch.Broadcast {
		return messages.Message{}, false
	}

	senderName, senderHandle := resolveSender(e, m.FromID)
	groupName := resolveChatTitle(e, groupID)

	return messages.Message{
		ID:           int64(m.ID),
		GroupID:      groupID,
		GroupName:    groupName,
		TopicID:      topicIDOf(m),
		AlbumID:      m.GroupedID,
		Text:         m.Message,
		Media:        mediaOf(m),
		SenderName:   senderName,
		SenderHandle: senderHandle,
		Timestamp:    time.Unix(int64(m.Date), 0).UTC(),
	}, true
}

func peerGroupID(p tg.PeerClass) (int64, bool) {
	switch v := p.(type) {
	case *tg.PeerChat:
		return v.ChatID, true
	case *tg.PeerChannel:
		return v.ChannelID, true
	default:
		return 0, false
	}
}

func topicIDOf(m *tg.Message) int64 {
	if m.ReplyTo == nil {
		return 0
	}
	if rt, ok := m.ReplyTo.(*tg.MessageReplyHeader); ok && rt.ForumTopic {
		return int64(rt.ReplyToTopID)
	}
	return 0
}

func mediaOf(m *tg.Message) []messages.Media {
	if m.Media == nil {
		return nil
	}
	switch v := m.Media.(type) {
	case *tg.MessageMediaPhoto:
		if photo, ok := v.Photo.(*tg.Photo); ok {
			return []messages.Media{{Index: 0, MimeType: "image/jpeg", Width: maxPhotoDim(photo), Height: maxPhotoDim(photo)}}
		}
	case *tg.MessageMediaDocument:
		if doc, ok := v.Document.(*tg.Document); ok {
			return []messages.Media{{Index: 0, MimeType: doc.MimeType}}
		}
	}
	return nil
}

func maxPhotoDim(p *tg.Photo) int {
	best := 0
	for _, sz := range p.Sizes {
		if s, ok := sz.(*tg.PhotoSize); ok && s.W > best {
			best = s.W
		}
	}
	return best
}

func resolveSender(e tg.Entities, from tg.PeerClass) (name, handle string) {
	if from == nil {
		return "", ""
	}
	pc, ok := from.(*tg.PeerUser)
	if !ok {
		return "", ""
	}
	if u, ok := e.Users[pc.UserID]; ok {
		name = joinName(u.FirstName, u.LastName)
		handle = u.Username
	}
	return name, handle
}

func joinName(first, last string) string {
	if last == "" {
		return first
	}
	return first + " " + last
}

func resolveChatTitle(e tg.Entities, groupID int64) string {
	if ch, ok := e.Channels[groupID]; ok {
		return ch.Title
	}
	if ch, ok := e.Chats[groupID]; ok {
		return ch.Title
	}
	return ""
}

// Start запускает сетевой клиент и авторизацию; блокирует до завершения ctx
// или фатальной ошибки соединения (реализует "start-session"). onReady, если
// не nil, вызывается ровно один раз сразу после успешного логина — это точка,
// с которой остальные сервисы (backfill, ретроспективный поиск) могут
// полагаться на наличие живого авторизованного соединения.
func (c *Client) Start(ctx context.Context, onReady func(ctx context.Context)) error {
	return c.core.Client.Run(ctx, func(ctx context.Context) error {
		if err := c.core.Login(ctx); err != nil {
			return FatalError{Reason: err.Error()}
		}
		go func() {
			if err := c.floodWaiter.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warnf("upstream: flood-wait waiter stopped: %v", err)
			}
		}()
		logger.Info("upstream: session started")
		if onReady != nil {
			onReady(ctx)
		}
		<-ctx.Done()
		return ctx.Err()
	})
}

// Destroy завершает сессию на сервере и удаляет локальный файл сессии
// ("destroy-session").
func (c *Client) Destroy(ctx context.Context) error {
	if c.peers != nil {
		_ = c.peers.Close()
	}
	return c.core.Logout(ctx)
}

// Reconnect реализует backfill.Reconnector: поскольку gotd держит одно
// MTProto-соединение на процесс, переподключение здесь — это ожидание
// восстановления соединения менеджером connection, а не пересоздание клиента.
func (c *Client) Reconnect(ctx context.Context) error {
	connection.WaitOnline(ctx)
	return ctx.Err()
}

// classifyRPCError переводит ошибку gotd в таксономию UpstreamError. Флуд-вейт
// обычно уже поглощается мидлварью floodwait до возврата из RPC-вызова; эта
// ветка остаётся как защита на случай ошибок, которые мидлварь не перехватила.
func classifyRPCError(op string, err error) error {
	if err == nil {
		return nil
	}
	if rpcErr, ok := tgerr.As(err); ok {
		switch rpcErr.Type {
		case "FLOOD_WAIT":
			return FloodWaitError{Seconds: rpcErr.Argument}
		case "CHANNEL_INVALID", "CHANNEL_PRIVATE", "CHAT_ID_INVALID":
			return InvalidChannelError{Reason: rpcErr.Message}
		case "AUTH_KEY_UNREGISTERED", "USER_DEACTIVATED", "AUTH_KEY_INVALID":
			return FatalError{Reason: rpcErr.Message}
		}
	}
	return TransportError{Op: op, Err: err}
}
