package upstream

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"

	"keyword-subscriber/internal/domain/messages"
)

// ChatInfo — сведения о чате/канале, нужные административной поверхности
// ("get-chat").
type ChatInfo struct {
	GroupID   int64
	Title     string
	Username  string
	IsForum   bool
	IsChannel bool
}

// ChatMember — сведения об участнике чата ("get-chat-member").
type ChatMember struct {
	UserID int64
	Name   string
	Handle string
	Status string
}

// GetChat возвращает метаданные группы/канала по её идентификатору.
func (c *Client) GetChat(ctx context.Context, groupID int64) (ChatInfo, error) {
	peer, err := c.peers.resolveGroup(ctx, groupID)
	if err != nil {
		return ChatInfo{}, err
	}
	switch p := peer.(type) {
	case peers.Channel:
		raw := p.Raw()
		return ChatInfo{
			GroupID:   groupID,
			Title:     raw.Title,
			Username:  raw.Username,
			IsForum:   raw.Forum,
			IsChannel: true,
		}, nil
	case peers.Chat:
		raw := p.Raw()
		return ChatInfo{GroupID: groupID, Title: raw.Title}, nil
	default:
		return ChatInfo{}, fmt.Errorf("upstream: unsupported chat kind %T", peer)
	}
}

// GetChatMember реализует "get-chat-member": статус участника в канале/
// супергруппе. Обычные (не-супергрупповые) чаты не поддерживают этот RPC
// в Telegram и возвращают TransportError.
func (c *Client) GetChatMember(ctx context.Context, groupID, userID int64) (ChatMember, error) {
	channel, err := c.peers.resolveChannel(ctx, groupID)
	if err != nil {
		return ChatMember{}, err
	}
	user, err := c.peers.resolveUser(ctx, userID)
	if err != nil {
		return ChatMember{}, err
	}

	resp, err := c.core.API.ChannelsGetParticipant(ctx, &tg.ChannelsGetParticipantRequest{
		Channel:    channel.InputChannel(),
		Participant: user.InputPeer(),
	})
	if err != nil {
		return ChatMember{}, classifyRPCError("get chat member", err)
	}

	name, handle := "", ""
	raw := user.Raw()
	name = joinName(raw.FirstName, raw.LastName)
	handle = raw.Username

	return ChatMember{
		UserID: userID,
		Name:   name,
		Handle: handle,
		Status: participantStatus(resp.Participant),
	}, nil
}

func participantStatus(p tg.ChannelParticipantClass) string {
	switch p.(type) {
	case *tg.ChannelParticipantCreator:
		return "creator"
	case *tg.ChannelParticipantAdmin:
		return "admin"
	case *tg.ChannelParticipantBanned:
		return "banned"
	case *tg.ChannelParticipantLeft:
		return "left"
	default:
		return "member"
	}
}

// JoinChat реализует "join-chat": вступление в публичный/пригласительный
// канал или супергруппу по её идентификатору (группа должна быть уже
// разрешима через peer-кэш, например, из результатов IterDialogs или по
// ссылке, обработанной выше по стеку).
func (c *Client) JoinChat(ctx context.Context, groupID int64) error {
	channel, err := c.peers.resolveChannel(ctx, groupID)
	if err != nil {
		return err
	}
	if _, err := c.core.API.ChannelsJoinChannel(ctx, channel.InputChannel()); err != nil {
		return classifyRPCError("join channel", err)
	}
	return nil
}

// DownloadAsBuffer реализует "download-as-buffer": скачивание медиа-вложения
// сообщения целиком в память, для последующей записи на диск доменным
// media-хранилищем.
func (c *Client) DownloadAsBuffer(ctx context.Context, groupID, messageID int64, mediaIndex int) ([]byte, error) {
	peer, err := c.peers.resolveGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	loc, err := c.mediaLocation(ctx, peer.InputPeer(), messageID, mediaIndex)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	d := downloader.NewDownloader()
	if _, err := d.Download(c.core.API, loc).Stream(ctx, &buf); err != nil {
		return nil, classifyRPCError("download media", err)
	}
	return buf.Bytes(), nil
}

func (c *Client) mediaLocation(ctx context.Context, peer tg.InputPeerClass, messageID int64, mediaIndex int) (tg.InputFileLocationClass, error) {
	resp, err := c.core.API.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     peer,
		OffsetID: int(messageID) + 1,
		Limit:    1,
	})
	if err != nil {
		return nil, classifyRPCError("get message for media", err)
	}
	msgClasses, _, _ := messagesOf(resp)
	if len(msgClasses) == 0 {
		return nil, InvalidChannelError{GroupID: messageID, Reason: "message not found"}
	}
	m, ok := msgClasses[0].(*tg.Message)
	if !ok || m.Media == nil {
		return nil, InvalidChannelError{GroupID: messageID, Reason: "message has no media"}
	}

	switch media := m.Media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := media.Photo.(*tg.Photo)
		if !ok {
			return nil, InvalidChannelError{GroupID: messageID, Reason: "photo unavailable"}
		}
		thumb := biggestSize(photo.Sizes)
		return &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     thumb,
		}, nil
	case *tg.MessageMediaDocument:
		doc, ok := media.Document.(*tg.Document)
		if !ok {
			return nil, InvalidChannelError{GroupID: messageID, Reason: "document unavailable"}
		}
		return &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}, nil
	default:
		return nil, InvalidChannelError{GroupID: messageID, Reason: "unsupported media kind"}
	}
}

func biggestSize(sizes []tg.PhotoSizeClass) string {
	best, bestW := "", 0
	for _, sz := range sizes {
		if s, ok := sz.(*tg.PhotoSize); ok && s.W > bestW {
			bestW = s.W
			best = s.Type
		}
	}
	return best
}

// IterDialogs реализует "iter-dialogs": снимок групповых диалогов текущего
// аккаунта, отфильтрованный до обычных групп, супергрупп и форумов (личные
// переписки и broadcast-каналы вне доменной области исключаются на этом
// уровне, до попадания в список, который backfill будет реплеить).
func (c *Client) IterDialogs(ctx context.Context) ([]Dialog, error) {
	infos, err := c.peers.iterDialogs(ctx, c.core.API)
	if err != nil {
		return nil, err
	}
	out := make([]Dialog, 0, len(infos))
	for _, d := range infos {
		out = append(out, Dialog{GroupID: d.groupID, Title: d.title, IsGroup: d.isGroup, IsForum: d.isForum})
	}
	return out, nil
}

// GetMessageGroup реализует "get-message-group": все сообщения альбома,
// разделяющие GroupedID с сообщением anchorID, в порядке их ID. Читает
// небольшое окно истории вокруг anchorID, поскольку Telegram не предоставляет
// отдельный RPC "получить альбом целиком" — альбом виден только как
// последовательность соседних сообщений с одинаковым GroupedID.
func (c *Client) GetMessageGroup(ctx context.Context, groupID, anchorID int64) ([]messages.Message, error) {
	const window = 10

	peer, err := c.peers.resolveGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	resp, err := c.core.API.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     peer.InputPeer(),
		OffsetID: int(anchorID) + window,
		Limit:    2 * window,
	})
	if err != nil {
		return nil, classifyRPCError("get message group", err)
	}
	msgClasses, users, chats := messagesOf(resp)
	entities := entitiesFromSlices(users, chats)

	var anchorGroup int64
	found := false
	for _, mc := range msgClasses {
		if m, ok := mc.(*tg.Message); ok && int64(m.ID) == anchorID {
			anchorGroup = m.GroupedID
			found = true
			break
		}
	}
	if !found || anchorGroup == 0 {
		m, ok := c.normalizeMessage(entities, findByID(msgClasses, anchorID))
		if !ok {
			return nil, nil
		}
		return []messages.Message{m}, nil
	}

	var out []messages.Message
	for _, mc := range msgClasses {
		m, ok := mc.(*tg.Message)
		if !ok || m.GroupedID != anchorGroup {
			continue
		}
		norm, ok := c.normalizeMessage(entities, mc)
		if ok {
			out = append(out, norm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func findByID(msgClasses []tg.MessageClass, id int64) tg.MessageClass {
	for _, mc := range msgClasses {
		if m, ok := mc.(*tg.Message); ok && int64(m.ID) == id {
			return mc
		}
	}
	return nil
}
