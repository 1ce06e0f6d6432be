package upstream

import (
	"context"
	"fmt"

	bboltdb "github.com/gotd/contrib/bbolt"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
)

var peerCacheBucket = []byte("upstream_peers")

// peerResolver кэширует access_hash пиров на bbolt и разрешает идентификаторы
// групп в tg.InputPeerClass/tg.InputChannelClass, нужные RPC-вызовам.
type peerResolver struct {
	db  *bbolt.DB
	mgr *peers.Manager
}

func newPeerResolver(api *tg.Client, dbPath string) (*peerResolver, error) {
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{})
	if err != nil {
		return nil, fmt.Errorf("upstream: open peer cache: %w", err)
	}
	store := bboltdb.NewPeerStorage(db, peerCacheBucket)
	return &peerResolver{
		db:  db,
		mgr: (peers.Options{Storage: store}).Build(api),
	}, nil
}

func (r *peerResolver) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// resolveGroup находит пира по идентификатору группы, пробуя сперва
// канал/супергруппу (форум-группы тоже являются каналами), затем обычный чат.
func (r *peerResolver) resolveGroup(ctx context.Context, groupID int64) (peers.Peer, error) {
	if channel, err := r.mgr.ResolveChannelID(ctx, groupID); err == nil {
		return channel, nil
	}
	chat, err := r.mgr.ResolveChatID(ctx, groupID)
	if err != nil {
		return nil, classifyRPCError("resolve group", err)
	}
	return chat, nil
}

func (r *peerResolver) resolveChannel(ctx context.Context, groupID int64) (peers.Channel, error) {
	channel, err := r.mgr.ResolveChannelID(ctx, groupID)
	if err != nil {
		return peers.Channel{}, classifyRPCError("resolve channel", err)
	}
	return channel, nil
}

func (r *peerResolver) resolveUser(ctx context.Context, userID int64) (peers.User, error) {
	user, err := r.mgr.ResolveUserID(ctx, userID)
	if err != nil {
		return peers.User{}, classifyRPCError("resolve user", err)
	}
	return user, nil
}

// dialogInfo — минимальные данные одного диалога, извлечённые из ответа
// messages.getDialogs, достаточные для построения Dialog.
type dialogInfo struct {
	groupID int64
	title   string
	isGroup bool
	isForum bool
}

// iterDialogs постранично выгружает весь список диалогов через
// messages.getDialogs, применяя полученные сущности к peers.Manager по пути
// (тот же способ пагинации по offset_date/offset_id/offset_peer, что и обход
// истории чата/канала).
func (r *peerResolver) iterDialogs(ctx context.Context, api *tg.Client) ([]dialogInfo, error) {
	var (
		offsetDate = 0
		offsetID   = 0
		offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}
	)

	userHashes := make(map[int64]int64)
	channelHashes := make(map[int64]int64)
	titles := make(map[int64]string)
	isChannel := make(map[int64]bool)
	isForum := make(map[int64]bool)

	var groupIDs []int64
	seen := make(map[int64]bool)

	for {
		resp, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      100,
		})
		if err != nil {
			return nil, classifyRPCError("get dialogs", err)
		}

		batch, done, err := normalizeDialogs(resp)
		if err != nil {
			return nil, err
		}
		if done || len(batch.Dialogs) == 0 {
			break
		}

		if err := r.mgr.Apply(ctx, batch.Users, batch.Chats); err != nil {
			return nil, fmt.Errorf("upstream: apply dialog entities: %w", err)
		}

		for _, u := range batch.Users {
			if user, ok := u.(*tg.User); ok {
				userHashes[user.ID] = user.AccessHash
			}
		}
		for _, c := range batch.Chats {
			switch chat := c.(type) {
			case *tg.Channel:
				channelHashes[chat.ID] = chat.AccessHash
				titles[chat.ID] = chat.Title
				isChannel[chat.ID] = true
				isForum[chat.ID] = chat.Forum
				if !seen[chat.ID] && (chat.Megagroup || chat.Gigagroup) {
					seen[chat.ID] = true
					groupIDs = append(groupIDs, chat.ID)
				}
			case *tg.Chat:
				titles[chat.ID] = chat.Title
				if !seen[chat.ID] {
					seen[chat.ID] = true
					groupIDs = append(groupIDs, chat.ID)
				}
			}
		}

		last := batch.Dialogs[len(batch.Dialogs)-1]
		peer, topMsg := dialogOffsetSource(last)
		if peer != nil {
			offsetPeer = dialogPeerToInput(peer, userHashes, channelHashes)
		}
		offsetID = topMsg
		offsetDate = messageDateFor(batch.Messages, topMsg, offsetDate)

		if len(batch.Dialogs) < 100 {
			break
		}
	}

	result := make([]dialogInfo, 0, len(groupIDs))
	for _, id := range groupIDs {
		result = append(result, dialogInfo{
			groupID: id,
			title:   titles[id],
			isGroup: true,
			isForum: isForum[id],
		})
	}
	return result, nil
}

func normalizeDialogs(resp tg.MessagesDialogsClass) (*tg.MessagesDialogs, bool, error) {
	switch data := resp.(type) {
	case *tg.MessagesDialogs:
		return data, false, nil
	case *tg.MessagesDialogsSlice:
		return &tg.MessagesDialogs{
			Dialogs:  data.Dialogs,
			Messages: data.Messages,
			Chats:    data.Chats,
			Users:    data.Users,
		}, false, nil
	case *tg.MessagesDialogsNotModified:
		return nil, true, nil
	default:
		return nil, false, fmt.Errorf("upstream: unexpected dialogs response %T", resp)
	}
}

func dialogOffsetSource(d tg.DialogClass) (tg.PeerClass, int) {
	switch dlg := d.(type) {
	case *tg.Dialog:
		return dlg.Peer, dlg.TopMessage
	case *tg.DialogFolder:
		return dlg.Peer, dlg.TopMessage
	default:
		return nil, 0
	}
}

func messageDateFor(messages []tg.MessageClass, id, fallback int) int {
	for _, msg := range messages {
		switch m := msg.(type) {
		case *tg.Message:
			if m.ID == id {
				return m.Date
			}
		case *tg.MessageService:
			if m.ID == id {
				return m.Date
			}
		}
	}
	return fallback
}

func dialogPeerToInput(peer tg.PeerClass, userHashes, channelHashes map[int64]int64) tg.InputPeerClass {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return &tg.InputPeerUser{UserID: p.UserID, AccessHash: userHashes[p.UserID]}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: p.ChatID}
	case *tg.PeerChannel:
		return &tg.InputPeerChannel{ChannelID: p.ChannelID, AccessHash: channelHashes[p.ChannelID]}
	default:
		return &tg.InputPeerEmpty{}
	}
}
