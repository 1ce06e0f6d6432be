package upstream

import (
	"context"

	"github.com/gotd/td/tg"

	"keyword-subscriber/internal/domain/messages"
)

// FetchHistoryPage реализует backfill.Source: страница истории группы, старше
// beforeMessageID (0 — с самого нового сообщения). topicID == 0 значит "вся
// группа"; иначе страница читается из ветки темы форума через messages.getReplies,
// поскольку в Telegram тема форума — это ветка ответов на корневое сообщение темы.
func (c *Client) FetchHistoryPage(ctx context.Context, groupID, topicID, beforeMessageID int64, limit int) ([]messages.Message, error) {
	peer, err := c.peers.resolveGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	inputPeer := peer.InputPeer()

	var (
		msgClasses []tg.MessageClass
		users      []tg.UserClass
		chats      []tg.ChatClass
	)

	if topicID == 0 {
		resp, err := c.core.API.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     inputPeer,
			OffsetID: int(beforeMessageID),
			Limit:    limit,
		})
		if err != nil {
			return nil, classifyRPCError("get history", err)
		}
		msgClasses, users, chats = messagesOf(resp)
	} else {
		resp, err := c.core.API.MessagesGetReplies(ctx, &tg.MessagesGetRepliesRequest{
			Peer:     inputPeer,
			MsgID:    int(topicID),
			OffsetID: int(beforeMessageID),
			Limit:    limit,
		})
		if err != nil {
			return nil, classifyRPCError("get topic replies", err)
		}
		msgClasses, users, chats = messagesOf(resp)
	}

	entities := entitiesFromSlices(users, chats)
	out := make([]messages.Message, 0, len(msgClasses))
	for _, mc := range msgClasses {
		m, ok := c.normalizeMessage(entities, mc)
		if !ok {
			continue
		}
		if topicID != 0 {
			m.TopicID = topicID
		}
		out = append(out, m)
	}
	return out, nil
}

// ListTopics реализует backfill.Source: идентификаторы тем форума группы.
// Для не-форумной группы/канала возвращает nil без ошибки.
func (c *Client) ListTopics(ctx context.Context, groupID int64) ([]int64, error) {
	channel, err := c.peers.resolveChannel(ctx, groupID)
	if err != nil {
		return nil, nil
	}
	if !channel.Raw().Forum {
		return nil, nil
	}

	resp, err := c.core.API.ChannelsGetForumTopics(ctx, &tg.ChannelsGetForumTopicsRequest{
		Channel: channel.InputChannel(),
		Limit:   100,
	})
	if err != nil {
		return nil, classifyRPCError("get forum topics", err)
	}

	ids := make([]int64, 0, len(resp.Topics))
	for _, t := range resp.Topics {
		if topic, ok := t.(*tg.ForumTopic); ok {
			ids = append(ids, int64(topic.ID))
		}
	}
	return ids, nil
}

func messagesOf(resp tg.MessagesMessagesClass) ([]tg.MessageClass, []tg.UserClass, []tg.ChatClass) {
	switch v := resp.(type) {
	case *tg.MessagesMessages:
		return v.Messages, v.Users, v.Chats
	case *tg.MessagesMessagesSlice:
		return v.Messages, v.Users, v.Chats
	case *tg.MessagesChannelMessages:
		return v.Messages, v.Users, v.Chats
	default:
		return nil, nil, nil
	}
}

func entitiesFromSlices(users []tg.UserClass, chats []tg.ChatClass) tg.Entities {
	e := tg.Entities{
		Users:    make(map[int64]*tg.User),
		Chats:    make(map[int64]*tg.Chat),
		Channels: make(map[int64]*tg.Channel),
	}
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			e.Users[user.ID] = user
		}
	}
	for _, c := range chats {
		switch v := c.(type) {
		case *tg.Chat:
			e.Chats[v.ID] = v
		case *tg.Channel:
			e.Channels[v.ID] = v
		}
	}
	return e
}
