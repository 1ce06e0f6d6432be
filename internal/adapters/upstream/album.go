package upstream

import (
	"context"
	"sort"

	"github.com/gotd/td/tg"

	"keyword-subscriber/internal/domain/album"
)

// albumFetchWindow — сколько последних сообщений группы просматривается в
// поисках фрагментов альбома. Альбомы доставляются Telegram почти одновременно,
// так что узкое окно недавней истории покрывает его целиком без отдельного RPC,
// которого для альбомов не существует.
const albumFetchWindow = 20

// FetchAlbumFragments реализует album.FragmentFetcher: возвращает все сообщения
// недавней истории группы с этим GroupedID, в порядке возрастания message-id.
func (c *Client) FetchAlbumFragments(ctx context.Context, groupID, albumID int64) ([]album.Fragment, error) {
	peer, err := c.peers.resolveGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	resp, err := c.core.API.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  peer.InputPeer(),
		Limit: albumFetchWindow,
	})
	if err != nil {
		return nil, classifyRPCError("get album fragments", err)
	}
	msgClasses, users, chats := messagesOf(resp)
	entities := entitiesFromSlices(users, chats)

	type found struct {
		id  int64
		msg album.Fragment
	}
	var matches []found
	for _, mc := range msgClasses {
		raw, ok := mc.(*tg.Message)
		if !ok || raw.GroupedID != albumID {
			continue
		}
		normalized, ok := c.normalizeMessage(entities, mc)
		if !ok {
			continue
		}
		matches = append(matches, found{id: int64(raw.ID), msg: album.Fragment{
			Caption: normalized.Text,
			Media:   normalized.Media,
		}})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].id < matches[j].id })

	fragments := make([]album.Fragment, 0, len(matches))
	for _, m := range matches {
		fragments = append(fragments, m.msg)
	}
	return fragments, nil
}
