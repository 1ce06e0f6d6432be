package upstream

import (
	"context"
	"hash/fnv"

	"github.com/gotd/td/tg"
)

// SendMessage реализует доставку текстового уведомления пользователю userID:
// резолвит его как peer и отправляет сообщение с детерминированным random_id,
// производным от (userID, dedupeKey), так чтобы повторная отправка того же
// уведомления при ретрае дедуплицировалась сервером, а не создавала дубликат.
func (c *Client) SendMessage(ctx context.Context, userID int64, text, dedupeKey string) error {
	user, err := c.peers.resolveUser(ctx, userID)
	if err != nil {
		return err
	}

	req := &tg.MessagesSendMessageRequest{
		Peer:     user.InputPeer(),
		Message:  text,
		RandomID: deterministicRandomID(userID, dedupeKey),
	}
	if _, err := c.core.API.MessagesSendMessage(ctx, req); err != nil {
		return classifyRPCError("send message", err)
	}
	return nil
}

func deterministicRandomID(userID int64, dedupeKey string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(dedupeKey))
	mixed := h.Sum64() ^ uint64(userID)
	return int64(mixed)
}
