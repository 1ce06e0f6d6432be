package app

import (
	"context"

	"keyword-subscriber/internal/domain/album"
	"keyword-subscriber/internal/domain/messages"
	"keyword-subscriber/internal/domain/pipeline"
	"keyword-subscriber/internal/infra/logger"
)

// routingSink адаптирует upstream.Sink к доменному конвейеру: альбомы
// собираются в одно сообщение перед попаданием в Pipeline, кэш недавних
// сообщений обновляется на каждое событие. pipeline устанавливается после
// конструирования (см. App.Init) — до запуска upstream.Client.Start события
// ещё не могут прийти, так что гонки на этом поле нет.
type routingSink struct {
	cache    *messages.Cache
	album    *album.Assembler
	pipeline *pipeline.Pipeline
}

func (s *routingSink) OnNewMessage(ctx context.Context, msg messages.Message) {
	if msg.AlbumID != 0 {
		assembled, first, err := s.album.Process(ctx, msg.GroupID, msg.AlbumID)
		if err != nil {
			logger.Warnf("app: assemble album %d in group %d: %v", msg.AlbumID, msg.GroupID, err)
			return
		}
		if !first {
			return
		}
		msg.Text = assembled.Text
		msg.DisplayText = assembled.Text
		msg.Media = assembled.Media
	} else if msg.DisplayText == "" {
		msg.DisplayText = msg.Text
	}

	s.cache.Upsert(msg)
	if err := s.pipeline.Process(ctx, msg); err != nil {
		logger.Errorf("app: process message %d in group %d: %v", msg.ID, msg.GroupID, err)
	}
}

func (s *routingSink) OnEditMessage(ctx context.Context, msg messages.Message) {
	if msg.DisplayText == "" {
		msg.DisplayText = msg.Text
	}
	s.cache.Upsert(msg)
}

func (s *routingSink) OnDeleteMessage(ctx context.Context, groupID, messageID int64) {
	s.cache.Delete(groupID, messageID)
}
