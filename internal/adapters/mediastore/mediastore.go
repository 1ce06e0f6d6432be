// Package mediastore реализует pipeline.MediaStore: скачивает вложения
// совпавшего сообщения через апстрим и сохраняет их на диск, по одной
// персистентной директории на группу. Рядом с каждым файлом кладётся
// JSON-side-car с MIME-типом и размерами — downloader отдаёт только байты, а
// эти атрибуты уже известны из нормализованного сообщения.
package mediastore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"golang.org/x/time/rate"

	"keyword-subscriber/internal/domain/messages"
	"keyword-subscriber/internal/infra/storage"
)

// downloader — часть upstream.Client, нужная для получения байтов вложения.
type downloader interface {
	DownloadAsBuffer(ctx context.Context, groupID, messageID int64, mediaIndex int) ([]byte, error)
}

const (
	// DefaultRPS ограничивает частоту загрузок вложений через MTProto, чтобы
	// всплеск совпадений по альбому не перегрузил соединение запросами
	// upload.getFile вперемешку с остальным трафиком апстрима.
	DefaultRPS   = 3
	DefaultBurst = 3
)

// Store сохраняет вложения совпавших сообщений в каталоге root/<groupID>/.
type Store struct {
	downloader downloader
	root       string
	limiter    *rate.Limiter
}

// New создаёт Store поверх downloader, пишущий в каталог root.
func New(downloader downloader, root string) *Store {
	return &Store{
		downloader: downloader,
		root:       root,
		limiter:    rate.NewLimiter(rate.Limit(DefaultRPS), DefaultBurst),
	}
}

// sidecar — атрибуты одного вложения, сохраняемые рядом с байтами.
type sidecar struct {
	MimeType string `json:"mime_type"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

// Persist скачивает и сохраняет каждое вложение сообщения. Уже существующий
// файл не перекачивается повторно: Persist может быть вызван для одного и
// того же сообщения с разных подписок, совпавших независимо.
func (s *Store) Persist(ctx context.Context, groupID, messageID int64, media []messages.Media) error {
	for _, m := range media {
		base := s.basePath(groupID, messageID, m.Index)
		if storage.FileExists(base + ".bin") {
			continue
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("mediastore: rate limit wait: %w", err)
		}
		data, err := s.downloader.DownloadAsBuffer(ctx, groupID, messageID, m.Index)
		if err != nil {
			return fmt.Errorf("mediastore: download group=%d message=%d index=%d: %w", groupID, messageID, m.Index, err)
		}
		if err := storage.AtomicWriteFile(base+".bin", data); err != nil {
			return fmt.Errorf("mediastore: write media: %w", err)
		}

		meta, err := json.Marshal(sidecar{MimeType: m.MimeType, Width: m.Width, Height: m.Height})
		if err != nil {
			return fmt.Errorf("mediastore: encode sidecar: %w", err)
		}
		if err := storage.AtomicWriteFile(base+".json", meta); err != nil {
			return fmt.Errorf("mediastore: write sidecar: %w", err)
		}
	}
	return nil
}

func (s *Store) basePath(groupID, messageID int64, index int) string {
	return filepath.Join(s.root, fmt.Sprintf("%d", groupID), fmt.Sprintf("%d_%d", messageID, index))
}
