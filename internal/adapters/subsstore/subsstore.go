// Package subsstore реализует subscriptions.Store поверх JSON-файла,
// администрируемого внешней поверхностью управления. Весь файл перечитывается
// на каждый промах subscriptions.Cache — это редкий путь (раз в TTL на группу),
// так что простота файла важнее инкрементальных обновлений.
package subsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"keyword-subscriber/internal/domain/subscriptions"
	"keyword-subscriber/internal/infra/logger"
)

// wireSubscription — форма одной подписки на диске.
type wireSubscription struct {
	ID                 int64               `json:"id"`
	UserID             int64               `json:"user_id"`
	Query              string              `json:"query"`
	PositiveKeywords   []string            `json:"positive_keywords"`
	NegativeKeywords   []string            `json:"negative_keywords"`
	Description        string             `json:"description"`
	PositiveEmbeddings map[string][]float32 `json:"positive_embeddings,omitempty"`
	NegativeEmbeddings map[string][]float32 `json:"negative_embeddings,omitempty"`
	Active             bool                `json:"active"`
	GroupIDs           []int64             `json:"group_ids"`
}

// fileSchema — обёртка для корневого JSON: { "subscriptions": [...] }.
type fileSchema struct {
	Subscriptions []wireSubscription `json:"subscriptions"`
}

// Store читает подписки из одного JSON-файла по требованию.
type Store struct {
	path string
}

// New создаёт Store поверх файла по path.
func New(path string) *Store {
	return &Store{path: path}
}

// ListByGroup реализует subscriptions.Store: читает файл целиком и возвращает
// только активные подписки, перечисляющие groupID среди своих групп.
func (s *Store) ListByGroup(ctx context.Context, groupID int64) ([]subscriptions.Subscription, error) {
	data, err := os.ReadFile(filepath.Clean(s.path))
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warnf("subsstore: %s does not exist yet, treating as empty", s.path)
			return nil, nil
		}
		return nil, fmt.Errorf("subsstore: read %s: %w", s.path, err)
	}

	var schema fileSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("subsstore: parse %s: %w", s.path, err)
	}

	out := make([]subscriptions.Subscription, 0, len(schema.Subscriptions))
	for _, w := range schema.Subscriptions {
		if !w.Active {
			continue
		}
		sub := subscriptions.Subscription{
			ID:                 w.ID,
			UserID:             w.UserID,
			Query:              w.Query,
			PositiveKeywords:   w.PositiveKeywords,
			NegativeKeywords:   w.NegativeKeywords,
			Description:        w.Description,
			PositiveEmbeddings: w.PositiveEmbeddings,
			NegativeEmbeddings: w.NegativeEmbeddings,
			Active:             w.Active,
			GroupIDs:           w.GroupIDs,
		}
		if sub.AppliesToGroup(groupID) {
			out = append(out, sub)
		}
	}
	return out, nil
}
