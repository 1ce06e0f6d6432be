// Package cursorstore реализует backfill.CursorStore поверх bbolt: один бакет,
// ключ — пара (группа, тема), значение — последний сохранённый message-id. Тот
// же приём хранения, что и в internal/domain/ledger, но отдельный файл и
// отдельный процесс жизненного цикла: курсоры backfill обновляются на каждой
// странице истории, а не один раз на вердикт.
package cursorstore

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var cursorBucket = []byte("cursors")

const dbOpenTimeout = time.Second

// Store — bbolt-хранилище курсоров возобновления backfill.
type Store struct {
	db *bbolt.DB
}

// Open открывает (создавая при необходимости) файл курсоров по path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("cursorstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cursorBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cursorstore: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close закрывает файл курсоров.
func (s *Store) Close() error {
	return s.db.Close()
}

func cursorKey(groupID, topicID int64) []byte {
	return []byte(fmt.Sprintf("%d:%d", groupID, topicID))
}

// LoadCursor возвращает сохранённый message-id для пары (группа, тема), если он есть.
func (s *Store) LoadCursor(groupID, topicID int64) (int64, bool, error) {
	var messageID int64
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(cursorBucket).Get(cursorKey(groupID, topicID))
		if data == nil {
			return nil
		}
		if len(data) != 8 {
			return fmt.Errorf("cursorstore: corrupt value for %d:%d", groupID, topicID)
		}
		messageID = int64(binary.BigEndian.Uint64(data))
		found = true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("cursorstore: load: %w", err)
	}
	return messageID, found, nil
}

// SaveCursor сохраняет message-id для пары (группа, тема), перезаписывая
// предыдущее значение: в отличие от ledger, курсор всегда движется вперёд, и
// более новое значение всегда должно вытеснять старое.
func (s *Store) SaveCursor(groupID, topicID, messageID int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(messageID))
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(cursorBucket).Put(cursorKey(groupID, topicID), buf)
	})
	if err != nil {
		return fmt.Errorf("cursorstore: save: %w", err)
	}
	return nil
}
