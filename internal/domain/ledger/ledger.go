// Package ledger — персистентный журнал обработки поверх bbolt: для каждой пары
// (подписка × сообщение) ровно одна запись анализа, и для каждой пары
// (пользователь × сообщение) ровно одна запись о состоявшемся уведомлении.
// Обе вставки идемпотентны: повторная запись по уже занятому ключу — no-op, а не
// перезапись и не ошибка. Бакеты открываются один раз при Open и живут вместе с
// процессом; конкурентные писатели сериализуются самим bbolt.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	analysisBucket = []byte("analyses")
	notifiedBucket = []byte("notified")
)

// dbOpenTimeout ограничивает ожидание файловой блокировки bbolt при открытии.
const dbOpenTimeout = time.Second

// Verdict — вид исхода анализа одной пары (подписка, сообщение). Значения
// фиксированы буквально так, как их называет остальная документация системы.
type Verdict string

const (
	VerdictMatched          Verdict = "matched"
	VerdictRejectedNgram    Verdict = "rejected-ngram"
	VerdictRejectedSemantic Verdict = "rejected-semantic"
	VerdictRejectedNegative Verdict = "rejected-negative"
	VerdictRejectedVerifier Verdict = "rejected-verifier"
)

// AnalysisKey идентифицирует одну пару (подписка, сообщение, группа).
type AnalysisKey struct {
	SubscriptionID int64
	MessageID      int64
	GroupID        int64
}

func (k AnalysisKey) bytes() []byte {
	return []byte(fmt.Sprintf("%d:%d:%d", k.SubscriptionID, k.MessageID, k.GroupID))
}

// NotifiedKey идентифицирует "этот пользователь уже уведомлён по этому сообщению,
// через любую подписку".
type NotifiedKey struct {
	UserID    int64
	MessageID int64
	GroupID   int64
}

func (k NotifiedKey) bytes() []byte {
	return []byte(fmt.Sprintf("%d:%d:%d", k.UserID, k.MessageID, k.GroupID))
}

// AnalysisRecord — сохраняемые атрибуты одного вердикта анализа.
type AnalysisRecord struct {
	// ID — уникальный идентификатор записи, присваивается при первой записи.
	// Используется для сопоставления записи журнала с сообщениями в логах
	// (например, при разборе жалоб оператора на конкретный вердикт).
	ID                 string     `json:"id"`
	Verdict            Verdict    `json:"verdict"`
	LexicalScore       float64    `json:"lexical_score"`
	SemanticScore      *float64   `json:"semantic_score,omitempty"`
	VerifierConfidence *float64   `json:"verifier_confidence,omitempty"`
	VerifierProse      string     `json:"verifier_prose,omitempty"`
	RejectionKeyword   string     `json:"rejection_keyword,omitempty"`
	NotifiedAt         *time.Time `json:"notified_at,omitempty"`
}

// NotifiedRecord — сохраняемые атрибуты одной записи "пользователь уведомлён".
type NotifiedRecord struct {
	NotifiedAt time.Time `json:"notified_at"`
}

// Ledger — bbolt-хранилище журнала анализов и уведомлений.
type Ledger struct {
	db *bbolt.DB
}

// Open открывает (создавая при необходимости) файл журнала по path и гарантирует
// наличие обоих бакетов.
func Open(path string) (*Ledger, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(analysisBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(notifiedBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: init buckets: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close закрывает файл журнала.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Stats — число сохранённых записей в каждом бакете, для операторской консоли.
type Stats struct {
	Analyses  int
	Notified  int
}

// Stats возвращает размеры обоих бакетов журнала.
func (l *Ledger) Stats() (Stats, error) {
	var st Stats
	err := l.db.View(func(tx *bbolt.Tx) error {
		st.Analyses = tx.Bucket(analysisBucket).Stats().KeyN
		st.Notified = tx.Bucket(notifiedBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("ledger: stats: %w", err)
	}
	return st, nil
}

// RecordAnalysis записывает анализ пары, если его там ещё нет. Повторная запись
// по уже занятому ключу — no-op: возвращает nil, не перезаписывая существующую
// запись и не возвращая ошибку.
func (l *Ledger) RecordAnalysis(key AnalysisKey, rec AnalysisRecord) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(analysisBucket)
		k := key.bytes()
		if b.Get(k) != nil {
			return nil
		}
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("ledger: encode analysis: %w", err)
		}
		return b.Put(k, data)
	})
}

// IsAnalysisMatched сообщает, существует ли для пары анализ с вердиктом "matched".
func (l *Ledger) IsAnalysisMatched(key AnalysisKey) (bool, error) {
	rec, ok, err := l.getAnalysis(key)
	if err != nil || !ok {
		return false, err
	}
	return rec.Verdict == VerdictMatched, nil
}

// GetAnalysis возвращает сохранённую запись анализа пары, если она есть.
func (l *Ledger) GetAnalysis(key AnalysisKey) (AnalysisRecord, bool, error) {
	return l.getAnalysis(key)
}

func (l *Ledger) getAnalysis(key AnalysisKey) (AnalysisRecord, bool, error) {
	var rec AnalysisRecord
	found := false
	err := l.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(analysisBucket).Get(key.bytes())
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return AnalysisRecord{}, false, fmt.Errorf("ledger: read analysis: %w", err)
	}
	return rec, found, nil
}

// RecordNotified записывает "пользователь уведомлён по этому сообщению", если
// такой записи ещё нет. Повторная запись — no-op.
func (l *Ledger) RecordNotified(key NotifiedKey, rec NotifiedRecord) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(notifiedBucket)
		k := key.bytes()
		if b.Get(k) != nil {
			return nil
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("ledger: encode notified: %w", err)
		}
		return b.Put(k, data)
	})
}

// IsNotifiedToUser сообщает, был ли пользователь уже уведомлён об этом сообщении
// через любую из своих подписок.
func (l *Ledger) IsNotifiedToUser(key NotifiedKey) (bool, error) {
	found := false
	err := l.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(notifiedBucket).Get(key.bytes()) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("ledger: read notified: %w", err)
	}
	return found, nil
}
