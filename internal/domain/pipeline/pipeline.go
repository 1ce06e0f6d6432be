// Package pipeline оркестрирует каскадную обработку одного входящего сообщения
// против всех подписок его группы: лексический матчер, затем (при отказе
// лексики и наличии эмбеддингов) семантический матчер, затем — для прошедших
// кандидатов, отсортированных по убыванию лексического счёта — верификатор.
//
// Фильтрация личных чатов, каналов и служебных событий, а также сборка альбома
// из фрагментов, происходят выше по стеку, до вызова Process: этот пакет всегда
// получает уже-цельное сообщение группового чата. Обогащение URL-only текста —
// часть самого Process, так как оно определяет, какой текст участвует в
// сопоставлении.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"keyword-subscriber/internal/domain/lexical"
	"keyword-subscriber/internal/domain/ledger"
	"keyword-subscriber/internal/domain/messages"
	"keyword-subscriber/internal/domain/semantic"
	"keyword-subscriber/internal/domain/subscriptions"
	"keyword-subscriber/internal/domain/verifier"
	"keyword-subscriber/internal/infra/logger"
)

// verifierFallbackLexicalThreshold — если верификатор недоступен (транспортная
// ошибка после исчерпания ретраев), кандидат с лексическим счётом выше этого
// порога всё равно считается совпадением; ниже — пропускается без уведомления.
const verifierFallbackLexicalThreshold = 0.7

// competitorBucketSize — число конкурентов округляется до кратного этому
// значению, чтобы не выдавать пользователю точный счётчик соперников.
const competitorBucketSize = 5

// Enricher подменяет текст URL-only сообщений извлечённым содержимым страницы.
type Enricher interface {
	Enrich(ctx context.Context, text string) (string, bool)
}

// Verifier — последний этап каскада, см. internal/domain/verifier.
type Verifier interface {
	Verify(ctx context.Context, req verifier.Request) (verifier.Verdict, error)
	// VerifyMany verифицирует пакет запросов одним вызовом; используется
	// ScanGroup, чтобы ретроспективный поиск не отправлял верификатору один
	// запрос на кандидата.
	VerifyMany(ctx context.Context, reqs []verifier.Request) (map[int]verifier.Verdict, error)
}

// SemanticMatcher — второй этап каскада, см. internal/domain/semantic.
type SemanticMatcher interface {
	Score(ctx context.Context, message string, kw semantic.KeywordEmbeddings, posThreshold, negThreshold float64) (semantic.Outcome, error)
}

// MediaStore персистентно сохраняет вложения совпавшего сообщения. Вызывается
// только для кандидатов, дошедших до вердикта "matched".
type MediaStore interface {
	Persist(ctx context.Context, groupID, messageID int64, media []messages.Media) error
}

// DeliveryPolicy решает, нужно ли отложить доставку уведомления данному
// пользователю (например, пользователь уже получал уведомления недавно и
// система сглаживает частоту), и попутно сообщает, есть ли у этого
// совпадения приоритетная конкуренция — см. notify.CooldownPolicy. Второе значение
// разрешает неоднозначность агрегированного счётчика конкурентов (см.
// competitorCount) для случая двух различных пользователей, когда округление
// до кратного 5 даёт ноль.
type DeliveryPolicy interface {
	Decide(ctx context.Context, userID, groupID int64) (delay, hasPriorityCompetition bool)
}

// Dispatcher отправляет собранное уведомление пользователю либо ставит его в
// очередь отложенной доставки — см. internal/domain/notify.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
	Enqueue(ctx context.Context, n Notification) error
}

// Notification — всё необходимое для доставки одного совпадения пользователю.
type Notification struct {
	UserID            int64
	SubscriptionID    int64
	SubscriptionQuery string
	GroupID           int64
	GroupName         string
	TopicTitle        string
	MessageID         int64
	MatchedText       string
	Media             []messages.Media
	VerifierProse     string
	MatchedItems      []string
	CompetitorCount   int
}

// Config собирает пороги, настраиваемые через конфигурацию процесса.
type Config struct {
	LexicalThreshold    float64
	SemanticPosThreshold float64
	SemanticNegThreshold float64
}

// DefaultConfig возвращает пороги по умолчанию.
func DefaultConfig() Config {
	return Config{
		LexicalThreshold:     lexical.DefaultThreshold,
		SemanticPosThreshold: 0.6,
		SemanticNegThreshold: 0.6,
	}
}

// Pipeline — оркестратор каскада для сообщений одного процесса. Безопасен для
// конкурентного вызова Process из разных горутин одновременно.
type Pipeline struct {
	subs       *subscriptions.Cache
	semantic   SemanticMatcher
	verifier   Verifier
	ledger     *ledger.Ledger
	enricher   Enricher
	media      MediaStore
	policy     DeliveryPolicy
	dispatcher Dispatcher
	cfg        Config

	locks *lockSet
}

// New собирает Pipeline из его зависимостей. semantic может быть nil, если
// семантический этап не сконфигурирован (тогда подписки без лексического
// совпадения просто отклоняются на первом этапе).
func New(
	subs *subscriptions.Cache,
	sem SemanticMatcher,
	verif Verifier,
	led *ledger.Ledger,
	enricher Enricher,
	media MediaStore,
	policy DeliveryPolicy,
	dispatcher Dispatcher,
	cfg Config,
) *Pipeline {
	return &Pipeline{
		subs:       subs,
		semantic:   sem,
		verifier:   verif,
		ledger:     led,
		enricher:   enricher,
		media:      media,
		policy:     policy,
		dispatcher: dispatcher,
		cfg:        cfg,
		locks:      newLockSet(),
	}
}

// candidate — подписка, прошедшая лексический либо семантический этап и
// ожидающая верификации.
type candidate struct {
	sub           subscriptions.Subscription
	lexicalScore  float64
	semanticScore *float64
}

// Process проводит одно сообщение группового чата через весь каскад: обогащение
// URL-only текста, поиск подписок группы, лексический/семантический отсев с
// немедленной персистентностью отклонённых анализов, и верификацию прошедших
// кандидатов в порядке убывания лексического счёта. Ошибка возвращается только
// при сбое хранилища подписок; сбои журнала логируются, а отказ конкретной
// подписки никогда не всплывает наружу как ошибка.
func (p *Pipeline) Process(ctx context.Context, msg messages.Message) error {
	matchText := msg.Text
	if p.enricher != nil {
		enriched, ok := p.enricher.Enrich(ctx, msg.Text)
		if !ok {
			// Все попытки получить содержимое по ссылке провалились — сообщение
			// целиком исключается из дальнейшей обработки.
			return nil
		}
		matchText = enriched
	}

	subs, err := p.subs.Get(ctx, msg.GroupID)
	if err != nil {
		return fmt.Errorf("pipeline: list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	candidates := p.screen(ctx, matchText, subs, msg)

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].lexicalScore > candidates[j].lexicalScore
	})

	competitors, ambiguous := competitorCount(distinctUserIDs(candidates))

	for _, cand := range candidates {
		p.verify(ctx, cand, msg, matchText, competitors, ambiguous)
	}
	return nil
}

// screen прогоняет каждую подписку через лексический, затем (если нужно)
// семантический этап, немедленно записывая в журнал отклонённые анализы.
// Возвращает только прошедших кандидатов.
func (p *Pipeline) screen(ctx context.Context, matchText string, subs []subscriptions.Subscription, msg messages.Message) []candidate {
	var out []candidate

	for _, sub := range subs {
		if !sub.Active || !sub.AppliesToGroup(msg.GroupID) {
			continue
		}
		key := ledger.AnalysisKey{SubscriptionID: sub.ID, MessageID: msg.ID, GroupID: msg.GroupID}

		lexOut := lexical.Evaluate(matchText, lexical.Input{
			PositiveKeywords: sub.PositiveKeywords,
			NegativeKeywords: sub.NegativeKeywords,
			Description:      sub.Description,
			Query:            sub.Query,
		}, p.cfg.LexicalThreshold)

		if lexOut.RejectedNegative != "" {
			p.recordRejection(ctx, key, ledger.AnalysisRecord{
				Verdict:          ledger.VerdictRejectedNegative,
				RejectionKeyword: lexOut.RejectedNegative,
			})
			continue
		}

		if lexOut.Passed {
			out = append(out, candidate{sub: sub, lexicalScore: lexOut.Score})
			continue
		}

		semOut, semErr := p.trySemantic(ctx, matchText, sub)
		if semErr != nil {
			// Семантический матчер недоступен или подписка без эмбеддингов:
			// падаем на чисто лексический отказ.
			p.recordRejection(ctx, key, ledger.AnalysisRecord{
				Verdict:      ledger.VerdictRejectedNgram,
				LexicalScore: lexOut.Score,
			})
			continue
		}

		if semOut.BlockingKeyword != "" || !semOut.Passed {
			score := semOut.Score
			p.recordRejection(ctx, key, ledger.AnalysisRecord{
				Verdict:          ledger.VerdictRejectedSemantic,
				LexicalScore:     lexOut.Score,
				SemanticScore:    &score,
				RejectionKeyword: semOut.BlockingKeyword,
			})
			continue
		}

		score := semOut.Score
		out = append(out, candidate{sub: sub, lexicalScore: lexOut.Score, semanticScore: &score})
	}

	return out
}

// trySemantic вызывает семантический матчер, если подписка располагает
// эмбеддингами и матчер сконфигурирован. Возвращает ошибку (любую, включая
// semantic.ErrUnreachable), если семантический этап недоступен для этой пары —
// вызывающий код в этом случае трактует результат как чисто лексический отказ.
func (p *Pipeline) trySemantic(ctx context.Context, matchText string, sub subscriptions.Subscription) (semantic.Outcome, error) {
	if p.semantic == nil || len(sub.PositiveEmbeddings) == 0 {
		return semantic.Outcome{}, errSemanticUnavailable
	}
	kw := semantic.KeywordEmbeddings{Positive: sub.PositiveEmbeddings, Negative: sub.NegativeEmbeddings}
	outcome, err := p.semantic.Score(ctx, matchText, kw, p.cfg.SemanticPosThreshold, p.cfg.SemanticNegThreshold)
	if err != nil {
		if !errors.Is(err, semantic.ErrUnreachable) {
			logger.Warnf("pipeline: semantic score failed for subscription %d: %v", sub.ID, err)
		}
		return semantic.Outcome{}, err
	}
	return outcome, nil
}

var errSemanticUnavailable = errors.New("pipeline: semantic matcher not applicable")

func (p *Pipeline) recordRejection(ctx context.Context, key ledger.AnalysisKey, rec ledger.AnalysisRecord) {
	if err := p.ledger.RecordAnalysis(key, rec); err != nil {
		logger.Warnf("pipeline: record rejection %+v: %v", key, err)
	}
}

// verify проводит одного прошедшего кандидата через блокировку, проверку
// журнала и верификатор, и при совпадении — доставку уведомления.
func (p *Pipeline) verify(ctx context.Context, cand candidate, msg messages.Message, matchText string, competitors int, competitorsAmbiguous bool) {
	key := ledger.AnalysisKey{SubscriptionID: cand.sub.ID, MessageID: msg.ID, GroupID: msg.GroupID}
	lockKey := candidateLockKey(cand.sub.ID, msg.ID, msg.GroupID)

	if !p.locks.tryAcquire(lockKey) {
		// Эта же пара уже обрабатывается другой горутиной (повторный апдейт).
		return
	}
	defer p.locks.release(lockKey)

	if matched, err := p.ledger.IsAnalysisMatched(key); err != nil {
		logger.Warnf("pipeline: check analysis %+v: %v", key, err)
	} else if matched {
		return
	}
	if already, ok, err := p.ledger.GetAnalysis(key); err != nil {
		logger.Warnf("pipeline: get analysis %+v: %v", key, err)
	} else if ok && already.Verdict != "" {
		// Анализ уже существует (не matched, проверено выше) — повторная
		// верификация того же не-совпадения не нужна.
		return
	}

	verdict, err := p.verifier.Verify(ctx, verifier.Request{
		MessageText:             matchText,
		MediaDescriptors:        mediaDescriptors(msg.Media),
		SubscriptionQuery:       cand.sub.Query,
		SubscriptionDescription: cand.sub.Description,
	})
	if err != nil {
		if cand.lexicalScore > verifierFallbackLexicalThreshold {
			p.commitMatch(ctx, cand, msg, matchText, competitors, competitorsAmbiguous, verifier.Verdict{
				Match:      true,
				Confidence: cand.lexicalScore,
				Prose:      "верификатор недоступен, принято по высокому лексическому счёту",
			}, key)
			return
		}
		p.recordRejection(ctx, key, ledger.AnalysisRecord{
			Verdict:       ledger.VerdictRejectedVerifier,
			LexicalScore:  cand.lexicalScore,
			SemanticScore: cand.semanticScore,
		})
		return
	}

	if !verdict.Match {
		confidence := verdict.Confidence
		p.recordRejection(ctx, key, ledger.AnalysisRecord{
			Verdict:            ledger.VerdictRejectedVerifier,
			LexicalScore:       cand.lexicalScore,
			SemanticScore:      cand.semanticScore,
			VerifierConfidence: &confidence,
			VerifierProse:      verdict.Prose,
		})
		return
	}

	p.commitMatch(ctx, cand, msg, matchText, competitors, competitorsAmbiguous, verdict, key)
}

// commitMatch персистирует вердикт "matched", сохраняет медиа, и доставляет
// либо подавляет уведомление в зависимости от того, был ли пользователь уже
// уведомлён по этому сообщению через другую подписку. Подавление уведомления
// не отменяет запись самого анализа: каждая прошедшая подписка получает свою
// запись matched, даже если пользователь получает только одно уведомление.
func (p *Pipeline) commitMatch(ctx context.Context, cand candidate, msg messages.Message, matchText string, competitors int, competitorsAmbiguous bool, verdict verifier.Verdict, key ledger.AnalysisKey) {
	confidence := verdict.Confidence
	rec := ledger.AnalysisRecord{
		Verdict:            ledger.VerdictMatched,
		LexicalScore:       cand.lexicalScore,
		SemanticScore:      cand.semanticScore,
		VerifierConfidence: &confidence,
		VerifierProse:      verdict.Prose,
	}
	if err := p.ledger.RecordAnalysis(key, rec); err != nil {
		logger.Warnf("pipeline: record match %+v: %v", key, err)
		return
	}

	if p.media != nil && len(msg.Media) > 0 {
		if err := p.media.Persist(ctx, msg.GroupID, msg.ID, msg.Media); err != nil {
			logger.Warnf("pipeline: persist media for message %d: %v", msg.ID, err)
		}
	}

	notifiedKey := ledger.NotifiedKey{UserID: cand.sub.UserID, MessageID: msg.ID, GroupID: msg.GroupID}
	alreadyNotified, err := p.ledger.IsNotifiedToUser(notifiedKey)
	if err != nil {
		logger.Warnf("pipeline: check notified %+v: %v", notifiedKey, err)
		return
	}
	if alreadyNotified {
		// Пользователь уже получил уведомление об этом сообщении через другую
		// свою подписку: сам анализ уже записан выше, второе уведомление не
		// отправляется.
		return
	}

	var delay, hasPriorityCompetition bool
	if p.policy != nil {
		delay, hasPriorityCompetition = p.policy.Decide(ctx, cand.sub.UserID, msg.GroupID)
	}

	finalCompetitors := competitors
	if competitorsAmbiguous {
		// Два различных пользователя округляются сами по себе до нуля —
		// политика разрешает неоднозначность, а не зашитое правило здесь.
		if hasPriorityCompetition {
			finalCompetitors = 1
		} else {
			finalCompetitors = 0
		}
	}

	n := Notification{
		UserID:            cand.sub.UserID,
		SubscriptionID:    cand.sub.ID,
		SubscriptionQuery: cand.sub.Query,
		GroupID:           msg.GroupID,
		GroupName:         msg.GroupName,
		TopicTitle:        msg.TopicTitle,
		MessageID:         msg.ID,
		MatchedText:       matchText,
		Media:             msg.Media,
		VerifierProse:     verdict.Prose,
		MatchedItems:      verdict.MatchedItems,
		CompetitorCount:   finalCompetitors,
	}

	var dispatchErr error
	if delay {
		dispatchErr = p.dispatcher.Enqueue(ctx, n)
	} else {
		dispatchErr = p.dispatcher.Dispatch(ctx, n)
	}
	if dispatchErr != nil {
		logger.Warnf("pipeline: dispatch notification for user %d: %v", cand.sub.UserID, dispatchErr)
		return
	}

	if err := p.ledger.RecordNotified(notifiedKey, ledger.NotifiedRecord{NotifiedAt: time.Now()}); err != nil {
		logger.Warnf("pipeline: record notified %+v: %v", notifiedKey, err)
	}
}

// scanCandidate — кандидат, собранный ScanGroup по одному из кэшированных
// сообщений группы, вместе с контекстом, нужным для commitMatch/recordRejection.
type scanCandidate struct {
	cand        candidate
	msg         messages.Message
	matchText   string
	competitors int
	ambiguous   bool
}

// ScanGroup — ретроспективный поиск: прогоняет все известные в cache сообщения
// группы против её текущих подписок, собирает прошедших лексику/семантику
// кандидатов со всех сообщений сразу, сортирует по убыванию лексического счёта
// и ограничивает batchCap (если тот положителен), прежде чем отдать их
// верификатору одним пакетным вызовом. Используется после появления новой
// подписки или правки существующей, когда уже накопленную историю группы нужно
// пересмотреть заново, а не дожидаться следующего живого сообщения.
// Возвращает число новых совпадений. Кандидаты, для которых анализ уже записан
// (включая обработанные параллельным Process), пропускаются без повторного
// обращения к верификатору.
func (p *Pipeline) ScanGroup(ctx context.Context, groupID int64, cache *messages.Cache, batchCap int) (int, error) {
	subs, err := p.subs.Get(ctx, groupID)
	if err != nil {
		return 0, fmt.Errorf("pipeline: list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return 0, nil
	}

	cached := cache.Get(groupID)
	if len(cached) == 0 {
		return 0, nil
	}

	var all []scanCandidate
	for _, msg := range cached {
		matchText := msg.Text
		if p.enricher != nil {
			enriched, ok := p.enricher.Enrich(ctx, msg.Text)
			if !ok {
				continue
			}
			matchText = enriched
		}

		cands := p.screen(ctx, matchText, subs, msg)
		if len(cands) == 0 {
			continue
		}
		competitors, ambiguous := competitorCount(distinctUserIDs(cands))
		for _, c := range cands {
			all = append(all, scanCandidate{cand: c, msg: msg, matchText: matchText, competitors: competitors, ambiguous: ambiguous})
		}
	}
	if len(all) == 0 {
		return 0, nil
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].cand.lexicalScore > all[j].cand.lexicalScore
	})

	if batchCap > 0 && len(all) > batchCap {
		logger.Warnf("pipeline: scan group %d: dropping %d of %d candidates over batch cap %d", groupID, len(all)-batchCap, len(all), batchCap)
		all = all[:batchCap]
	}

	locked := make([]scanCandidate, 0, len(all))
	lockKeys := make([]string, 0, len(all))
	for _, sc := range all {
		lockKey := candidateLockKey(sc.cand.sub.ID, sc.msg.ID, sc.msg.GroupID)
		if !p.locks.tryAcquire(lockKey) {
			// Тот же (подписка, сообщение) уже обрабатывается живым Process.
			continue
		}
		locked = append(locked, sc)
		lockKeys = append(lockKeys, lockKey)
	}
	defer func() {
		for _, lockKey := range lockKeys {
			p.locks.release(lockKey)
		}
	}()
	if len(locked) == 0 {
		return 0, nil
	}

	pending := make([]scanCandidate, 0, len(locked))
	for _, sc := range locked {
		key := ledger.AnalysisKey{SubscriptionID: sc.cand.sub.ID, MessageID: sc.msg.ID, GroupID: sc.msg.GroupID}
		if already, ok, err := p.ledger.GetAnalysis(key); err != nil {
			logger.Warnf("pipeline: get analysis %+v: %v", key, err)
			continue
		} else if ok && already.Verdict != "" {
			continue
		}
		pending = append(pending, sc)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	reqs := make([]verifier.Request, len(pending))
	for i, sc := range pending {
		reqs[i] = verifier.Request{
			MessageText:             sc.matchText,
			MediaDescriptors:        mediaDescriptors(sc.msg.Media),
			SubscriptionQuery:       sc.cand.sub.Query,
			SubscriptionDescription: sc.cand.sub.Description,
		}
	}

	verdicts, err := p.verifier.VerifyMany(ctx, reqs)
	if err != nil {
		return 0, fmt.Errorf("pipeline: batched verify: %w", err)
	}

	matched := 0
	for i, sc := range pending {
		key := ledger.AnalysisKey{SubscriptionID: sc.cand.sub.ID, MessageID: sc.msg.ID, GroupID: sc.msg.GroupID}
		verdict := verdicts[i]

		if !verdict.Match {
			confidence := verdict.Confidence
			p.recordRejection(ctx, key, ledger.AnalysisRecord{
				Verdict:            ledger.VerdictRejectedVerifier,
				LexicalScore:       sc.cand.lexicalScore,
				SemanticScore:      sc.cand.semanticScore,
				VerifierConfidence: &confidence,
				VerifierProse:      verdict.Prose,
			})
			continue
		}

		p.commitMatch(ctx, sc.cand, sc.msg, sc.matchText, sc.competitors, sc.ambiguous, verdict, key)
		matched++
	}

	return matched, nil
}

func mediaDescriptors(media []messages.Media) []string {
	if len(media) == 0 {
		return nil
	}
	out := make([]string, len(media))
	for i, m := range media {
		out[i] = fmt.Sprintf("%s %dx%d", m.MimeType, m.Width, m.Height)
	}
	return out
}

func distinctUserIDs(candidates []candidate) []int64 {
	seen := make(map[int64]struct{}, len(candidates))
	out := make([]int64, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := seen[c.sub.UserID]; ok {
			continue
		}
		seen[c.sub.UserID] = struct{}{}
		out = append(out, c.sub.UserID)
	}
	return out
}

// competitorCount превращает число различных пользователей с прошедшим
// кандидатом в отображаемый счётчик "конкурентов": ноль при единственном
// пользователе (правило из исходных данных), иначе округление half-up до
// кратного competitorBucketSize. Для двух пользователей это округление само по
// себе даёт ноль (3-4 пользователя округляются до 5) — исходные данные не определяют, что показывать в этом
// случае, поэтому ambiguous=true сигнализирует вызывающему коду разрешить
// неоднозначность через DeliveryPolicy.hasPriorityCompetition, а не зашивать
// произвольное число здесь.
func competitorCount(userIDs []int64) (count int, ambiguous bool) {
	n := len(userIDs)
	if n <= 1 {
		return 0, false
	}
	bucketed := ((n + competitorBucketSize/2) / competitorBucketSize) * competitorBucketSize
	if bucketed == 0 {
		return 0, true
	}
	return bucketed, false
}
