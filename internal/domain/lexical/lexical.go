// Package lexical реализует дешёвый первый этап каскадного классификатора:
// сопоставление нормализованного текста сообщения с ключевыми словами и описанием
// подписки через n-граммное покрытие, без обращения к внешним сервисам.
//
// Формула итогового счёта и пороги покрытия намеренно зафиксированы константами —
// это не настраиваемая ML-модель, а эвристика, повторяющая поведение исходной
// системы: бинарное покрытие ключевых слов (с проверкой смежности для составных
// фраз) с весом 0.7 и мягкое среднее покрытие с весом 0.3, плюс схожесть с описанием на триграммах
// и словесных биграммах.
package lexical

import (
	"keyword-subscriber/internal/domain/text"
)

const (
	charNgramSize  = 3
	wordShingleSize = 2

	// binaryKeywordCoverage — порог покрытия, выше которого ключевое слово считается
	// "найденным" для целей бинарной доли.
	binaryKeywordCoverage = 0.7

	// negativePhraseCoverage — порог покрытия для отказа по негативной фразе. Выше,
	// чем порог для позитивных ключевых слов: ложноположительный отказ дороже
	// ложноположительного совпадения.
	negativePhraseCoverage = 0.85

	binaryCoverageWeight = 0.7
	softCoverageWeight   = 0.3

	descriptionTrigramWeight = 0.3
	descriptionBigramWeight  = 0.7

	keywordTermWeight     = 0.5
	descriptionTermWeight = 0.5

	// DefaultThreshold — порог прохождения итогового счёта, если вызывающий код не
	// задаёт собственный (настраивается через конфигурацию).
	DefaultThreshold = 0.15
)

// Input — всё, что нужно лексическому матчеру от одной подписки для одного прогона.
type Input struct {
	PositiveKeywords []string
	NegativeKeywords []string
	Description      string
	// Query — исходный текст запроса пользователя в его собственной формулировке,
	// используется только для отката (query fallback), если основной счёт не прошёл.
	Query string
}

// Outcome — результат оценки одной пары (сообщение, подписка).
type Outcome struct {
	Passed bool
	Score  float64

	// RejectedNegative непусто, если пара отклонена по негативной фразе ещё до
	// подсчёта основного счёта; Score в этом случае не имеет смысла (равен 0).
	RejectedNegative string

	// UsedQueryFallback true, если итоговый проход достигнут не основным счётом по
	// позитивным ключевым словам, а резервным — по токенам исходного запроса.
	UsedQueryFallback bool
}

// PhraseMatches сообщает, встречается ли фраза phrase в тексте, представленном его
// набором n-грамм textNgrams, с покрытием не ниже coverageThreshold и, для составных
// фраз, с подтверждённой смежностью слов (все граничные n-граммы фразы присутствуют
// в textNgrams). Экспонируется отдельно, так как используется и негативными фразами,
// и тестами напрямую.
func PhraseMatches(textNgrams map[string]struct{}, phrase string, coverageThreshold float64) bool {
	phraseNgrams := text.CharNgrams(phrase, charNgramSize)
	if text.Coverage(phraseNgrams, textNgrams) < coverageThreshold {
		return false
	}
	bridges := text.BridgeNgrams(phrase, charNgramSize)
	if len(bridges) == 0 {
		// Однословная фраза — смежность проверять не из чего.
		return true
	}
	return text.Coverage(bridges, textNgrams) == 1.0
}

// Evaluate выполняет полный лексический проход для одного сообщения против одной
// подписки: сперва проверяет негативные фразы (немедленный отказ), затем считает
// основной счёт по позитивным ключевым словам и описанию, и, если основной счёт не
// прошёл порог, пробует резервный счёт по токенам исходного запроса подписки.
func Evaluate(message string, in Input, threshold float64) Outcome {
	msgTrigrams := text.CharNgrams(message, charNgramSize)

	for _, phrase := range in.NegativeKeywords {
		if phrase == "" {
			continue
		}
		if PhraseMatches(msgTrigrams, phrase, negativePhraseCoverage) {
			return Outcome{RejectedNegative: phrase}
		}
	}

	descScore := descriptionScore(message, in.Description, msgTrigrams)

	kwScore := keywordScore(in.PositiveKeywords, msgTrigrams)
	score := keywordTermWeight*kwScore + descriptionTermWeight*descScore
	if score >= threshold {
		return Outcome{Passed: true, Score: score}
	}

	if in.Query == "" {
		return Outcome{Passed: false, Score: score}
	}

	fallbackKeywords := text.Tokenize(in.Query)
	if len(fallbackKeywords) == 0 {
		return Outcome{Passed: false, Score: score}
	}
	fallbackKwScore := keywordScore(fallbackKeywords, msgTrigrams)
	fallbackScore := keywordTermWeight*fallbackKwScore + descriptionTermWeight*descScore
	if fallbackScore >= threshold {
		return Outcome{Passed: true, Score: fallbackScore, UsedQueryFallback: true}
	}

	// Возвращаем больший из двух счетов для диагностики, проход остаётся false.
	if fallbackScore > score {
		score = fallbackScore
	}
	return Outcome{Passed: false, Score: score}
}

// keywordScore считает долю позитивных ключевых слов, перешедших бинарный порог
// покрытия (с подтверждённой смежностью для составных слов), смешанную с мягким
// средним покрытием по всем ключевым словам. Пустой список ключевых слов даёт 0.
func keywordScore(keywords []string, msgTrigrams map[string]struct{}) float64 {
	usable := 0
	binaryHits := 0
	softSum := 0.0

	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		usable++
		kwTrigrams := text.CharNgrams(kw, charNgramSize)
		coverage := text.Coverage(kwTrigrams, msgTrigrams)
		softSum += coverage

		if coverage <= binaryKeywordCoverage {
			continue
		}
		bridges := text.BridgeNgrams(kw, charNgramSize)
		if len(bridges) > 0 && text.Coverage(bridges, msgTrigrams) < 1.0 {
			continue
		}
		binaryHits++
	}

	if usable == 0 {
		return 0
	}

	binaryFraction := float64(binaryHits) / float64(usable)
	softAvg := softSum / float64(usable)
	return binaryCoverageWeight*binaryFraction + softCoverageWeight*softAvg
}

// descriptionScore считает схожесть сообщения с описанием подписки как сумму
// взвешенных коэффициентов Жаккара на символьных триграммах и словесных биграммах.
// Пустое описание даёт 0 — подписка без описания не получает скидку на этот член.
func descriptionScore(message, description string, msgTrigrams map[string]struct{}) float64 {
	if description == "" {
		return 0
	}
	descTrigrams := text.CharNgrams(description, charNgramSize)
	trigramSim := text.JaccardSimilarity(msgTrigrams, descTrigrams)

	msgShingles := text.WordShingles(message, wordShingleSize)
	descShingles := text.WordShingles(description, wordShingleSize)
	bigramSim := text.JaccardSimilarity(msgShingles, descShingles)

	return descriptionTrigramWeight*trigramSim + descriptionBigramWeight*bigramSim
}
