// Package text нормализует входящий текст сообщений и подписок к форме, пригодной
// для лексического и семантического сопоставления: токенизация, символьные n-граммы
// и словесные шинглы. Все операции принимают на вход сырой текст и кэсфолдят его
// самостоятельно — вызывающему коду не нужно нормализовывать регистр заранее.
//
// Граничные n-граммы (bridge n-grams) — те, что захватывают пробел между словами —
// сохраняются намеренно: фразовое сопоставление (негативные фразы, многословные
// ключевые слова) опирается на присутствие таких n-грамм как на доказательство
// смежности слов в исходном тексте.
package text

import (
	"strings"
	"unicode"
)

// wordBoundary — единичный символ, которым в нормализованном тексте заменяется
// любая последовательность пробельных/пунктуационных рун между словами. Его
// присутствие в n-грамме и есть тот самый "мост" между соседними словами.
const wordBoundary = ' '

// Casefold приводит текст к нижнему регистру через unicode.ToLower на уровне рун,
// не трогая состав символов иначе. Используется как первый шаг везде, где текст
// впоследствии токенизируется или используется для n-грамм.
func Casefold(s string) string {
	return strings.Map(unicode.ToLower, s)
}

// Tokenize возвращает упорядоченную последовательность токенов: casefold, затем
// разбиение по границам не-буква/не-цифра рун. Пустые токены отбрасываются.
// Порядок исходного текста сохраняется — вызывающий код может полагаться на него
// при восстановлении фраз из токенов.
func Tokenize(s string) []string {
	folded := Casefold(s)
	tokens := make([]string, 0, len(folded)/4+1)
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// normalizeForNgrams свёртывает текст к форме "слово слово слово": casefold,
// буквы/цифры проходят как есть, любая иная руна (пробел, пунктуация, эмодзи)
// схлопывается в единственный wordBoundary, а подряд идущие разделители не
// дублируются. Ведущий/замыкающий разделитель обрезается.
func normalizeForNgrams(s string) string {
	folded := Casefold(s)
	var b strings.Builder
	b.Grow(len(folded))
	lastWasBoundary := true // подавляет ведущий разделитель
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastWasBoundary = false
			continue
		}
		if !lastWasBoundary {
			b.WriteRune(wordBoundary)
			lastWasBoundary = true
		}
	}
	out := b.String()
	return strings.TrimRight(out, string(wordBoundary))
}

// CharNgrams возвращает множество всех подстрок длины n нормализованного текста
// (см. normalizeForNgrams), включая n-граммы, захватывающие границу между словами.
// Непустой нормализованный текст короче n даёт множество из одной строки — его самого.
// Такая n-грамма — единственное свидетельство смежности двух слов, на которое
// опирается фразовое сопоставление негативных ключевых слов.
func CharNgrams(s string, n int) map[string]struct{} {
	if n <= 0 {
		return map[string]struct{}{}
	}
	norm := normalizeForNgrams(s)
	runes := []rune(norm)
	out := make(map[string]struct{})
	if len(runes) < n {
		if len(runes) > 0 {
			out[string(runes)] = struct{}{}
		}
		return out
	}
	for i := 0; i+n <= len(runes); i++ {
		out[string(runes[i:i+n])] = struct{}{}
	}
	return out
}

// WordShingles возвращает множество k-словных кортежей (через Tokenize), соединённых
// пробелом. k<=0 или текст короче k слов даёт пустое множество.
func WordShingles(s string, k int) map[string]struct{} {
	out := make(map[string]struct{})
	if k <= 0 {
		return out
	}
	tokens := Tokenize(s)
	if len(tokens) < k {
		return out
	}
	for i := 0; i+k <= len(tokens); i++ {
		out[strings.Join(tokens[i:i+k], string(wordBoundary))] = struct{}{}
	}
	return out
}

// BridgeNgrams возвращает, из полного набора CharNgrams(s, n), только те n-граммы,
// которые содержат wordBoundary — то есть те, что явно свидетельствуют о смежности
// двух слов в исходном тексте. Используется фразовым сопоставлением, которому нужно
// отличить "слова встретились подряд" от "слова встретились где-то в тексте".
func BridgeNgrams(s string, n int) map[string]struct{} {
	all := CharNgrams(s, n)
	out := make(map[string]struct{}, len(all))
	for gram := range all {
		if strings.ContainsRune(gram, wordBoundary) {
			out[gram] = struct{}{}
		}
	}
	return out
}

// JaccardSimilarity считает коэффициент Жаккара между двумя множествами строк:
// |A∩B| / |A∪B|. Два пустых множества считаются полностью несхожими (0), а не NaN —
// пустой запрос не должен давать совпадение автоматически.
func JaccardSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Coverage считает, какая доля n-грамм needle (например, ключевого слова) найдена
// во множестве haystack (n-граммы проверяемого текста). Пустой needle даёт 0 —
// отсутствие ключевого слова не может "автоматически" покрываться.
func Coverage(needle, haystack map[string]struct{}) float64 {
	if len(needle) == 0 {
		return 0
	}
	found := 0
	for k := range needle {
		if _, ok := haystack[k]; ok {
			found++
		}
	}
	return float64(found) / float64(len(needle))
}
