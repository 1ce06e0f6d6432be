// Пакет config отвечает за сбор и предоставление конфигурации всего приложения
// (наблюдатель Telegram-групп на MTProto). Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения, подставляя дефолты с
//     предупреждением там, где отсутствие значения не фатально,
//  3. предоставляет потокобезопасный доступ к результату через R/W мьютекс.
//
// Бизнес-контекст: конфиг управляет подключением к Telegram API (учётные
// данные, файлы сессии/состояния/кэша пиров), скоростными лимитами,
// логированием, доступом к внешним сервисам эмбеддингов и верификации,
// хранилищами ядра сопоставления (ledger, медиа, очередь уведомлений) и
// порогами скоринга лексического/семантического совпадения.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это «операционные»
// настройки запуска: учетные данные и файлы сессии для MTProto, лог-уровень,
// пути хранилищ ядра сопоставления, пороги скоринга и интеграции с внешними
// сервисами (эмбеддинги, верификатор).
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
// В рантайме по месту использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	APIID       int
	APIHash     string
	PhoneNumber string
	SessionFile string
	StateFile   string
	PeersCacheFile string
	LogLevel    string
	// LogFile — если задан, журнал дублируется в файл с ротацией по размеру/
	// возрасту (см. logger.NewRotatingFileWriter); пусто означает "отключено".
	LogFile     string
	ThrottleRPS int
	TestDC      bool

	EmbeddingServerURL string
	VerifierURL        string
	VerifierToken      string
	VerifierBatchCap   int

	LedgerDBFile    string
	MediaDir        string
	NotifyQueueFile string
	CursorDBFile    string
	SubscriptionsFile string

	HistoryBackfillLimit      int
	HistoryInterGroupDelayMS  int

	LexicalThreshold       float64
	SemanticPosThreshold   float64
	SemanticNegThreshold   float64
	AlbumWindowMS          int
	SubscriptionCacheTTLSec int
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: Warnings берёт RLock; Env читает снимок без блокировки.
// Load выполняется один раз при старте под эксклюзивным Lock.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

// Значения по умолчанию для параметров окружения и связанных файлов.
const (
	defaultThrottleRPS   = 1
	defaultLogLevel      = "debug"
	defaultSessionFile   = "data/session.bin"
	defaultStateFile     = "data/state.json"
	defaultPeersCacheFile = "data/peers_cache.bbolt"

	defaultEmbeddingServerURL = "http://localhost:8081/embed"
	defaultVerifierURL        = "http://localhost:8082/verify"
	defaultVerifierBatchCap   = 20

	defaultLedgerDBFile    = "data/ledger.bbolt"
	defaultMediaDir        = "data/media"
	defaultNotifyQueueFile = "data/notify_queue.json"
	defaultCursorDBFile      = "data/cursors.bbolt"
	defaultSubscriptionsFile = "data/subscriptions.json"

	defaultHistoryBackfillLimit     = 1000
	defaultHistoryInterGroupDelayMS = 2000

	defaultLexicalThreshold        = 0.15
	defaultSemanticPosThreshold    = 0.75
	defaultSemanticNegThreshold    = 0.6
	defaultAlbumWindowMS           = 30000
	defaultSubscriptionCacheTTLSec = 60
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации всего приложения.
// При первом вызове:
//  1. читает .env,
//  2. формирует EnvConfig,
//  4. фиксирует результат в singleton cfgInstance.
//
// Повторный вызов запрещен (возвращается ошибка), чтобы избежать гонок
// конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	if cfgInstance == nil {
		cfgInstance = &Config{}
	}
	cfgInstance.mu.Lock()
	defer cfgInstance.mu.Unlock()
	newCfg, err := loadConfig(envPath)
	cfgInstance = newCfg
	cfgDone = true
	return err
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return nil, err
	}

	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}

	phone := strings.TrimSpace(os.Getenv("PHONE_NUMBER"))
	if phone == "" {
		return nil, errors.New("env PHONE_NUMBER must be set")
	}

	verifierToken := strings.TrimSpace(os.Getenv("VERIFIER_TOKEN"))
	if verifierToken == "" {
		return nil, errors.New("env VERIFIER_TOKEN must be set")
	}

	var warnings []string

	throttleRPS := parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings)
	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), &warnings)
	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	sessionFile := sanitizeFile("SESSION_FILE", os.Getenv("SESSION_FILE"), defaultSessionFile, &warnings)
	stateFile := sanitizeFile("STATE_FILE", os.Getenv("STATE_FILE"), defaultStateFile, &warnings)
	peersCacheFile := sanitizeFile("PEERS_CACHE_FILE", os.Getenv("PEERS_CACHE_FILE"), defaultPeersCacheFile, &warnings)
	testDC := strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true")

	embeddingServerURL := sanitizeFile("EMBEDDING_SERVER_URL", os.Getenv("EMBEDDING_SERVER_URL"),
		defaultEmbeddingServerURL, &warnings)
	verifierURL := sanitizeFile("VERIFIER_URL", os.Getenv("VERIFIER_URL"), defaultVerifierURL, &warnings)
	verifierBatchCap := parseIntDefault("VERIFIER_BATCH_CAP", defaultVerifierBatchCap, greaterThanZero, &warnings)

	ledgerDBFile := sanitizeFile("LEDGER_DB_FILE", os.Getenv("LEDGER_DB_FILE"), defaultLedgerDBFile, &warnings)
	mediaDir := sanitizeFile("MEDIA_DIR", os.Getenv("MEDIA_DIR"), defaultMediaDir, &warnings)
	notifyQueueFile := sanitizeFile("NOTIFY_QUEUE_FILE", os.Getenv("NOTIFY_QUEUE_FILE"),
		defaultNotifyQueueFile, &warnings)
	cursorDBFile := sanitizeFile("CURSOR_DB_FILE", os.Getenv("CURSOR_DB_FILE"), defaultCursorDBFile, &warnings)
	subscriptionsFile := sanitizeFile("SUBSCRIPTIONS_FILE", os.Getenv("SUBSCRIPTIONS_FILE"),
		defaultSubscriptionsFile, &warnings)

	backfillLimit := parseIntDefault("HISTORY_BACKFILL_LIMIT", defaultHistoryBackfillLimit, greaterThanZero, &warnings)
	interGroupDelayMS := parseIntDefault("HISTORY_INTER_GROUP_DELAY_MS", defaultHistoryInterGroupDelayMS,
		nonNegative, &warnings)

	lexicalThreshold := parseFloatDefault("LEXICAL_THRESHOLD", defaultLexicalThreshold, unitInterval, &warnings)
	semanticPosThreshold := parseFloatDefault("SEMANTIC_POS_THRESHOLD", defaultSemanticPosThreshold, unitInterval, &warnings)
	semanticNegThreshold := parseFloatDefault("SEMANTIC_NEG_THRESHOLD", defaultSemanticNegThreshold, unitInterval, &warnings)
	albumWindowMS := parseIntDefault("ALBUM_WINDOW_MS", defaultAlbumWindowMS, greaterThanZero, &warnings)
	subscriptionCacheTTLSec := parseIntDefault("SUBSCRIPTION_CACHE_TTL_SEC", defaultSubscriptionCacheTTLSec,
		greaterThanZero, &warnings)

	env := EnvConfig{
		APIID:          apiID,
		APIHash:        apiHash,
		PhoneNumber:    phone,
		SessionFile:    sessionFile,
		StateFile:      stateFile,
		PeersCacheFile: peersCacheFile,
		LogLevel:       logLevel,
		LogFile:        logFile,
		ThrottleRPS:    throttleRPS,
		TestDC:         testDC,

		EmbeddingServerURL: embeddingServerURL,
		VerifierURL:        verifierURL,
		VerifierToken:      verifierToken,
		VerifierBatchCap:   verifierBatchCap,

		LedgerDBFile:      ledgerDBFile,
		MediaDir:          mediaDir,
		NotifyQueueFile:   notifyQueueFile,
		CursorDBFile:      cursorDBFile,
		SubscriptionsFile: subscriptionsFile,

		HistoryBackfillLimit:     backfillLimit,
		HistoryInterGroupDelayMS: interGroupDelayMS,

		LexicalThreshold:        lexicalThreshold,
		SemanticPosThreshold:    semanticPosThreshold,
		SemanticNegThreshold:    semanticNegThreshold,
		AlbumWindowMS:           albumWindowMS,
		SubscriptionCacheTTLSec: subscriptionCacheTTLSec,
	}

	cfg := &Config{
		Env:      env,
		warnings: warnings,
	}

	return cfg, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент последней загрузки; для обновления надо перечитать конфиг целиком.
func Env() EnvConfig {
	return cfgInstance.Env
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
// Если переменная не задана или не является корректным числом — возвращает ошибку.
// Используется для критичных параметров, без которых приложение не стартует.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
// Это позволяет не падать на несущественных настройках и иметь дефолты.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero/ nonNegative — простые валидаторы чисел. Используются в
// parseIntDefault, чтобы навязать смысловые ограничения без падения приложения.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// sanitizeLogLevel нормализует LOG_LEVEL и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultLogLevel.
func sanitizeLogLevel(level string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env LOG_LEVEL is not set; using default %q", defaultLogLevel)
		return defaultLogLevel
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultLogLevel)
		return defaultLogLevel
	}
}

// sanitizeFile возвращает валидное имя файла конфигурации. Если переменная не
// задана, подставляет fallback и пишет предупреждение.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// parseFloatDefault читает name как float64 по тем же правилам, что и
// parseIntDefault: пусто/некорректно/не проходит validator — используется
// defaultVal с предупреждением.
func parseFloatDefault(name string, defaultVal float64, validator func(float64) bool, warnings *[]string) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid number; using default %v", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %v does not satisfy constraints; using default %v", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// unitInterval — валидатор порогов скоринга, все они должны лежать в [0, 1].
func unitInterval(v float64) bool { return v >= 0 && v <= 1 }
