package upstream

import (
	"fmt"
	"time"
)

// UpstreamError — sum type дискриминируемых ошибок апстрима. Вызывающий код
// различает их через errors.As, а не через ad-hoc парсинг строк ошибок.
type UpstreamError interface {
	error
	upstreamError()
}

// FloodWaitError — апстрим велел подождать конкретное число секунд перед
// повторной попыткой (используется backfill.RateLimited через RetryAfter).
type FloodWaitError struct {
	Seconds int
}

func (e FloodWaitError) Error() string {
	return fmt.Sprintf("upstream: flood wait, retry after %ds", e.Seconds)
}
func (FloodWaitError) upstreamError() {}

// InvalidChannelError — канал/группа недоступны или не существуют; операция
// над этой сущностью не имеет смысла повторять.
type InvalidChannelError struct {
	GroupID int64
	Reason  string
}

func (e InvalidChannelError) Error() string {
	return fmt.Sprintf("upstream: invalid channel %d: %s", e.GroupID, e.Reason)
}
func (InvalidChannelError) upstreamError() {}

// TransportError — сетевая/транспортная ошибка, оправдывающая ретрай с
// переподключением (соединение оборвано, таймаут RPC и т.п.).
type TransportError struct {
	Op  string
	Err error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("upstream: transport error during %s: %v", e.Op, e.Err)
}
func (e TransportError) Unwrap() error { return e.Err }
func (TransportError) upstreamError()  {}

// FatalError — не подлежит ретраю ни в каком виде (неверные учётные данные,
// забаненная сессия).
type FatalError struct {
	Reason string
}

func (e FatalError) Error() string  { return fmt.Sprintf("upstream: fatal: %s", e.Reason) }
func (FatalError) upstreamError()   {}

// OtherError — прочие ошибки апстрима, не подпадающие ни под одну из
// перечисленных категорий; по умолчанию третируются как транзитные.
type OtherError struct {
	Err error
}

func (e OtherError) Error() string  { return fmt.Sprintf("upstream: %v", e.Err) }
func (e OtherError) Unwrap() error  { return e.Err }
func (OtherError) upstreamError()   {}

// RetryAfter реализует backfill.RateLimited для FloodWaitError.
func (e FloodWaitError) RetryAfter() time.Duration {
	return time.Duration(e.Seconds) * time.Second
}

// Permanent реализует backfill.Permanent для InvalidChannelError и FatalError.
func (InvalidChannelError) Permanent() bool { return true }
func (FatalError) Permanent() bool          { return true }
