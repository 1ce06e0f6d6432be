package notify

import (
	"context"
	"sync"
	"time"
)

// DefaultCooldown — пользователь, уже получивший уведомление в течение этого
// времени, получает следующее отложенным (через Enqueue), а не немедленным.
const DefaultCooldown = 2 * time.Minute

// CooldownPolicy реализует pipeline.DeliveryPolicy простым правилом: если
// пользователь получал уведомление (по любой подписке, из любой группы) в
// пределах cooldown, следующее откладывается до очередного дренирования
// regular-очереди, чтобы не засыпать пользователя сообщениями при всплеске
// совпадений. Безопасен для конкурентного использования.
type CooldownPolicy struct {
	cooldown time.Duration
	clock    func() time.Time

	mu   sync.Mutex
	last map[int64]time.Time
}

// NewCooldownPolicy создаёт политику с заданным окном. Нулевой или
// отрицательный cooldown заменяется на DefaultCooldown.
func NewCooldownPolicy(cooldown time.Duration) *CooldownPolicy {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &CooldownPolicy{
		cooldown: cooldown,
		clock:    time.Now,
		last:     make(map[int64]time.Time),
	}
}

// Decide сообщает, нужно ли отложить уведомление для userID, и фиксирует
// текущий момент как последнюю отметку для этого пользователя. CooldownPolicy
// видит только историю доставок одному пользователю — у неё нет доступа к
// числу других подписчиков, совпавших с тем же сообщением, поэтому
// hasPriorityCompetition всегда false: неоднозначный счётчик конкурентов
// (два пользователя) при такой политике разрешается в "конкуренции нет", а
// не домысливается.
func (p *CooldownPolicy) Decide(ctx context.Context, userID, groupID int64) (delay, hasPriorityCompetition bool) {
	now := p.clock()

	p.mu.Lock()
	defer p.mu.Unlock()

	last, seen := p.last[userID]
	p.last[userID] = now
	return seen && now.Sub(last) < p.cooldown, false
}
