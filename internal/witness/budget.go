package witness

import (
	"time"

	"golang.org/x/time/rate"
)

// budget meters bytes per witness on synthetic tick time: one tick is one
// second to the limiter, so the limit is bytes per tick. Spending past zero
// leaves the limiter in debt, which later ticks pay off before sending again.
type budget struct {
	lim     *rate.Limiter
	perTick int
}

var tickEpoch = time.Unix(0, 0)

func tickTime(tick uint64) time.Time {
	return tickEpoch.Add(time.Duration(tick) * time.Second)
}

func newBudget(perTick int) *budget {
	return &budget{lim: rate.NewLimiter(rate.Limit(perTick), perTick), perTick: perTick}
}

func (b *budget) available(tick uint64) float64 {
	return b.lim.TokensAt(tickTime(tick))
}

// spend reserves n bytes. Reservations are capped at the burst size, so
// oversized batches are taken in burst-sized pieces.
func (b *budget) spend(tick uint64, n int) {
	now := tickTime(tick)
	for n > 0 {
		chunk := min(n, b.perTick)
		b.lim.ReserveN(now, chunk)
		n -= chunk
	}
}
