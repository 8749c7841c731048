package bus

import (
	"testing"
	"time"

	"github.com/otcplatform/sentinel-otc/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestPublishTickDropsOnFullBuffer(t *testing.T) {
	h := New(zerolog.Nop())
	sub := &subscriber{
		id:          "s1",
		ticks:       make(chan envelope, 1),
		settlements: make(chan envelope, 1),
	}
	h.mu.Lock()
	h.subs["s1"] = sub
	h.mu.Unlock()

	h.PublishTick("EUR/USD-OTC", domain.Tick{Symbol: "EUR/USD-OTC", Price: 1.1})
	h.PublishTick("EUR/USD-OTC", domain.Tick{Symbol: "EUR/USD-OTC", Price: 1.2})

	assert.Len(t, sub.ticks, 1)
	first := <-sub.ticks
	tick := first.Payload.(domain.Tick)
	assert.Equal(t, 1.1, tick.Price)
}

func TestPublishSettlementOnlyReachesOwnerOrAdmin(t *testing.T) {
	h := New(zerolog.Nop())
	owner := &subscriber{id: "owner", identity: Identity{UserID: "user1"}, settlements: make(chan envelope, 1), ticks: make(chan envelope, 1)}
	admin := &subscriber{id: "admin", identity: Identity{IsAdmin: true}, settlements: make(chan envelope, 1), ticks: make(chan envelope, 1)}
	stranger := &subscriber{id: "stranger", identity: Identity{UserID: "user2"}, settlements: make(chan envelope, 1), ticks: make(chan envelope, 1)}

	h.mu.Lock()
	h.subs["owner"] = owner
	h.subs["admin"] = admin
	h.subs["stranger"] = stranger
	h.mu.Unlock()

	h.PublishSettlement("EUR/USD-OTC", domain.Position{User: "user1"})

	assert.Eventually(t, func() bool { return len(owner.settlements) == 1 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return len(admin.settlements) == 1 }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return len(stranger.settlements) != 0 }, 200*time.Millisecond, time.Millisecond)
}

func TestSubscriberCountReflectsConnections(t *testing.T) {
	h := New(zerolog.Nop())
	h.mu.Lock()
	h.subs["a"] = &subscriber{id: "a"}
	h.subs["b"] = &subscriber{id: "b"}
	h.mu.Unlock()

	assert.Equal(t, 2, h.SubscriberCount())
}
