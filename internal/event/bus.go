package event

import (
	"sync"

	"github.com/foldtale/foldtale/internal/util/timeutil"
	"github.com/google/uuid"
)

type Kind string

const (
	KindTurnOffered     Kind = "turn_offered"
	KindTurnClaimed     Kind = "turn_claimed"
	KindTurnCompleted   Kind = "turn_completed"
	KindTurnSkipped     Kind = "turn_skipped"
	KindTurnDismissed   Kind = "turn_dismissed"
	KindOfferStalled    Kind = "offer_stalled"
	KindGameCompleted   Kind = "game_completed"
	KindSeasonStarted   Kind = "season_started"
	KindSeasonCompleted Kind = "season_completed"
)

// Event is the engine's outward-facing signal. The presentation layer
// (chat commands, buttons, localized strings) consumes these and turns
// them into user-visible messages; the engine never formats text.
type Event struct {
	ID       string           `json:"id"`
	Kind     Kind             `json:"kind"`
	At       timeutil.UTCTime `json:"at"`
	SeasonID string           `json:"season_id,omitempty"`
	GameID   string           `json:"game_id,omitempty"`
	TurnID   string           `json:"turn_id,omitempty"`
	PlayerID string           `json:"player_id,omitempty"`
	Reason   string           `json:"reason,omitempty"`
}

// Bus fans events out to subscribers. Publishing never blocks: events
// to a subscriber whose channel is full are dropped, so a slow consumer
// cannot stall the engine.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan Event
	buffer int
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[uint64]chan Event),
		buffer: buffer,
	}
}

func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = timeutil.NowUTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, unsub
}
