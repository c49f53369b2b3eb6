package main

import (
	"sync"
)

type subscription struct {
	journal string
}

// Broker fans journal events out to subscribers.
type Broker struct {
	mu      sync.RWMutex
	clients map[chan Event]subscription
}

func NewBroker() *Broker {
	return &Broker{clients: make(map[chan Event]subscription)}
}

// Subscribe returns a channel of events for the named journal, or for every
// journal when journal is empty.
func (b *Broker) Subscribe(journal string) (ch chan Event, unsubscribe func()) {
	ch = make(chan Event, 8) // small buffer to avoid head-of-line blocking
	b.mu.Lock()
	b.clients[ch] = subscription{journal: journal}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broker) Publish(msg Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, sub := range b.clients {
		if sub.journal != "" && sub.journal != msg.Journal {
			continue
		}
		select {
		case ch <- msg:
		default:
			// client too slow; drop the message for this client
		}
	}
}

func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
