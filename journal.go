package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/DeterminateSystems/jsonringd/internal/jsonval"
	"github.com/DeterminateSystems/jsonringd/internal/ringbuffer"
)

var ErrSealed = errors.New("journal is sealed")

const (
	stateOpen   = "open"
	stateSealed = "sealed"
)

type Journals struct {
	mu       sync.Mutex
	journals map[string]*Journal
	broker   *Broker
	history  int
	opts     []ringbuffer.Option
}

// NewJournals keeps up to history events per journal. The options configure
// the ring buffers behind every journal.
func NewJournals(broker *Broker, history int, opts ...ringbuffer.Option) *Journals {
	return &Journals{
		journals: make(map[string]*Journal),
		broker:   broker,
		history:  history,
		opts:     opts,
	}
}

func (j *Journals) GetOrInitJournal(name string) *Journal {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.journals[name] == nil {
		j.journals[name] = NewJournal(name, j.broker, j.history, j.opts...)
	}

	return j.journals[name]
}

func (j *Journals) Lookup(name string) (*Journal, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	journal, ok := j.journals[name]
	return journal, ok
}

func (j *Journals) Names() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	names := make([]string, 0, len(j.journals))
	for name := range j.journals {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Elements counts the elements held across all journals.
func (j *Journals) Elements() int {
	total := 0
	for _, name := range j.Names() {
		if journal, ok := j.Lookup(name); ok {
			total += journal.Len()
		}
	}
	return total
}

func (j *Journals) MarshalJSON() ([]byte, error) {
	j.mu.Lock()
	snapshot := make(map[string]*Journal, len(j.journals))
	for name, journal := range j.journals {
		snapshot[name] = journal
	}
	j.mu.Unlock()

	return json.Marshal(snapshot)
}

// Close releases every journal.
func (j *Journals) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()

	for name, journal := range j.journals {
		journal.Close()
		delete(j.journals, name)
	}
}

// Journal is a named JSON array with a bounded history of the mutations
// applied to it.
type Journal struct {
	Name string

	mu      sync.Mutex
	fsm     *fsm.FSM
	items   *jsonval.Value
	history *jsonval.Value
	limit   int
	broker  *Broker
	closed  bool
}

type Event struct {
	ID        string `json:"id"`
	Journal   string `json:"journal"`
	Op        string `json:"op"`
	Index     int    `json:"index"`
	Length    int    `json:"length"`
	Timestamp string `json:"timestamp"`
}

var (
	bogusTimestamp *string
	bogusID        *string
)

func makeTimeBogus() {
	bogus := "bogustime"
	bogusTimestamp = &bogus
	id := "bogusid"
	bogusID = &id
}

func newEvent(journal, op string, index, length int) Event {
	ev := Event{
		Journal: journal,
		Op:      op,
		Index:   index,
		Length:  length,
	}

	if bogusTimestamp == nil {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	} else {
		ev.Timestamp = *bogusTimestamp
	}
	if bogusID == nil {
		ev.ID = uuid.NewString()
	} else {
		ev.ID = *bogusID
	}

	return ev
}

// record is the event as a JSON array: [id, op, index, timestamp].
func (e Event) record() *jsonval.Value {
	rec := jsonval.NewArray()
	rec.AppendNew(jsonval.String(e.ID))
	rec.AppendNew(jsonval.String(e.Op))
	rec.AppendNew(jsonval.Integer(int64(e.Index)))
	rec.AppendNew(jsonval.String(e.Timestamp))
	return rec
}

func NewJournal(name string, broker *Broker, limit int, opts ...ringbuffer.Option) *Journal {
	journal := &Journal{
		Name:    name,
		items:   jsonval.NewArray(opts...),
		history: jsonval.NewArray(opts...),
		limit:   limit,
		broker:  broker,
	}

	journal.fsm = fsm.NewFSM(
		stateOpen,
		fsm.Events{
			{Name: "seal", Src: []string{stateOpen}, Dst: stateSealed},
			{Name: "unseal", Src: []string{stateSealed}, Dst: stateOpen},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				journal.publish(e.Event, -1)
			},
		},
	)

	journal.publish("create", -1)

	return journal
}

// publish records an event and sends it to subscribers. The caller holds mu,
// except during construction.
func (j *Journal) publish(op string, index int) Event {
	ev := newEvent(j.Name, op, index, j.items.Len())

	if j.limit > 0 {
		if err := j.history.AppendNew(ev.record()); err == nil {
			for j.history.Len() > j.limit {
				j.history.Remove(0)
			}
		}
	}

	j.broker.Publish(ev)
	return ev
}

func (j *Journal) State() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.fsm.Current()
}

func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.items.Len()
}

// At returns the JSON encoding of the element at index.
func (j *Journal) At(index int) ([]byte, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	item := j.items.At(index)
	if item == nil {
		return nil, fmt.Errorf("journal %s: get %d of %d: %w", j.Name, index, j.items.Len(), ringbuffer.ErrOutOfRange)
	}
	return item.MarshalJSON()
}

// mutate runs op on the items unless the journal is sealed. op reports the
// index the event should carry. mutate steals v, which is nil for operations
// that take no value.
func (j *Journal) mutate(name string, v *jsonval.Value, op func() (int, error)) (Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.fsm.Is(stateSealed) {
		v.Decref()
		return Event{}, fmt.Errorf("journal %s: %s: %w", j.Name, name, ErrSealed)
	}
	index, err := op()
	if err != nil {
		return Event{}, fmt.Errorf("journal %s: %s: %w", j.Name, name, err)
	}
	return j.publish(name, index), nil
}

// Append adds v at the end, stealing the caller's share of it.
func (j *Journal) Append(v *jsonval.Value) (Event, error) {
	return j.mutate("append", v, func() (int, error) {
		index := j.items.Len()
		return index, j.items.AppendNew(v)
	})
}

func (j *Journal) Insert(index int, v *jsonval.Value) (Event, error) {
	return j.mutate("insert", v, func() (int, error) {
		return index, j.items.InsertNew(index, v)
	})
}

func (j *Journal) Set(index int, v *jsonval.Value) (Event, error) {
	return j.mutate("set", v, func() (int, error) {
		return index, j.items.SetNew(index, v)
	})
}

func (j *Journal) Delete(index int) (Event, error) {
	return j.mutate("delete", nil, func() (int, error) {
		return index, j.items.Remove(index)
	})
}

func (j *Journal) Clear() (Event, error) {
	return j.mutate("clear", nil, func() (int, error) {
		return -1, j.items.Clear()
	})
}

// Extend appends every element of the array other, stealing the caller's
// share of it. Either all elements land or none do.
func (j *Journal) Extend(other *jsonval.Value) (Event, error) {
	defer other.Decref()
	return j.mutate("extend", nil, func() (int, error) {
		index := j.items.Len()
		return index, j.items.Extend(other)
	})
}

func (j *Journal) Seal(ctx context.Context) error {
	return j.transition(ctx, "seal", stateSealed)
}

func (j *Journal) Unseal(ctx context.Context) error {
	return j.transition(ctx, "unseal", stateOpen)
}

func (j *Journal) transition(ctx context.Context, event, target string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.fsm.Is(target) {
		// Sealing a sealed journal (or the reverse) is a no-op.
		return nil
	}
	return j.fsm.Event(ctx, event)
}

func (j *Journal) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return
	}
	j.closed = true
	j.items.Decref()
	j.history.Decref()
}

func (j *Journal) MarshalJSON() ([]byte, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	return json.Marshal(struct {
		Name    string         `json:"name"`
		State   string         `json:"state"`
		Items   *jsonval.Value `json:"items"`
		History *jsonval.Value `json:"history"`
	}{
		Name:    j.Name,
		State:   j.fsm.Current(),
		Items:   j.items,
		History: j.history,
	})
}
