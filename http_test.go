package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeterminateSystems/jsonringd/internal/jsonval"
	"github.com/DeterminateSystems/jsonringd/internal/ringbuffer"
)

type testServer struct {
	journals *Journals
	broker   *Broker
	handler  http.Handler
}

func newTestServer(t *testing.T, opts ...ringbuffer.Option) *testServer {
	t.Helper()
	makeTimeBogus()

	reg := prometheus.NewRegistry()
	broker := NewBroker()
	journals := NewJournals(broker, 10, opts...)
	t.Cleanup(journals.Close)
	registerJournalMetrics(reg, journals, broker)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testServer{
		journals: journals,
		broker:   broker,
		handler:  newMux(journals, broker, reg, logger),
	}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestArrayRoutes(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/arrays/tasks", `1`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var ev Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ev))
	assert.Equal(t, Event{ID: "bogusid", Journal: "tasks", Op: "append", Index: 0, Length: 1, Timestamp: "bogustime"}, ev)

	rec = s.do(t, http.MethodPost, "/arrays/tasks/0", `"a"`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/arrays/tasks/0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `"a"`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	rec = s.do(t, http.MethodPut, "/arrays/tasks/1", `[true, 2.5]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/arrays/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var journal struct {
		Name  string          `json:"name"`
		State string          `json:"state"`
		Items json.RawMessage `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &journal))
	assert.Equal(t, "open", journal.State)
	assert.JSONEq(t, `["a",[true,2.5]]`, string(journal.Items))

	rec = s.do(t, http.MethodDelete, "/arrays/tasks/0", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	j, ok := s.journals.Lookup("tasks")
	require.True(t, ok)
	assert.Equal(t, 1, j.Len())

	rec = s.do(t, http.MethodDelete, "/arrays/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0, j.Len())

	rec = s.do(t, http.MethodGet, "/arrays", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Contains(t, all, "tasks")
}

func TestExtendRoute(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/arrays/tasks/extend", `[1, 2, 3]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/arrays/tasks/extend", `4`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	j, ok := s.journals.Lookup("tasks")
	require.True(t, ok)
	data, err := j.At(2)
	require.NoError(t, err)
	assert.Equal(t, "3", string(data))
	assert.Equal(t, 3, j.Len())
}

func TestErrorStatuses(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/arrays/tasks", `1`).Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"unknown journal", http.MethodGet, "/arrays/missing", "", http.StatusNotFound},
		{"unknown journal item", http.MethodGet, "/arrays/missing/0", "", http.StatusNotFound},
		{"get past the end", http.MethodGet, "/arrays/tasks/1", "", http.StatusNotFound},
		{"negative index", http.MethodGet, "/arrays/tasks/-1", "", http.StatusNotFound},
		{"set past the end", http.MethodPut, "/arrays/tasks/1", `2`, http.StatusNotFound},
		{"insert past the end", http.MethodPost, "/arrays/tasks/2", `2`, http.StatusNotFound},
		{"delete past the end", http.MethodDelete, "/arrays/tasks/1", "", http.StatusNotFound},
		{"index is not a number", http.MethodGet, "/arrays/tasks/first", "", http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/arrays/tasks", `[1,`, http.StatusBadRequest},
		{"trailing data", http.MethodPost, "/arrays/tasks", `1 2`, http.StatusBadRequest},
		{"objects are unsupported", http.MethodPost, "/arrays/tasks", `{"a":1}`, http.StatusBadRequest},
		{"bare minus", http.MethodPost, "/arrays/tasks", `-`, http.StatusBadRequest},
		{"leading zero", http.MethodPost, "/arrays/tasks", `01`, http.StatusBadRequest},
		{"dangling point in set", http.MethodPut, "/arrays/tasks/0", `1.`, http.StatusBadRequest},
		{"invalid UTF-8", http.MethodPost, "/arrays/tasks", "\"\xff\"", http.StatusBadRequest},
		{"seal unknown journal", http.MethodPost, "/arrays/missing/seal", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	j, ok := s.journals.Lookup("tasks")
	require.True(t, ok)
	assert.Equal(t, 1, j.Len())
}

func TestSealedJournalConflicts(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/arrays/tasks", `1`).Code)

	rec := s.do(t, http.MethodPost, "/arrays/tasks/seal", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"state":"sealed"`)

	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/arrays/tasks", `2`).Code)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodDelete, "/arrays/tasks/0", "").Code)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodDelete, "/arrays/tasks", "").Code)

	// Reads still work.
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/arrays/tasks/0", "").Code)

	rec = s.do(t, http.MethodPost, "/arrays/tasks/unseal", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/arrays/tasks", `2`).Code)
}

func TestExhaustedBudgetIsInsufficientStorage(t *testing.T) {
	alloc := ringbuffer.NewBudgetAllocator(ringbuffer.MinCapacity*ringbuffer.SlotSize, nil)
	s := newTestServer(t, ringbuffer.WithAllocator(alloc))

	// The history shares the budget, so keep it off for this journal.
	s.journals.history = 0

	for i := range ringbuffer.MinCapacity {
		rec := s.do(t, http.MethodPost, "/arrays/tasks", "1")
		require.Equal(t, http.StatusCreated, rec.Code, "append %d: %s", i, rec.Body.String())
	}

	rec := s.do(t, http.MethodPost, "/arrays/tasks", "1")
	assert.Equal(t, http.StatusInsufficientStorage, rec.Code, rec.Body.String())

	j, ok := s.journals.Lookup("tasks")
	require.True(t, ok)
	assert.Equal(t, ringbuffer.MinCapacity, j.Len())
}

func TestMetricsRoute(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/arrays/tasks", `[1, 2]`).Code)

	rec := s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "jsonringd_journals 1")
	assert.Contains(t, rec.Body.String(), "jsonringd_elements 1")
}

func readEvent(t *testing.T, r *bufio.Reader) []string {
	t.Helper()
	var lines []string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			return lines
		}
		lines = append(lines, line)
	}
}

func TestEventStream(t *testing.T) {
	s := newTestServer(t)
	journal := s.journals.GetOrInitJournal("tasks")

	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?name=tasks", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	assert.Equal(t, []string{"retry: 3000"}, readEvent(t, r))

	snapshot := readEvent(t, r)
	require.Len(t, snapshot, 2)
	assert.Equal(t, "event: snapshot", snapshot[0])
	assert.Contains(t, snapshot[1], `"name":"tasks"`)

	// Events for other journals are filtered out.
	s.journals.GetOrInitJournal("other")

	_, err = journal.Append(jsonval.Integer(1))
	require.NoError(t, err)

	ev := readEvent(t, r)
	require.Len(t, ev, 3)
	assert.Equal(t, "id: bogusid", ev[0])
	assert.Equal(t, "event: append", ev[1])
	assert.JSONEq(t, `{"id":"bogusid","journal":"tasks","op":"append","index":0,"length":1,"timestamp":"bogustime"}`,
		strings.TrimPrefix(ev[2], "data: "))
}
