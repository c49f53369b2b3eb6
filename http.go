package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DeterminateSystems/jsonringd/internal/jsonval"
	"github.com/DeterminateSystems/jsonringd/internal/ringbuffer"
)

const maxBodyBytes = 1 << 20

var heartbeatInterval = 15 * time.Second

type server struct {
	journals *Journals
	broker   *Broker
	logger   *slog.Logger
}

func newMux(j *Journals, b *Broker, g prometheus.Gatherer, logger *slog.Logger) http.Handler {
	s := &server{journals: j, broker: b, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /arrays", s.listJournals)
	mux.HandleFunc("GET /arrays/{name}", s.getJournal)
	mux.HandleFunc("POST /arrays/{name}", s.appendItem)
	mux.HandleFunc("DELETE /arrays/{name}", s.clearJournal)
	mux.HandleFunc("POST /arrays/{name}/extend", s.extendJournal)
	mux.HandleFunc("POST /arrays/{name}/seal", s.sealJournal)
	mux.HandleFunc("POST /arrays/{name}/unseal", s.unsealJournal)
	mux.HandleFunc("GET /arrays/{name}/{index}", s.getItem)
	mux.HandleFunc("POST /arrays/{name}/{index}", s.insertItem)
	mux.HandleFunc("PUT /arrays/{name}/{index}", s.setItem)
	mux.HandleFunc("DELETE /arrays/{name}/{index}", s.deleteItem)
	mux.HandleFunc("GET /events", s.events)
	mux.Handle("GET /metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ringbuffer.ErrOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, ErrSealed):
		return http.StatusConflict
	case errors.Is(err, ringbuffer.ErrOutOfMemory):
		return http.StatusInsufficientStorage
	case errors.Is(err, ringbuffer.ErrNilValue), errors.Is(err, jsonval.ErrNotArray), errors.Is(err, jsonval.ErrCycle):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	http.Error(w, err.Error(), status)
}

func (s *server) reply(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, fmt.Errorf("JSON marshalling error: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (s *server) decodeBody(w http.ResponseWriter, r *http.Request) (*jsonval.Value, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.fail(w, r, http.StatusRequestEntityTooLarge, err)
		return nil, false
	}
	v, err := jsonval.Decode(body, s.journals.opts...)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ringbuffer.ErrOutOfMemory) {
			status = http.StatusInsufficientStorage
		}
		s.fail(w, r, status, err)
		return nil, false
	}
	return v, true
}

func pathIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		http.Error(w, fmt.Sprintf("index error: %v", err), http.StatusBadRequest)
		return 0, false
	}
	return index, true
}

func (s *server) lookup(w http.ResponseWriter, r *http.Request) (*Journal, bool) {
	journal, ok := s.journals.Lookup(r.PathValue("name"))
	if !ok {
		http.Error(w, "no such journal", http.StatusNotFound)
	}
	return journal, ok
}

func (s *server) listJournals(w http.ResponseWriter, r *http.Request) {
	s.reply(w, r, http.StatusOK, s.journals)
}

func (s *server) getJournal(w http.ResponseWriter, r *http.Request) {
	if journal, ok := s.lookup(w, r); ok {
		s.reply(w, r, http.StatusOK, journal)
	}
}

func (s *server) getItem(w http.ResponseWriter, r *http.Request) {
	journal, ok := s.lookup(w, r)
	if !ok {
		return
	}
	index, ok := pathIndex(w, r)
	if !ok {
		return
	}
	data, err := journal.At(index)
	if err != nil {
		s.fail(w, r, statusFor(err), err)
		return
	}
	s.reply(w, r, http.StatusOK, json.RawMessage(data))
}

func (s *server) mutated(w http.ResponseWriter, r *http.Request, status int, ev Event, err error) {
	if err != nil {
		s.fail(w, r, statusFor(err), err)
		return
	}
	s.reply(w, r, status, ev)
}

func (s *server) appendItem(w http.ResponseWriter, r *http.Request) {
	v, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	ev, err := s.journals.GetOrInitJournal(r.PathValue("name")).Append(v)
	s.mutated(w, r, http.StatusCreated, ev, err)
}

func (s *server) extendJournal(w http.ResponseWriter, r *http.Request) {
	v, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	if v.Kind() != jsonval.KindArray {
		v.Decref()
		http.Error(w, "extend takes a JSON array", http.StatusBadRequest)
		return
	}
	ev, err := s.journals.GetOrInitJournal(r.PathValue("name")).Extend(v)
	s.mutated(w, r, http.StatusOK, ev, err)
}

func (s *server) insertItem(w http.ResponseWriter, r *http.Request) {
	index, ok := pathIndex(w, r)
	if !ok {
		return
	}
	v, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	ev, err := s.journals.GetOrInitJournal(r.PathValue("name")).Insert(index, v)
	s.mutated(w, r, http.StatusCreated, ev, err)
}

func (s *server) setItem(w http.ResponseWriter, r *http.Request) {
	journal, ok := s.lookup(w, r)
	if !ok {
		return
	}
	index, ok := pathIndex(w, r)
	if !ok {
		return
	}
	v, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	ev, err := journal.Set(index, v)
	s.mutated(w, r, http.StatusOK, ev, err)
}

func (s *server) deleteItem(w http.ResponseWriter, r *http.Request) {
	journal, ok := s.lookup(w, r)
	if !ok {
		return
	}
	index, ok := pathIndex(w, r)
	if !ok {
		return
	}
	ev, err := journal.Delete(index)
	s.mutated(w, r, http.StatusOK, ev, err)
}

func (s *server) clearJournal(w http.ResponseWriter, r *http.Request) {
	journal, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ev, err := journal.Clear()
	s.mutated(w, r, http.StatusOK, ev, err)
}

func (s *server) sealJournal(w http.ResponseWriter, r *http.Request) {
	journal, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := journal.Seal(r.Context()); err != nil {
		s.fail(w, r, http.StatusConflict, err)
		return
	}
	s.reply(w, r, http.StatusOK, journal)
}

func (s *server) unsealJournal(w http.ResponseWriter, r *http.Request) {
	journal, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := journal.Unseal(r.Context()); err != nil {
		s.fail(w, r, http.StatusConflict, err)
		return
	}
	s.reply(w, r, http.StatusOK, journal)
}

// events streams journal events as Server-Sent Events, starting with a
// snapshot of the journal (or of all journals).
func (s *server) events(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")

	// Mandatory SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// CORS (optional; useful when testing from other origins)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Subscribe before the snapshot so no event falls between the two.
	ch, unsubscribe := s.broker.Subscribe(name)
	defer unsubscribe()

	// Tell client to retry in 3s if disconnected
	if _, err := fmt.Fprint(w, "retry: 3000\n\n"); err != nil {
		return
	}

	var snapshot any = s.journals
	if name != "" {
		snapshot = s.journals.GetOrInitJournal(name)
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		s.logger.Error("JSON marshalling error", "error", err)
	} else if _, err = fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data); err != nil {
		return
	}
	flusher.Flush()

	// Heartbeats to keep connections alive through proxies
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			// comment lines are ignored by EventSource but keep the pipe warm
			if _, err = fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("JSON marshalling error", "error", err)
				continue
			}
			if _, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", msg.ID, msg.Op, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
