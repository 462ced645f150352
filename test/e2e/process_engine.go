package e2e

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// fakeProcessEngine stands in for the process engine the per-item operations
// are dispatched against. It records every call and can be told to answer
// with a conflict or a server error for selected instances.
type fakeProcessEngine struct {
	listener net.Listener
	server   *http.Server

	mu       sync.Mutex
	calls    map[string][]int64
	conflict map[int64]bool
	failing  map[int64]bool
}

func startFakeProcessEngine() (*fakeProcessEngine, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	engine := &fakeProcessEngine{
		listener: listener,
		calls:    map[string][]int64{},
		conflict: map[int64]bool{},
		failing:  map[int64]bool{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/process-instances/", engine.handle)
	engine.server = &http.Server{Handler: mux}
	go func() {
		_ = engine.server.Serve(listener)
	}()
	return engine, nil
}

func (e *fakeProcessEngine) handle(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 4 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	key, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	operation := parts[3]

	e.mu.Lock()
	e.calls[operation] = append(e.calls[operation], key)
	conflict := e.conflict[key]
	failing := e.failing[key]
	e.mu.Unlock()

	switch {
	case conflict:
		w.WriteHeader(http.StatusConflict)
	case failing:
		w.WriteHeader(http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (e *fakeProcessEngine) URL() string {
	return fmt.Sprintf("http://%s", e.listener.Addr().String())
}

func (e *fakeProcessEngine) MarkConflicting(key int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conflict[key] = true
}

func (e *fakeProcessEngine) MarkFailing(key int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failing[key] = true
}

func (e *fakeProcessEngine) Calls(operation string) []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := make([]int64, len(e.calls[operation]))
	copy(res, e.calls[operation])
	return res
}

func (e *fakeProcessEngine) Stop() {
	_ = e.server.Close()
}
