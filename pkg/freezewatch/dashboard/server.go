// Package dashboard streams watchdog notifications to browsers over a
// websocket and serves a small JSON status API. The server implements
// freezewatch.PerformanceListener; register it on the watchdog to feed it.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chosenoffset/freezewatch/pkg/freezewatch/stack"
)

// EventUpdate is one watchdog notification rendered for clients.
type EventUpdate struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	// LatencyMs is set for responded events, DurationMs for freeze reports.
	LatencyMs  int64  `json:"latency_ms,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Path       string `json:"path,omitempty"`
}

// StatusProvider supplies the /api/status payload, typically the watchdog's
// current Apdex scores and uptime.
type StatusProvider func() interface{}

type Server struct {
	port         int
	server       *http.Server
	upgrader     websocket.Upgrader
	clients      map[*websocket.Conn]bool
	clientsMutex sync.RWMutex
	maxClients   int
	events       chan EventUpdate
	stop         chan struct{}

	mutex       sync.RWMutex
	eventBuffer []EventUpdate
	eventIndex  int
	eventCount  int
	status      StatusProvider
}

func NewServer(port int) *Server {
	return &Server{
		port: port,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return origin == fmt.Sprintf("http://localhost:%d", port) ||
					origin == fmt.Sprintf("http://127.0.0.1:%d", port)
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients:     make(map[*websocket.Conn]bool),
		maxClients:  100,
		events:      make(chan EventUpdate, 100),
		stop:        make(chan struct{}),
		eventBuffer: make([]EventUpdate, 50),
	}
}

// SetStatusProvider wires the /api/status payload source.
func (s *Server) SetStatusProvider(status StatusProvider) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.status = status
}

func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go s.broadcast()

	log.Printf("Starting freezewatch dashboard on :%d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Stop() error {
	close(s.stop)
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// PerformanceListener implementation. Updates are dropped rather than
// blocking the watchdog worker when the channel is full.

func (s *Server) UIResponded(latency time.Duration) {
	s.send(EventUpdate{
		Timestamp: time.Now(),
		Type:      "responded",
		LatencyMs: latency.Milliseconds(),
	})
}

func (s *Server) UIFreezeStarted(reportDir string) {
	s.send(EventUpdate{
		Timestamp: time.Now(),
		Type:      "freeze_started",
		Message:   "UI freeze detected",
		Path:      reportDir,
	})
}

func (s *Server) DumpedThreads(file string, _ *stack.Snapshot) {
	s.send(EventUpdate{
		Timestamp: time.Now(),
		Type:      "dump",
		Message:   "thread dump written",
		Path:      file,
	})
}

func (s *Server) UIFreezeFinished(duration time.Duration, reportDir string) {
	s.send(EventUpdate{
		Timestamp:  time.Now(),
		Type:       "freeze_finished",
		Message:    "UI freeze resolved",
		DurationMs: duration.Milliseconds(),
		Path:       reportDir,
	})
}

func (s *Server) RecoveredFreeze(reportDir string, duration time.Duration) {
	s.send(EventUpdate{
		Timestamp:  time.Now(),
		Type:       "freeze_recovered",
		Message:    "unfinished freeze from previous run",
		DurationMs: duration.Milliseconds(),
		Path:       reportDir,
	})
}

func (s *Server) send(event EventUpdate) {
	select {
	case s.events <- event:
	default:
		// Drop if channel is full
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mutex.RLock()
	status := s.status
	s.mutex.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if status == nil {
		w.Write([]byte("{}"))
		return
	}
	json.NewEncoder(w).Encode(status())
}

// handleEvents returns the recent-events ring, oldest first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.mutex.RLock()
	events := make([]EventUpdate, 0, s.eventCount)
	for i := 0; i < s.eventCount; i++ {
		idx := (s.eventIndex - s.eventCount + i + len(s.eventBuffer)) % len(s.eventBuffer)
		events = append(events, s.eventBuffer[idx])
	}
	s.mutex.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.clientsMutex.RLock()
	clientCount := len(s.clients)
	s.clientsMutex.RUnlock()

	if clientCount >= s.maxClients {
		http.Error(w, "Maximum clients reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	s.clientsMutex.Lock()
	s.clients[conn] = true
	s.clientsMutex.Unlock()

	defer func() {
		s.clientsMutex.Lock()
		delete(s.clients, conn)
		s.clientsMutex.Unlock()
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Reader goroutine detects client disconnects.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("WebSocket read error: %v", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		case <-s.stop:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Server) broadcast() {
	for {
		select {
		case event := <-s.events:
			s.mutex.Lock()
			s.eventBuffer[s.eventIndex] = event
			s.eventIndex = (s.eventIndex + 1) % len(s.eventBuffer)
			if s.eventCount < len(s.eventBuffer) {
				s.eventCount++
			}
			s.mutex.Unlock()

			s.broadcastMessage(map[string]interface{}{
				"type": "event",
				"data": event,
			})
		case <-s.stop:
			return
		}
	}
}

func (s *Server) broadcastMessage(message interface{}) {
	s.clientsMutex.RLock()
	if len(s.clients) == 0 {
		s.clientsMutex.RUnlock()
		return
	}
	clientsCopy := make([]*websocket.Conn, 0, len(s.clients))
	for client := range s.clients {
		clientsCopy = append(clientsCopy, client)
	}
	s.clientsMutex.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("Error marshaling message: %v", err)
		return
	}

	var failedClients []*websocket.Conn
	for _, client := range clientsCopy {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			client.Close()
			failedClients = append(failedClients, client)
		}
	}

	if len(failedClients) > 0 {
		s.clientsMutex.Lock()
		for _, client := range failedClients {
			delete(s.clients, client)
		}
		s.clientsMutex.Unlock()
	}
}
