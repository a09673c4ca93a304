// Package debugserver mirrors bus traffic over HTTP and a websocket
// for local debugging: a small set of REST endpoints plus a
// multiplexed websocket stream over fleet health, peripheral state,
// and CAN traffic.
package debugserver

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/anodyne74/cangated/internal/bus"
	"github.com/anodyne74/cangated/internal/gateway"
	"github.com/anodyne74/cangated/internal/state"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEnvelope tags a broadcast payload with the bus topic it came from,
// so a single websocket stream can multiplex every mirrored topic.
type wsEnvelope struct {
	Topic     string      `json:"topic"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Server is the fleet.Activity that runs the debug HTTP/websocket
// endpoint. It is read-only: no handler can command a gateway.
type Server struct {
	Bus    *bus.Bus
	Addr   string
	Logger *log.Logger

	mu            sync.Mutex
	clients       map[*websocket.Conn]bool
	lastHealth    bus.PandaStatesMsg
	lastPeripheral bus.PeripheralStateMsg
}

// NewServer constructs a Server listening on addr (host:port).
func NewServer(b *bus.Bus, addr string) *Server {
	return &Server{
		Bus:     b,
		Addr:    addr,
		Logger:  log.New(os.Stderr, "debugserver: ", log.LstdFlags),
		clients: make(map[*websocket.Conn]bool),
	}
}

// Run implements fleet.Activity. It starts the HTTP server in the
// background and mirrors bus topics to websocket clients until
// shutdown is observed.
func (s *Server) Run(fleet []gateway.Gateway, shared *state.Shared) {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz)
	router.HandleFunc("/fleet", s.handleFleet(fleet))
	router.HandleFunc("/ws", s.handleWS)

	srv := &http.Server{Addr: s.Addr, Handler: router}
	go func() {
		s.Logger.Printf("listening on http://%s", s.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.Logger.Printf("serve error: %v", err)
		}
	}()

	healthSub := s.Bus.Subscribe(bus.TopicPandaStates, 4)
	defer healthSub.Close()
	peripheralSub := s.Bus.Subscribe(bus.TopicPeripheralState, 4)
	defer peripheralSub.Close()
	canSub := s.Bus.Subscribe(bus.TopicCAN, 16)
	defer canSub.Close()

	for {
		if shared.ShuttingDown() {
			_ = srv.Close()
			s.closeAllClients()
			return
		}

		if msg, ok := healthSub.Receive(50 * time.Millisecond); ok {
			if h, ok := msg.(bus.PandaStatesMsg); ok {
				s.mu.Lock()
				s.lastHealth = h
				s.mu.Unlock()
				s.broadcast(bus.TopicPandaStates, h)
			}
		}
		if msg, ok := peripheralSub.Receive(0); ok {
			if p, ok := msg.(bus.PeripheralStateMsg); ok {
				s.mu.Lock()
				s.lastPeripheral = p
				s.mu.Unlock()
				s.broadcast(bus.TopicPeripheralState, p)
			}
		}
		if msg, ok := canSub.Receive(0); ok {
			if c, ok := msg.(bus.CANMsg); ok {
				s.broadcast(bus.TopicCAN, c)
			}
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleFleet(fleet []gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type entry struct {
			Serial   string `json:"serial"`
			Hardware string `json:"hardware"`
			Position int    `json:"position"`
			Connected bool  `json:"connected"`
		}
		out := make([]entry, len(fleet))
		for i, g := range fleet {
			out[i] = entry{Serial: g.Serial(), Hardware: g.HardwareType().String(), Position: g.Position(), Connected: g.Connected()}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Printf("websocket upgrade: %v", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) broadcast(topic string, payload interface{}) {
	body, err := json.Marshal(wsEnvelope{Topic: topic, Payload: payload, Timestamp: time.Now()})
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		if err := client.WriteMessage(websocket.TextMessage, body); err != nil {
			client.Close()
			delete(s.clients, client)
		}
	}
}

func (s *Server) closeAllClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		client.Close()
		delete(s.clients, client)
	}
}
