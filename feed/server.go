package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"elm327-diag/common"
	"elm327-diag/events"
)

// Config представляет настройки живой ленты событий
type Config struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{ListenAddr: ":8080"}
}

// StatusProvider отдаёт снимок состояния сессии
type StatusProvider interface {
	ConnectionStatus() common.ConnectionStatus
}

// Frame представляет сообщение, которое получают клиенты /ws
type Frame struct {
	Status *common.ConnectionStatus `json:"status,omitempty"`
	Event  *events.Event            `json:"event,omitempty"`
	Stamp  int64                    `json:"stamp"` // Unix ms
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Server раздаёт события шины клиентам WebSocket
type Server struct {
	cfg    Config
	status StatusProvider
	logger *zap.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

// New создаёт сервер ленты
func New(cfg Config, status StatusProvider, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		status:  status,
		logger:  logger.Named("feed"),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler возвращает маршруты /ws и /api/status
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	return mux
}

// Run обслуживает HTTP до отмены ctx
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.closeClients()
	}()

	s.logger.Info("Feed listening", zap.String("addr", s.cfg.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// HandleEvent рассылает событие шины всем клиентам
func (s *Server) HandleEvent(ev events.Event) {
	s.broadcast(Frame{Event: &ev, Stamp: time.Now().UnixMilli()})
}

// Clients возвращает число подключённых клиентов
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Первым кадром клиент получает текущее состояние
	status := s.status.ConnectionStatus()
	if data, err := json.Marshal(Frame{Status: &status, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Info("Client connected", zap.Int("total", total))

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer s.removeClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) removeClient(client *wsClient) {
	s.clientsMu.Lock()
	_, ok := s.clients[client]
	if ok {
		delete(s.clients, client)
		close(client.send)
	}
	total := len(s.clients)
	s.clientsMu.Unlock()

	if ok {
		s.logger.Info("Client disconnected", zap.Int("total", total))
	}
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for client := range s.clients {
		delete(s.clients, client)
		close(client.send)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := json.Marshal(s.status.ConnectionStatus())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("Failed to marshal frame", zap.Error(err))
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			s.logger.Debug("Client too slow, skipping frame")
		}
	}
}
