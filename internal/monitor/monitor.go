// Package monitor polls a logger's sensors and broadcasts each reading to
// WebSocket clients, optionally recording them to CSV.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/kiwi/internal/kiwi"
)

// Source produces sensor snapshots. *kiwi.Session satisfies it.
type Source interface {
	ReadSensors(ctx context.Context) (kiwi.Reading, error)
}

// Recorder receives every successful reading.
type Recorder interface {
	Record(r kiwi.Reading)
	SetEnabled(on bool)
	IsEnabled() bool
	Close()
}

// Info identifies the logger being monitored.
type Info struct {
	Name     string `json:"name"`
	ID       string `json:"id"`
	Version  int    `json:"version"`
	Schema   string `json:"schema"`
	Interval int    `json:"intervalMs"`
	Logging  bool   `json:"logging"`
}

// Frame is the JSON structure sent to WebSocket clients.
type Frame struct {
	Info      *Info         `json:"info,omitempty"`
	Reading   *kiwi.Reading `json:"reading,omitempty"`
	Error     string        `json:"error,omitempty"`
	Recording bool          `json:"recording"`
	Stamp     int64         `json:"stamp"` // unix ms
}

// Config holds monitor settings.
type Config struct {
	ListenAddr string
	Poll       time.Duration
}

type Server struct {
	cfg   Config
	src   Source
	info  Info
	webFS fs.FS
	rec   Recorder
	log   zerolog.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex
	upgrader  websocket.Upgrader

	lastMu  sync.Mutex
	last    *kiwi.Reading
	lastErr string
	polls   int
	fails   int
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a monitor. rec may be nil.
func New(cfg Config, src Source, info Info, webFS fs.FS, rec Recorder, log zerolog.Logger) *Server {
	if cfg.Poll <= 0 {
		cfg.Poll = time.Second
	}
	return &Server{
		cfg:     cfg,
		src:     src,
		info:    info,
		webFS:   webFS,
		rec:     rec,
		log:     log.With().Str("component", "monitor").Logger(),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the monitor's routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWS)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/record/{state}", s.handleRecord)
	})
	if s.webFS != nil {
		r.Handle("/*", http.FileServer(http.FS(s.webFS)))
	}
	return r
}

// Run serves HTTP and polls the source until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.pollLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Poll)
	defer ticker.Stop()
	if s.rec != nil {
		defer s.rec.Close()
	}

	for {
		s.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll takes one reading and broadcasts it, or the error that prevented it.
func (s *Server) Poll(ctx context.Context) {
	rd, err := s.src.ReadSensors(ctx)
	if ctx.Err() != nil {
		return
	}

	s.lastMu.Lock()
	s.polls++
	frame := Frame{Recording: s.recording(), Stamp: time.Now().UnixMilli()}
	if err != nil {
		s.fails++
		s.lastErr = err.Error()
		frame.Error = s.lastErr
		s.log.Warn().Err(err).Msg("sensor read failed")
	} else {
		s.last = &rd
		s.lastErr = ""
		frame.Reading = &rd
	}
	s.lastMu.Unlock()

	if err == nil && s.rec != nil {
		s.rec.Record(rd)
	}
	s.broadcast(frame)
}

func (s *Server) recording() bool {
	return s.rec != nil && s.rec.IsEnabled()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Debug().Int("clients", n).Msg("ws client connected")

	s.lastMu.Lock()
	hello := Frame{Info: &s.info, Reading: s.last, Recording: s.recording(), Stamp: time.Now().UnixMilli()}
	s.lastMu.Unlock()
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			close(client.send)
			s.clientsMu.Unlock()
			s.log.Debug().Msg("ws client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

type status struct {
	Info      Info          `json:"info"`
	Last      *kiwi.Reading `json:"last,omitempty"`
	LastError string        `json:"lastError,omitempty"`
	Polls     int           `json:"polls"`
	Failures  int           `json:"failures"`
	Clients   int           `json:"clients"`
	Recording bool          `json:"recording"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clients := len(s.clients)
	s.clientsMu.RUnlock()

	s.lastMu.Lock()
	st := status{
		Info:      s.info,
		Last:      s.last,
		LastError: s.lastErr,
		Polls:     s.polls,
		Failures:  s.fails,
		Clients:   clients,
		Recording: s.recording(),
	}
	s.lastMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if s.rec == nil {
		http.Error(w, "recording not available", http.StatusNotImplemented)
		return
	}
	switch chi.URLParam(r, "state") {
	case "on":
		s.rec.SetEnabled(true)
	case "off":
		s.rec.SetEnabled(false)
	default:
		http.Error(w, "state must be on or off", http.StatusBadRequest)
		return
	}
	s.log.Info().Bool("recording", s.rec.IsEnabled()).Msg("recording toggled")
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// slow client, drop the frame
		}
	}
}
