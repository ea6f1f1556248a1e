package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/andreyschmidt0/cbtwebsocket/game"
)

// heartbeatInterval drives the stale-transport sweep; a transport
// silent for two sweeps is terminated.
const (
	heartbeatInterval = 30 * time.Second
	staleAfter        = 2 * heartbeatInterval
	writeWait         = 10 * time.Second
)

// Client is one connected transport. PlayerID stays zero until the
// AUTH handshake binds an identity.
type Client struct {
	ID       uuid.UUID
	PlayerID int64
	conn     *websocket.Conn
	send     chan ServerMessage
	server   *Server

	mu       sync.Mutex
	lastSeen time.Time
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Client) stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastSeen) > staleAfter
}

// Server is the session router: it owns the transport map, translates
// inbound messages into engine calls and fans engine events back out.
type Server struct {
	cfg     Config
	log     *zap.Logger
	store   Store
	db      MatchDB
	auth    Authenticator
	metrics *Metrics

	Queue     *QueueEngine
	Ready     *ReadyCheck
	Lobbies   *LobbyEngine
	Hosts     *HostSelector
	Validator *ValidationEngine

	mu      sync.RWMutex
	conns   map[uuid.UUID]*Client
	clients map[int64]*Client // authenticated, one per identity

	register   chan *Client
	unregister chan *Client
	shutdown   chan struct{}
}

// NewServer wires the full pipeline onto one session router.
func NewServer(cfg Config, log *zap.Logger, store Store, db MatchDB) *Server {
	s := &Server{
		cfg:        cfg,
		log:        log,
		store:      store,
		db:         db,
		auth:       NewJWTAuthenticator(cfg.AuthSecret),
		metrics:    NewMetrics(),
		conns:      make(map[uuid.UUID]*Client),
		clients:    make(map[int64]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		shutdown:   make(chan struct{}),
	}

	s.Queue = NewQueueEngine(store, db, log, s, s.metrics, cfg.MatchmakingInterval)
	s.Ready = NewReadyCheck(store, log, s, s.metrics, s.Queue, cfg.ReadyTimeout)
	s.Lobbies = NewLobbyEngine(store, db, log, s, s.Queue, DefaultMapPool, cfg.VetoTurnTimeout)
	s.Hosts = NewHostSelector(store, db, log, s, s.Queue, cfg.HostTimeout)
	s.Validator = NewValidationEngine(store, db, log, s, s.metrics,
		cfg.GameMode, cfg.MonitoringInterval, cfg.AggressiveInterval)

	// Stage handoffs.
	s.Queue.OnCohort = func(matchID string, teams game.Teams) {
		s.Ready.Start(context.Background(), matchID, teams)
	}
	s.Ready.OnComplete = func(matchID string, teams game.Teams) {
		s.Lobbies.Create(context.Background(), matchID, teams)
	}
	s.Lobbies.OnMapSelected = func(matchID string, teams game.Teams, mapInfo MapInfo) {
		s.Hosts.Start(context.Background(), matchID, teams, mapInfo)
	}
	s.Hosts.OnConfirmed = func(matchID string, teams game.Teams, mapNumber int) {
		s.Lobbies.MarkInProgress(matchID)
		s.Validator.Watch(matchID, teams, mapNumber)
	}
	s.Hosts.OnFailed = func(matchID string, hostID int64, reason string) {
		s.Lobbies.Close(matchID)
	}
	s.Validator.OnSettled = func(matchID string) {
		s.Lobbies.Close(matchID)
	}

	return s
}

// SendTo delivers a message to a player's transport, dropping it if
// the send buffer is full rather than stalling the pipeline.
func (s *Server) SendTo(playerID int64, msg ServerMessage) {
	s.mu.RLock()
	client, ok := s.clients[playerID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case client.send <- msg:
	default:
		s.log.Warn("send buffer full, message dropped",
			zap.Int64("player", playerID),
			zap.String("type", msg.Type))
	}
}

// Run is the router's dispatcher loop.
func (s *Server) Run() {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case client := <-s.register:
			s.mu.Lock()
			s.conns[client.ID] = client
			s.mu.Unlock()
			s.log.Info("transport connected", zap.String("conn", client.ID.String()))

		case client := <-s.unregister:
			s.dropClient(client)

		case <-heartbeat.C:
			s.sweepStale()

		case <-s.shutdown:
			return
		}
	}
}

func (s *Server) dropClient(client *Client) {
	s.mu.Lock()
	if _, ok := s.conns[client.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, client.ID)
	playerID := client.PlayerID
	if playerID != 0 && s.clients[playerID] == client {
		delete(s.clients, playerID)
	} else {
		playerID = 0
	}
	close(client.send)
	s.mu.Unlock()

	if playerID != 0 {
		s.metrics.ConnectedUsers.Dec()
		// Disconnect cascade: queue, then ready check, then host.
		ctx := context.Background()
		s.Queue.Remove(ctx, playerID)
		s.Ready.HandleDisconnect(ctx, playerID)
		s.Hosts.HandleDisconnect(ctx, playerID)
		s.log.Info("player disconnected", zap.Int64("player", playerID))
	} else {
		s.log.Info("transport disconnected", zap.String("conn", client.ID.String()))
	}
}

func (s *Server) sweepStale() {
	s.mu.RLock()
	var stale []*Client
	for _, c := range s.conns {
		if c.stale() {
			stale = append(stale, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range stale {
		s.log.Warn("terminating stale transport",
			zap.String("conn", c.ID.String()),
			zap.Int64("player", c.PlayerID))
		c.conn.Close()
	}
}

// bindIdentity attaches an authenticated player to a transport. The
// newer of two connections for the same identity loses.
func (s *Server) bindIdentity(client *Client, playerID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.clients[playerID]; taken {
		return false
	}
	client.PlayerID = playerID
	s.clients[playerID] = client
	s.metrics.ConnectedUsers.Inc()
	return true
}

// isValidOrigin allows same-origin, the configured frontend, and
// localhost for development.
func (s *Server) isValidOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No origin header, could be a non-browser client.
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		s.log.Warn("invalid origin", zap.String("origin", origin))
		return false
	}

	if r.Host == originURL.Host {
		return true
	}
	if frontend, err := url.Parse(s.cfg.FrontendURL); err == nil && frontend.Host == originURL.Host {
		return true
	}
	if strings.HasPrefix(originURL.Host, "localhost:") ||
		strings.HasPrefix(originURL.Host, "127.0.0.1:") ||
		originURL.Host == "localhost" ||
		originURL.Host == "127.0.0.1" {
		return true
	}

	s.log.Warn("rejected origin", zap.String("origin", origin))
	return false
}

// HandleWebSocket upgrades a transport and starts its pumps.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin:       s.isValidOrigin,
		EnableCompression: true,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:       uuid.New(),
		conn:     conn,
		send:     make(chan ServerMessage, 256),
		server:   s,
		lastSeen: time.Now(),
	}

	s.register <- client

	go client.writePump()
	go client.readPump()
}

// HandleHealth answers the liveness probe.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

// HandleQueueStats reports the live queue population.
func (s *Server) HandleQueueStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"size":      s.Queue.Size(),
		"timestamp": time.Now().UnixMilli(),
	})
}

// HandleMetrics serves the Prometheus registry.
func (s *Server) HandleMetrics() http.Handler {
	return s.metrics.Handler()
}

// Shutdown broadcasts SERVER_SHUTDOWN, stops the engines and closes
// every transport.
func (s *Server) Shutdown() {
	s.Queue.Shutdown()
	s.Ready.Shutdown()
	s.Validator.Shutdown()

	s.mu.RLock()
	for _, c := range s.conns {
		select {
		case c.send <- ServerMessage{Type: MsgTypeShutdown}:
		default:
		}
	}
	s.mu.RUnlock()

	// Let the write pumps flush the notice.
	time.Sleep(100 * time.Millisecond)

	s.mu.Lock()
	for _, c := range s.conns {
		c.conn.Close()
	}
	s.mu.Unlock()

	close(s.shutdown)
	s.log.Info("session router stopped")
}

// readPump handles incoming messages from the client.
func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(staleAfter))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(staleAfter))
		return nil
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.log.Warn("websocket read error", zap.Error(err))
			}
			break
		}
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(staleAfter))
		c.handleMessage(msg)
	}
}

// writePump sends messages to the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches one inbound message. Panics in a handler
// are contained to the message, not the connection.
func (c *Client) handleMessage(msg ClientMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.server.log.Error("panic in message handler",
				zap.String("type", msg.Type),
				zap.Any("panic", r))
		}
	}()

	if msg.Type == MsgTypeAuth {
		c.handleAuth(msg.Data)
		return
	}
	if c.PlayerID == 0 {
		c.reply(ServerMessage{Type: MsgTypeError, Data: "not authenticated"})
		return
	}

	switch msg.Type {
	case MsgTypeQueueJoin:
		c.handleQueueJoin(msg.Data)
	case MsgTypeQueueLeave:
		c.handleQueueLeave()
	case MsgTypeReadyAccept:
		c.handleReadyAccept(msg.Data)
	case MsgTypeReadyDecline:
		c.handleReadyDecline(msg.Data)
	case MsgTypeMapVeto:
		c.handleMapVeto(msg.Data)
	case MsgTypeRequestSwap:
		c.handleRequestSwap(msg.Data)
	case MsgTypeAcceptSwap:
		c.handleAcceptSwap(msg.Data)
	case MsgTypeRoomCreated:
		c.handleRoomCreated(msg.Data)
	case MsgTypeHostFailed:
		c.handleHostFailed(msg.Data)
	case MsgTypeLobbyAbandon:
		c.handleLobbyAbandon(msg.Data)
	case MsgTypeChatSend:
		c.handleChatSend(msg.Data)
	default:
		c.server.log.Warn("unknown message type", zap.String("type", msg.Type))
	}
}

// reply queues a message on this transport without going through the
// identity map.
func (c *Client) reply(msg ServerMessage) {
	select {
	case c.send <- msg:
	default:
	}
}
