package services

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/CrowderSoup/kanban/metrics"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// Message types sent over the board feed
const (
	MessageBoard = "board"
	MessagePing  = "ping"
	MessagePong  = "pong"
)

// WebSocketMessage is the envelope for everything sent over the board feed
type WebSocketMessage struct {
	Type      string `json:"type"`
	ProjectID int64  `json:"projectId,omitempty"`
	Data      any    `json:"data"`
}

// Client is one browser tab watching a project board
type Client struct {
	ID        string
	ProjectID int64
	Hub       *Hub
	Conn      *websocket.Conn
	Send      chan []byte
}

func NewClient(hub *Hub, conn *websocket.Conn, projectID int64) *Client {
	return &Client{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Hub:       hub,
		Conn:      conn,
		Send:      make(chan []byte, 256),
	}
}

// ReadPump reads from the connection until it closes. Clients only ever send
// pings; the board itself changes through the HTTP API.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Warnf("WebSocket error for client %s: %v", c.ID, err)
			}
			break
		}

		var wsMessage WebSocketMessage
		if err := json.Unmarshal(message, &wsMessage); err != nil {
			c.Hub.logger.Debugf("Ignoring malformed message from client %s: %v", c.ID, err)
			continue
		}

		if wsMessage.Type != MessagePing {
			c.Hub.logger.Debugf("Ignoring %q message from client %s", wsMessage.Type, c.ID)
			continue
		}

		pong, err := json.Marshal(WebSocketMessage{
			Type: MessagePong,
			Data: map[string]string{"timestamp": time.Now().Format(time.RFC3339)},
		})
		if err == nil {
			c.Hub.Reply(c, pong)
		}
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per message: every board message is a full snapshot
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type projectMessage struct {
	projectID int64
	payload   []byte
}

type clientMessage struct {
	client  *Client
	payload []byte
}

// Hub fans board snapshots out to the clients watching each project. Only
// Run sends on or closes a registered client's Send channel.
type Hub struct {
	logger *zap.SugaredLogger

	clients    map[int64]map[*Client]bool
	broadcast  chan projectMessage
	replies    chan clientMessage
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[int64]map[*Client]bool),
		broadcast:  make(chan projectMessage, 256),
		replies:    make(chan clientMessage),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.Send)
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Reply queues a message for one client. It is dropped if the client has
// already left the hub or its buffer is full.
func (h *Hub) Reply(client *Client, payload []byte) {
	select {
	case h.replies <- clientMessage{client: client, payload: payload}:
	case <-h.done:
	}
}

// Publish implements Publisher by broadcasting the snapshot to the project's clients
func (h *Hub) Publish(projectID int64, snapshot Snapshot) {
	payload, err := json.Marshal(WebSocketMessage{
		Type:      MessageBoard,
		ProjectID: projectID,
		Data:      snapshot,
	})
	if err != nil {
		h.logger.Errorf("Error marshalling board snapshot: %v", err)
		return
	}

	select {
	case h.broadcast <- projectMessage{projectID: projectID, payload: payload}:
	default:
		h.logger.Warnf("Broadcast queue full, dropping snapshot for project %d", projectID)
	}
}

func (h *Hub) drop(client *Client) {
	room, ok := h.clients[client.ProjectID]
	if !ok || !room[client] {
		return
	}
	delete(room, client)
	if len(room) == 0 {
		delete(h.clients, client.ProjectID)
	}
	close(client.Send)
	metrics.ClientDisconnected()
}

// Run starts the hub's main loop and returns when ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, room := range h.clients {
				for client := range room {
					h.drop(client)
				}
			}
			return
		case client := <-h.register:
			room, ok := h.clients[client.ProjectID]
			if !ok {
				room = make(map[*Client]bool)
				h.clients[client.ProjectID] = room
			}
			room[client] = true
			metrics.ClientConnected()
			h.logger.Infof("Client %s connected to project %d", client.ID, client.ProjectID)
		case client := <-h.unregister:
			h.drop(client)
			h.logger.Infof("Client %s disconnected from project %d", client.ID, client.ProjectID)
		case reply := <-h.replies:
			if !h.clients[reply.client.ProjectID][reply.client] {
				continue
			}
			select {
			case reply.client.Send <- reply.payload:
			default:
			}
		case message := <-h.broadcast:
			for client := range h.clients[message.projectID] {
				select {
				case client.Send <- message.payload:
				default:
					// Client's send buffer is full, assume disconnected
					h.logger.Warnf("Client %s send buffer full, removing", client.ID)
					h.drop(client)
				}
			}
		}
	}
}
