package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"camfleet/auth"
	"camfleet/coordinator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	cmap "github.com/orcaman/concurrent-map/v2"
)

const feedBuffer = 64

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type feedClient struct {
	principal auth.Principal
	send      chan []byte
}

// Feed fans lease transitions out to connected operator sockets
type Feed struct {
	clients cmap.ConcurrentMap[string, *feedClient]
}

func NewFeed() *Feed {
	return &Feed{clients: cmap.New[*feedClient]()}
}

// Publish never blocks: a client that can't keep up misses messages
func (f *Feed) Publish(t coordinator.Transition) {
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	f.clients.IterCb(func(id string, client *feedClient) {
		if !client.principal.CanAccess(t.TenantID) {
			return
		}
		select {
		case client.send <- data:
		default:
			log.Printf("feed client %s is slow, dropped camera %d transition", id, t.CameraID)
		}
	})
}

func (f *Feed) Count() int {
	return f.clients.Count()
}

func (h *Handlers) FeedSocket(c *gin.Context, principal *auth.Principal) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Print("upgrade:", err)
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	client := &feedClient{principal: *principal, send: make(chan []byte, feedBuffer)}
	h.Feed.clients.Set(id, client)
	defer h.Feed.clients.Remove(id)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Main read cycle
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(message) == "ping" {
				select {
				case client.send <- []byte("pong"):
				default:
				}
			}
		}
	}()
	for {
		select {
		case <-done:
			return
		case data := <-client.send:
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Println("feed write err:", err)
				return
			}
		}
	}
}
