package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"face-gallery-go/internal/integrations/facerecognition"

	log "github.com/sirupsen/logrus"
)

// Event-Namen im SSE-Stream
const (
	EventDetection = "detection"
	EventGallery   = "gallery"
	EventModel     = "model"
)

// Message ist ein einzelnes SSE-Ereignis
type Message struct {
	Event string
	Data  []byte
}

// Client repräsentiert einen einzelnen verbundenen SSE-Client
type Client chan Message

// Hub verwaltet die Menge der aktiven Clients und sendet Broadcasts an sie
type Hub struct {
	clients    map[Client]bool
	broadcast  chan Message
	register   chan Client
	unregister chan Client
	done       chan struct{}
	mu         sync.Mutex
}

// DetectionData ist die Nutzlast eines verarbeiteten Bildes
type DetectionData struct {
	FrameSeq    uint64                        `json:"frame_seq"`
	Timestamp   time.Time                     `json:"timestamp"`
	FacesCount  int                           `json:"faces_count"`
	Faces       []facerecognition.Recognition `json:"faces"`
	PreviewURL  string                        `json:"preview_url,omitempty"`
	SnapshotURL string                        `json:"snapshot_url,omitempty"`
}

// GalleryData beschreibt eine Änderung an der Gallery
type GalleryData struct {
	Kind        string `json:"kind"`
	Identity    string `json:"identity"`
	NewIdentity string `json:"new_identity,omitempty"`
}

// NewHub erstellt eine neue Hub-Instanz
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Message, 100),
		register:   make(chan Client),
		unregister: make(chan Client),
		done:       make(chan struct{}),
		clients:    make(map[Client]bool),
	}
}

// Run verteilt Nachrichten, bis ctx beendet wird. Danach werden alle
// Client-Kanäle geschlossen.
func (h *Hub) Run(ctx context.Context) {
	log.Info("SSE Hub started and running")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()
			log.Info("SSE Hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mu.Unlock()
			log.Infof("SSE client registered. Total clients: %d", clientCount)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
				log.Infof("SSE client unregistered. Total clients: %d", len(h.clients))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- message:
				default:
					// Langsamer Client wird abgehängt
					log.Warn("SSE client channel full, removing client")
					delete(h.clients, client)
					close(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register registriert einen neuen Client am Hub. Nach dem Ende von Run
// wird der Client sofort geschlossen.
func (h *Hub) Register(client Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client)
	}
}

// Unregister meldet einen Client vom Hub ab
func (h *Hub) Unregister(client Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount gibt die Anzahl verbundener Clients zurück
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast stellt ein Ereignis in die Warteschlange, ohne zu blockieren
func (h *Hub) Broadcast(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Errorf("Failed to marshal %s event for SSE: %v", event, err)
		return
	}
	select {
	case h.broadcast <- Message{Event: event, Data: data}:
	default:
		log.Warn("SSE broadcast channel full, message dropped")
	}
}

// BroadcastDetection sendet das Ergebnis eines verarbeiteten Bildes
func (h *Hub) BroadcastDetection(data DetectionData) {
	h.Broadcast(EventDetection, data)
}

// BroadcastGalleryChange sendet eine Gallery-Änderung
func (h *Hub) BroadcastGalleryChange(data GalleryData) {
	h.Broadcast(EventGallery, data)
}
