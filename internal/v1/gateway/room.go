package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"
	set "k8s.io/apimachinery/pkg/util/sets"

	"github.com/brightboard/classroom/internal/v1/logging"
)

const roomQueueSize = 512

// room is one named fan-out target. Delivery order is the order the
// writer goroutine drains the broadcast channel, so all members of a
// room observe the same sequence.
type room struct {
	name      string
	broadcast chan []byte
	cancel    context.CancelFunc

	mu      sync.Mutex
	members set.Set[*Client]
}

func newRoom(name string, cancel context.CancelFunc) *room {
	return &room{
		name:      name,
		broadcast: make(chan []byte, roomQueueSize),
		cancel:    cancel,
		members:   set.New[*Client](),
	}
}

// run is the room's single writer. One goroutine per room keeps the
// per-room total order without holding locks during socket writes.
func (r *room) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-r.broadcast:
			for _, member := range r.snapshot() {
				member.Send(message)
			}
		}
	}
}

func (r *room) snapshot() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members.UnsortedList()
}

func (r *room) add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members.Insert(c)
}

// remove reports whether the room is now empty.
func (r *room) remove(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members.Delete(c)
	return r.members.Len() == 0
}

func (r *room) contains(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members.Has(c)
}

func (r *room) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members.Len()
}

// enqueue hands a message to the room writer without blocking the
// caller. A full queue means the writer is wedged; dropping with a log
// beats stalling every publisher in the process.
func (r *room) enqueue(message []byte) {
	select {
	case r.broadcast <- message:
	default:
		logging.Error(context.Background(), "room broadcast queue full, dropping message",
			zap.String("room", r.name))
	}
}
