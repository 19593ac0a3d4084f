package httpapi

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StreamInfo describes one open stream. Call and session fields are empty
// until the stream has resolved its ids.
type StreamInfo struct {
	ID             string    `json:"id"`
	CallID         string    `json:"call_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	OpenedAt       time.Time `json:"opened_at"`
}

// StreamRegistry tracks open streams by id. Once draining starts Open
// refuses new streams, and Wait returns after the last admitted one closes.
type StreamRegistry struct {
	mu       sync.Mutex
	draining bool
	streams  map[string]*StreamInfo
	wg       sync.WaitGroup // one per admitted stream; Add happens under mu
}

func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{streams: make(map[string]*StreamInfo)}
}

// Open admits a stream and returns its id, or false while draining. Each
// admitted id must be closed exactly once.
func (r *StreamRegistry) Open() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return "", false
	}
	id := uuid.NewString()
	r.streams[id] = &StreamInfo{ID: id, OpenedAt: time.Now().UTC()}
	r.wg.Add(1)
	return id, true
}

// Bind records the ids a stream resolved during setup.
func (r *StreamRegistry) Bind(id, callID, conversationID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.streams[id]; ok {
		info.CallID, info.ConversationID, info.SessionID = callID, conversationID, sessionID
	}
}

// Close forgets a stream. Unknown ids are ignored.
func (r *StreamRegistry) Close(id string) {
	r.mu.Lock()
	_, ok := r.streams[id]
	delete(r.streams, id)
	r.mu.Unlock()
	if ok {
		r.wg.Done()
	}
}

// List returns open streams, oldest first.
func (r *StreamRegistry) List() []StreamInfo {
	r.mu.Lock()
	out := make([]StreamInfo, 0, len(r.streams))
	for _, info := range r.streams {
		out = append(out, *info)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// CallStreams counts open streams bound to callID.
func (r *StreamRegistry) CallStreams(callID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, info := range r.streams {
		if info.CallID == callID {
			n++
		}
	}
	return n
}

func (r *StreamRegistry) StartDraining() {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()
}

func (r *StreamRegistry) IsDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// ActiveCount returns the number of open streams.
func (r *StreamRegistry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

func (r *StreamRegistry) Wait() {
	r.wg.Wait()
}
