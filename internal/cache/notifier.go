package cache

import "sync"

// Entities named in change notifications.
const (
	EntityUser     = "user"
	EntityBalance  = "balance"
	EntityItems    = "items"
	EntityDaily    = "daily"
	EntityTotals   = "totals"
	EntitySessions = "sessions"
)

// Change tells subscribers that a cached row was written.
type Change struct {
	UserID string `json:"user_id"`
	Entity string `json:"entity"`
	Key    string `json:"key,omitempty"`
}

const subscriberBuffer = 32

// Notifier fans changes out to subscribers. Publishing never blocks; a
// subscriber that falls behind misses notifications.
type Notifier struct {
	mu   sync.RWMutex
	subs map[string]map[chan Change]struct{}
}

// NewNotifier creates a notifier with no subscribers.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[string]map[chan Change]struct{})}
}

// Subscribe returns a channel of changes for uid ("" for all users) and a
// cancel function that closes it.
func (n *Notifier) Subscribe(uid string) (<-chan Change, func()) {
	ch := make(chan Change, subscriberBuffer)

	n.mu.Lock()
	if n.subs[uid] == nil {
		n.subs[uid] = make(map[chan Change]struct{})
	}
	n.subs[uid][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs[uid], ch)
			if len(n.subs[uid]) == 0 {
				delete(n.subs, uid)
			}
			n.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers c to the user's subscribers and to the wildcard ones.
func (n *Notifier) Publish(c Change) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, key := range []string{c.UserID, ""} {
		for ch := range n.subs[key] {
			select {
			case ch <- c:
			default:
			}
		}
		if c.UserID == "" {
			break
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (n *Notifier) Subscribers() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	total := 0
	for _, set := range n.subs {
		total += len(set)
	}
	return total
}
