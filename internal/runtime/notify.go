package runtime

import (
	"sync"

	"github.com/npk-runtime/npkd/internal/log"
	"github.com/npk-runtime/npkd/internal/manifest"
)

// NotificationKind enumerates the fanout events the console forwards to
// subscribed connections.
type NotificationKind int

const (
	NotifyStarted NotificationKind = iota
	NotifyExit
	NotifyInstall
	NotifyUninstall
	NotifyMount
	NotifyUmount
)

// Notification is one fanout event.
type Notification struct {
	Kind     NotificationKind
	Identity manifest.Identity
	Exit     *ExitStatus
	Sequence uint64
}

// subscriberBuffer bounds how far a slow subscriber may lag before it is
// dropped, mirroring a broadcast channel with a bounded backlog.
const subscriberBuffer = 256

// NotificationSink persists every published notification for later
// replay. internal/store.Store satisfies this.
type NotificationSink interface {
	AppendNotification(Notification) error
}

// Broadcaster fans Notifications out to any number of subscribers,
// dropping (not blocking on) any subscriber whose buffer is full.
type Broadcaster struct {
	mu     sync.Mutex
	next   uint64
	subs   map[uint64]chan Notification
	lagged map[uint64]chan struct{}
	subSeq uint64
	sink   NotificationSink
}

// NewBroadcaster constructs an empty Broadcaster. sink may be nil, in
// which case notifications are fanned out live only.
func NewBroadcaster(sink NotificationSink) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[uint64]chan Notification),
		lagged: make(map[uint64]chan struct{}),
		sink:   sink,
	}
}

// Subscribe registers a new receiver, returning its channel, a token to
// unsubscribe with, and a channel that closes if the subscriber lagged
// and was dropped.
func (b *Broadcaster) Subscribe() (ch <-chan Notification, token uint64, lagged <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subSeq++
	token = b.subSeq
	c := make(chan Notification, subscriberBuffer)
	l := make(chan struct{})
	b.subs[token] = c
	b.lagged[token] = l
	return c, token, l
}

// Unsubscribe removes a receiver.
func (b *Broadcaster) Unsubscribe(token uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, token)
	delete(b.lagged, token)
}

// Publish delivers n to every current subscriber, stamping it with the
// next monotonic sequence number. A subscriber whose buffer is full is
// considered lagged: it is dropped and its lagged channel closed.
func (b *Broadcaster) Publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	n.Sequence = b.next
	if b.sink != nil {
		if err := b.sink.AppendNotification(n); err != nil {
			log.Logger.Warn().Err(err).Msg("notification audit log append failed")
		}
	}
	for token, c := range b.subs {
		select {
		case c <- n:
		default:
			close(b.lagged[token])
			delete(b.subs, token)
			delete(b.lagged, token)
		}
	}
}
