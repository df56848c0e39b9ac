package transcript

import (
	"strings"
	"sync"
	"time"
)

// Sender identifies who produced a message.
type Sender int

const (
	SenderUser Sender = iota
	SenderAvatar
)

func (s Sender) String() string {
	switch s {
	case SenderUser:
		return "USER"
	case SenderAvatar:
		return "AVATAR"
	default:
		return "UNKNOWN"
	}
}

func (s Sender) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Message is a finalized conversational turn. Seq is its 1-based position.
type Message struct {
	Seq     int       `json:"seq"`
	Sender  Sender    `json:"sender"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Aggregator merges talking fragments into an append-only transcript.
// Fragments accumulate per sender until an end event finalizes them.
type Aggregator struct {
	mu         sync.Mutex
	partial    map[Sender]*strings.Builder
	messages   []Message
	onFinalize func(Message)
	now        func() time.Time
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		partial: make(map[Sender]*strings.Builder, 2),
		now:     time.Now,
	}
}

// OnFinalize registers a hook called after each finalized message,
// outside the aggregator lock.
func (a *Aggregator) OnFinalize(fn func(Message)) {
	a.mu.Lock()
	a.onFinalize = fn
	a.mu.Unlock()
}

// AddFragment appends text to the sender's in-progress buffer.
func (a *Aggregator) AddFragment(sender Sender, text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	sb := a.partial[sender]
	if sb == nil {
		sb = &strings.Builder{}
		a.partial[sender] = sb
	}
	sb.WriteString(text)
}

// EndMessage finalizes the sender's buffer into a new message.
// An empty or whitespace-only buffer records nothing.
func (a *Aggregator) EndMessage(sender Sender) (Message, bool) {
	a.mu.Lock()
	sb := a.partial[sender]
	delete(a.partial, sender)
	if sb == nil {
		a.mu.Unlock()
		return Message{}, false
	}
	content := strings.TrimSpace(sb.String())
	if content == "" {
		a.mu.Unlock()
		return Message{}, false
	}
	msg := Message{
		Seq:     len(a.messages) + 1,
		Sender:  sender,
		Content: content,
		At:      a.now(),
	}
	a.messages = append(a.messages, msg)
	hook := a.onFinalize
	a.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return msg, true
}

// Discard drops in-progress fragments without finalizing them.
func (a *Aggregator) Discard() {
	a.mu.Lock()
	a.partial = make(map[Sender]*strings.Builder, 2)
	a.mu.Unlock()
}

// Reset clears the transcript and any in-progress fragments.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.partial = make(map[Sender]*strings.Builder, 2)
	a.messages = nil
	a.mu.Unlock()
}

// Partial returns the sender's in-progress text.
func (a *Aggregator) Partial(sender Sender) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sb := a.partial[sender]; sb != nil {
		return sb.String()
	}
	return ""
}

func (a *Aggregator) Messages() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Message, len(a.messages))
	copy(out, a.messages)
	return out
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.messages)
}

// LastBySender returns the most recently finalized message from sender.
func (a *Aggregator) LastBySender(sender Sender) (Message, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.messages) - 1; i >= 0; i-- {
		if a.messages[i].Sender == sender {
			return a.messages[i], true
		}
	}
	return Message{}, false
}

// LastAvatarMessage is the message a repeat action replays.
func (a *Aggregator) LastAvatarMessage() (Message, bool) {
	return a.LastBySender(SenderAvatar)
}
