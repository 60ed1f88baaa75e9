package publisher

import "sync"

// FakePublisher records every published Message so tests can inspect them.
type FakePublisher struct {
	PublishError error

	mu       sync.Mutex
	messages []Message
	closed   bool
}

// Publish records msg, or returns PublishError if set.
func (f *FakePublisher) Publish(msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.messages = append(f.messages, msg)
	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Messages returns a copy of everything published so far.
func (f *FakePublisher) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.messages))
	copy(out, f.messages)
	return out
}

// Closed reports whether Close was called.
func (f *FakePublisher) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Find returns the last Message published to topic.
func (f *FakePublisher) Find(topic string) (Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.messages) - 1; i >= 0; i-- {
		if f.messages[i].Topic == topic {
			return f.messages[i], true
		}
	}
	return Message{}, false
}

// Reset clears all recorded state.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = nil
	f.PublishError = nil
	f.closed = false
}
