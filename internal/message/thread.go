package message

// Thread is the ordered message list of one session. Insertion order is
// display order; nothing reorders it.
type Thread struct {
	msgs []Message
}

// Messages returns a copy of the thread in display order.
func (t *Thread) Messages() []Message {
	out := make([]Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Len reports the number of turns in the thread.
func (t *Thread) Len() int {
	return len(t.msgs)
}

// Replace swaps the whole thread for history loaded from the transport,
// whose ordering is authoritative.
func (t *Thread) Replace(msgs []Message) {
	t.msgs = make([]Message, len(msgs))
	copy(t.msgs, msgs)
}

// AppendPending appends a new pending user turn and returns it. The caller
// must have ensured no other turn is pending anywhere (single in-flight
// request).
func (t *Thread) AppendPending(text string) Message {
	msg := Message{
		ID:      NewID(),
		Role:    RoleUser,
		Content: text,
		Status:  StatusPending,
	}
	t.msgs = append(t.msgs, msg)
	return msg
}

// Resolve transitions the pending turn at pendingID to success and inserts
// the assistant reply directly after it. Unknown or non-pending ids are a
// no-op so a late resolution against a reloaded thread cannot corrupt it.
func (t *Thread) Resolve(pendingID string, reply Message) bool {
	i := t.indexOfPending(pendingID)
	if i < 0 {
		return false
	}
	t.msgs[i].Status = StatusSuccess
	t.msgs = append(t.msgs, Message{})
	copy(t.msgs[i+2:], t.msgs[i+1:])
	t.msgs[i+1] = reply
	return true
}

// Fail transitions the pending turn at pendingID to error. No assistant
// message is appended and the typed content stays visible. Unknown or
// non-pending ids are a no-op.
func (t *Thread) Fail(pendingID string) bool {
	i := t.indexOfPending(pendingID)
	if i < 0 {
		return false
	}
	t.msgs[i].Status = StatusError
	return true
}

func (t *Thread) indexOfPending(id string) int {
	for i := range t.msgs {
		if t.msgs[i].ID == id && t.msgs[i].Status == StatusPending {
			return i
		}
	}
	return -1
}
