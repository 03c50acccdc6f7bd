package services

import "sync"

// ChatMessageBuffer keeps the most recent messages of one conversation
type ChatMessageBuffer struct {
	MaxLength int
	items     []*ChatMessage
}

func (buf *ChatMessageBuffer) Push(msg *ChatMessage) {

	// If there is still room under the max, add it
	if len(buf.items) < buf.MaxLength {
		buf.items = append(buf.items, msg)
		return
	}

	// Move everything over one space
	copy(buf.items, buf.items[1:])

	// Insert the new message in the last slot
	buf.items[len(buf.items)-1] = msg

}

func (buf *ChatMessageBuffer) GetCopy() []*ChatMessage {
	items := make([]*ChatMessage, len(buf.items))
	copy(items, buf.items)
	return items
}

// ChatBufferGroup holds one buffer per conversation
type ChatBufferGroup struct {
	MaxLength int

	buffers    map[string]*ChatMessageBuffer
	buffersMut sync.RWMutex
}

func (g *ChatBufferGroup) PushMessage(chatID string, msg *ChatMessage) {

	// Lock on the buffers
	g.buffersMut.Lock()
	defer g.buffersMut.Unlock()

	if g.buffers == nil {
		g.buffers = map[string]*ChatMessageBuffer{}
	}

	// Get the buffer for this conversation
	buf, ok := g.buffers[chatID]
	if !ok {
		max := g.MaxLength
		if max <= 0 {
			max = 25
		}
		buf = &ChatMessageBuffer{MaxLength: max}
		g.buffers[chatID] = buf
	}

	// Push the message
	buf.Push(msg)

}

func (g *ChatBufferGroup) CopyMessages(chatID string) []*ChatMessage {

	// Lock on the buffers
	g.buffersMut.RLock()
	defer g.buffersMut.RUnlock()

	// Get the buffer for this conversation
	buf, ok := g.buffers[chatID]
	if !ok {
		return nil
	}

	// Copy the values from the buffer
	return buf.GetCopy()

}
