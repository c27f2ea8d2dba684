package modem

import (
	"slices"
	"sync"

	"i4.energy/across/wncmodem/at"
)

type packet struct {
	id   int
	data []byte
}

// packetQueue holds received payloads in arrival order across all sockets.
// Packets of one socket leave in the order they came in; packets of other
// sockets are never reordered or dropped by a dequeue.
type packetQueue struct {
	mu      sync.Mutex
	packets []packet
}

// enqueue decodes hexText and appends it under id. It returns the number of
// bytes queued. An empty payload queues nothing.
func (q *packetQueue) enqueue(id int, hexText string) (int, error) {
	data, err := at.DecodeHex(hexText)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.packets = append(q.packets, packet{id: id, data: data})
	return len(data), nil
}

// dequeue copies the oldest bytes of id into dst. A packet larger than dst
// is shrunk from the front and stays at its position.
func (q *packetQueue) dequeue(id int, dst []byte) int {
	if len(dst) == 0 {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	i := slices.IndexFunc(q.packets, func(p packet) bool { return p.id == id })
	if i < 0 {
		return 0
	}

	p := &q.packets[i]
	n := copy(dst, p.data)
	if n < len(p.data) {
		p.data = p.data[n:]
		return n
	}
	q.packets = slices.Delete(q.packets, i, i+1)
	return n
}

// purge drops every packet of id and returns the number of bytes dropped.
func (q *packetQueue) purge(id int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := 0
	q.packets = slices.DeleteFunc(q.packets, func(p packet) bool {
		if p.id == id {
			dropped += len(p.data)
			return true
		}
		return false
	})
	return dropped
}

// pending returns the number of bytes queued for id.
func (q *packetQueue) pending(id int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, p := range q.packets {
		if p.id == id {
			n += len(p.data)
		}
	}
	return n
}
