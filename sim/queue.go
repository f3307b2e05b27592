package sim

import (
	"fmt"
	"strings"
)

// eventEntry wraps an Event with the sequence number assigned when it was
// scheduled. Equal timestamps are ordered by seq (FIFO).
type eventEntry struct {
	event Event
	seq   uint64
}

// EventQueue is a min-heap ordered by (Timestamp, seq).
// Implements heap.Interface.
type EventQueue []eventEntry

func (eq EventQueue) Len() int { return len(eq) }

func (eq EventQueue) Less(i, j int) bool {
	if eq[i].event.Timestamp() != eq[j].event.Timestamp() {
		return eq[i].event.Timestamp() < eq[j].event.Timestamp()
	}
	return eq[i].seq < eq[j].seq
}

func (eq EventQueue) Swap(i, j int) { eq[i], eq[j] = eq[j], eq[i] }

func (eq *EventQueue) Push(x any) {
	*eq = append(*eq, x.(eventEntry))
}

func (eq *EventQueue) Pop() any {
	old := *eq
	n := len(old)
	item := old[n-1]
	old[n-1] = eventEntry{}
	*eq = old[:n-1]
	return item
}

// NextTime returns the timestamp of the earliest pending event.
// Callers must check Len first.
func (eq EventQueue) NextTime() float64 {
	return eq[0].event.Timestamp()
}

// TrayQueue is the FIFO of admitted trays waiting for a service slot at a station.
type TrayQueue struct {
	queue []*Tray
}

// Enqueue adds a tray to the back of the queue.
func (tq *TrayQueue) Enqueue(t *Tray) {
	if t == nil {
		panic("Enqueue: tray must not be nil")
	}
	tq.queue = append(tq.queue, t)
}

// Dequeue removes and returns the tray at the front, or nil when empty.
func (tq *TrayQueue) Dequeue() *Tray {
	if len(tq.queue) == 0 {
		return nil
	}
	t := tq.queue[0]
	tq.queue[0] = nil
	tq.queue = tq.queue[1:]
	return t
}

// Peek returns the tray at the front without removing it, or nil.
func (tq *TrayQueue) Peek() *Tray {
	if len(tq.queue) == 0 {
		return nil
	}
	return tq.queue[0]
}

// Len returns the number of waiting trays.
func (tq *TrayQueue) Len() int {
	return len(tq.queue)
}

// Items returns the queue contents for iteration.
func (tq *TrayQueue) Items() []*Tray {
	return tq.queue
}

func (tq *TrayQueue) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, t := range tq.queue {
		sb.WriteString(fmt.Sprint(t.ID))
		if i < len(tq.queue)-1 {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("]")
	return sb.String()
}
