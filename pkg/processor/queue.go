package processor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
)

// fifo is one priority level. Batches are stored by value so that a batch
// rotated without progress is bit-identical to what was popped.
type fifo struct {
	items []contracts.MessageBatch
}

func (q *fifo) len() int { return len(q.items) }

func (q *fifo) push(b contracts.MessageBatch) { q.items = append(q.items, b) }

func (q *fifo) pop() (contracts.MessageBatch, bool) {
	if len(q.items) == 0 {
		return contracts.MessageBatch{}, false
	}
	b := q.items[0]
	q.items[0] = contracts.MessageBatch{}
	q.items = q.items[1:]
	return b, true
}

func (q *fifo) insertAt(pos int, b contracts.MessageBatch) bool {
	if pos < 0 || pos > len(q.items) {
		return false
	}
	q.items = append(q.items, contracts.MessageBatch{})
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = b
	return true
}

func (q *fifo) removeAt(pos int) (contracts.MessageBatch, bool) {
	if pos < 0 || pos >= len(q.items) {
		return contracts.MessageBatch{}, false
	}
	b := q.items[pos]
	q.items = append(q.items[:pos], q.items[pos+1:]...)
	return b, true
}

func (q *fifo) snapshot() []contracts.MessageBatch {
	out := make([]contracts.MessageBatch, len(q.items))
	for i, b := range q.items {
		out[i] = b.Clone()
	}
	return out
}

// queues holds the high and medium priority levels.
type queues struct {
	high, medium fifo
}

func (qs *queues) level(p contracts.Priority) *fifo {
	if p.OrDefault() == contracts.PriorityHigh {
		return &qs.high
	}
	return &qs.medium
}

// next pops from high first, then medium.
func (qs *queues) next() (contracts.MessageBatch, bool) {
	if b, ok := qs.high.pop(); ok {
		return b, true
	}
	return qs.medium.pop()
}

func (qs *queues) len() int { return qs.high.len() + qs.medium.len() }

// hash is a deterministic digest of both queues, in order.
func (qs *queues) hash() string {
	data, _ := json.Marshal(struct {
		High   []contracts.MessageBatch `json:"high"`
		Medium []contracts.MessageBatch `json:"medium"`
	}{qs.high.items, qs.medium.items})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
