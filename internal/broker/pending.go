package broker

import (
	"encoding/json"
	"sync"
	"time"
)

// outcome is the single value delivered to a waiting caller.
type outcome struct {
	result json.RawMessage
	err    error
}

// pendingCall is one in-flight RPC. It resolves exactly once: by a
// matching reply, by timeout, or by connection loss.
type pendingCall struct {
	id        string
	method    Method
	identity  string
	createdAt time.Time

	once sync.Once
	done chan outcome
}

func newPendingCall(id string, method Method, identity string) *pendingCall {
	return &pendingCall{
		id:        id,
		method:    method,
		identity:  identity,
		createdAt: time.Now(),
		done:      make(chan outcome, 1),
	}
}

// resolve delivers the outcome. Later invocations are no-ops, which is
// what makes a reply racing a timeout harmless.
func (p *pendingCall) resolve(result json.RawMessage, err error) {
	p.once.Do(func() {
		p.done <- outcome{result: result, err: err}
	})
}
