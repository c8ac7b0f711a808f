package server

import "github.com/framecast-project/framecast/internal/protocol"

// maxQueuedInputs bounds the inputs kept for a client the game loop is not
// draining. The oldest are dropped first.
const maxQueuedInputs = 256

// pushInput queues in unless it repeats the last accepted input. It reports
// whether the input was queued.
func (c *Client) pushInput(in protocol.Input) bool {
	c.inputMu.Lock()
	defer c.inputMu.Unlock()

	if c.hasInput && in == c.lastInput {
		return false
	}
	c.lastInput = in
	c.hasInput = true

	if len(c.inputs) >= maxQueuedInputs {
		copy(c.inputs, c.inputs[1:])
		c.inputs = c.inputs[:len(c.inputs)-1]
		c.dropped++
	}
	c.inputs = append(c.inputs, in)
	return true
}

// drainInputs returns the queued inputs in arrival order and empties the
// queue.
func (c *Client) drainInputs() []protocol.Input {
	c.inputMu.Lock()
	defer c.inputMu.Unlock()

	out := c.inputs
	c.inputs = nil
	return out
}
