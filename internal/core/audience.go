package core

// audience groups the clients of one application.
type audience struct {
	applicationID string
	clients       map[*Client]struct{}
}

func newAudience(applicationID string) *audience {
	return &audience{
		applicationID: applicationID,
		clients:       make(map[*Client]struct{}),
	}
}

// add inserts a client. Returns true if newly added.
func (a *audience) add(c *Client) bool {
	if _, exists := a.clients[c]; exists {
		return false
	}
	a.clients[c] = struct{}{}
	return true
}

// remove deletes a client. Returns true if removed.
func (a *audience) remove(c *Client) bool {
	if _, exists := a.clients[c]; !exists {
		return false
	}
	delete(a.clients, c)
	return true
}

// broadcast sends an event to all clients and returns how many were skipped.
func (a *audience) broadcast(event *Event) int {
	dropped := 0
	for client := range a.clients {
		select {
		case client.Events <- event:
		default:
			// Drop if slow consumer.
			dropped++
		}
	}
	return dropped
}

func (a *audience) empty() bool {
	return len(a.clients) == 0
}
