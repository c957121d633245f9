package core

// Client is a control-plane session as seen by the core layer. It receives
// every event of its application.
type Client struct {
	ID            string
	ApplicationID string
	Events        chan *Event
}

// NewClient constructs a client with an initialized event channel.
func NewClient(id, applicationID string) *Client {
	return &Client{
		ID:            id,
		ApplicationID: applicationID,
		Events:        make(chan *Event, 256),
	}
}
