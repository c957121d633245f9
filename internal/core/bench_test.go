package core

import (
	"strconv"
	"testing"

	"github.com/vovakirdan/chatbridge/internal/irc"
)

func benchmarkPublish(b *testing.B, recipients int) {
	hub := NewHub(DefaultConfig(), nil, Options{})

	clients := make([]*Client, 0, recipients)
	for i := range recipients {
		c := NewClient("c"+strconv.Itoa(i), "bench")
		hub.RegisterClient(c)
		clients = append(clients, c)
	}

	// Drain events for all but the first recipient to avoid channel backpressure.
	target := clients[0]
	for _, c := range clients[1:] {
		go func(cl *Client) {
			for range cl.Events {
			}
		}(c)
	}
	b.Cleanup(func() {
		for _, c := range clients {
			hub.UnregisterClient(c)
		}
	})

	msg, err := irc.Parse(":someone!someone@someone.tmi.twitch.tv PRIVMSG #bench :payload")
	if err != nil {
		b.Fatal(err)
	}
	ev := &Event{Kind: EventMessage, ApplicationID: "bench", IdentityID: "bot", Message: msg}

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		hub.Publish(ev)
		<-target.Events
	}
}

func BenchmarkPublish_10(b *testing.B)  { benchmarkPublish(b, 10) }
func BenchmarkPublish_100(b *testing.B) { benchmarkPublish(b, 100) }
func BenchmarkPublish_500(b *testing.B) { benchmarkPublish(b, 500) }
