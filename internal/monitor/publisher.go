package monitor

import (
	"encoding/json"
	"log"

	"github.com/solosolocodes/lablab-engine/internal/events"
)

// Publisher forwards engine events to the broker. A slow or disconnected
// broker drops messages rather than stalling the engine.
type Publisher struct {
	client *Client
	topic  string
	sub    events.Subscriber
	done   chan struct{}
}

// EventTopic builds the per-lab event topic.
func EventTopic(labID string) string {
	return "lablab/" + labID + "/events"
}

// StartPublisher subscribes to the event broadcaster and forwards each
// event until Stop is called.
func StartPublisher(client *Client, topic string) *Publisher {
	p := &Publisher{
		client: client,
		topic:  topic,
		sub:    events.Subscribe(),
		done:   make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *Publisher) loop() {
	for {
		select {
		case <-p.done:
			return
		case e, ok := <-p.sub:
			if !ok {
				return
			}
			if !p.client.IsConnected() {
				continue
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if err := p.client.Publish(p.topic, payload); err != nil {
				log.Printf("monitor publish failed: %v", err)
			}
		}
	}
}

// Stop unsubscribes from the broadcaster and ends the forwarding loop.
func (p *Publisher) Stop() {
	close(p.done)
	events.Unsubscribe(p.sub)
}
