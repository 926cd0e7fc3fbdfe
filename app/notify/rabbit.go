package notify

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"mesflow/app/config"
	"mesflow/pkg/contextx"
	"mesflow/pkg/log"

	"github.com/flosch/pongo2/v4"
	"github.com/streadway/amqp"
)

var messageTpl = pongo2.Must(pongo2.FromString(
	"[{{ event }}] workflow {{ instance }} ({{ entity_type }}/{{ entity_id }})" +
		"{% if assignee %} assignee {{ assignee }}{% endif %}" +
		"{% if stage %} stage {{ stage }}{% endif %}"))

// AMQPNotifier publishes workflow events to a RabbitMQ topic exchange. The
// rendered message rides along the structured payload for human consumers.
type AMQPNotifier struct {
	cfg config.MessagingConfig

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewAMQPNotifier(cfg config.MessagingConfig) *AMQPNotifier {
	return &AMQPNotifier{cfg: cfg}
}

func (n *AMQPNotifier) ensureChannel() (*amqp.Channel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.channel != nil {
		return n.channel, nil
	}

	conn, err := amqp.Dial(n.cfg.Connection)
	if err != nil {
		return nil, err
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := channel.ExchangeDeclare(n.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	n.conn = conn
	n.channel = channel
	return channel, nil
}

func (n *AMQPNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.channel != nil {
		n.channel.Close()
		n.channel = nil
	}
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
}

func (n *AMQPNotifier) Emit(ctx *contextx.Context, event Event) {
	channel, err := n.ensureChannel()
	if err != nil {
		log.Warnf(ctx, "notify %s dropped, amqp unavailable: %s", event.Type, err.Error())
		return
	}

	message, err := messageTpl.Execute(pongo2.Context{
		"event":       event.Type,
		"instance":    event.InstanceID,
		"entity_type": event.EntityType,
		"entity_id":   event.EntityID,
		"assignee":    event.Assignee,
		"stage":       event.StageSequence,
	})
	if err != nil {
		message = event.Type
	}

	payload := map[string]interface{}{
		"event_type":     event.Type,
		"instance_id":    event.InstanceID,
		"entity_type":    event.EntityType,
		"entity_id":      event.EntityID,
		"stage_sequence": event.StageSequence,
		"assignment_id":  event.AssignmentID,
		"assignee":       event.Assignee,
		"detail":         event.Detail,
		"message":        message,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Errorf(ctx, "notify %s dropped, marshal failed: %s", event.Type, err.Error())
		return
	}

	routingKey := fmt.Sprintf("%s.%s", n.cfg.RoutingKey, event.Type)
	err = channel.Publish(n.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		log.Warnf(ctx, "notify %s publish failed: %s", event.Type, err.Error())
		n.reset()
	}
}

func (n *AMQPNotifier) Close() {
	n.reset()
}
