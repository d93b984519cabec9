package broker

import (
	"fmt"
	"log"

	"github.com/streadway/amqp"
)

// amqpChannel is the part of *amqp.Channel the broker uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// amqpConnection is the part of *amqp.Connection the broker uses.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	IsClosed() bool
	Close() error
}

type dialedConnection struct {
	*amqp.Connection
}

func (d dialedConnection) Channel() (amqpChannel, error) {
	ch, err := d.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// dialAMQP is replaced in tests.
var dialAMQP = func(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	// Set up a channel to handle connection close notifications
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		for err := range notifyClose {
			log.Printf("RabbitMQ connection closed: %v", err)
		}
	}()
	return dialedConnection{conn}, nil
}

type pooledChannel struct {
	channel     amqpChannel
	notifyClose chan *amqp.Error
}

func newPooledChannel(ch amqpChannel) *pooledChannel {
	// Buffered so the library never blocks delivering the close error.
	return &pooledChannel{channel: ch, notifyClose: ch.NotifyClose(make(chan *amqp.Error, 1))}
}

func (p *pooledChannel) closed() bool {
	select {
	case err := <-p.notifyClose:
		log.Printf("Discarding closed channel: %v", err)
		return true
	default:
		return false
	}
}

func (r *rabbitMqBroker) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Close existing connection if it exists
	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}

	// Establish a new connection
	connection, err := dialAMQP(r.settings.URL)
	if err != nil {
		return err
	}
	r.connection = connection

	// Swap in a fresh pool; channels of the old connection are dead.
	drainPool(r.channelPool)
	pool := make(chan *pooledChannel, r.settings.PoolSize)
	for i := 0; i < r.settings.PoolSize; i++ {
		channel, err := connection.Channel()
		if err != nil {
			return err
		}
		pool <- newPooledChannel(channel)
	}
	r.channelPool = pool

	log.Println("RabbitMQ connection and channel pool initialized")
	return nil
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			r.mu.Lock()
			down := r.connection == nil || r.connection.IsClosed()
			r.mu.Unlock()
			if down {
				log.Println("Attempting to reconnect to RabbitMQ...")
				if err := r.connectAndInitialize(); err != nil {
					log.Printf("Failed to reconnect to RabbitMQ: %v", err)
				} else {
					log.Println("Reconnected to RabbitMQ successfully")
				}
			}
		case <-r.stopReconnect:
			log.Println("Stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	r.mu.Lock()
	pool, conn := r.channelPool, r.connection
	r.mu.Unlock()

	for {
		select {
		case pooledChan := <-pool:
			if pooledChan.closed() {
				continue
			}
			return pooledChan, nil
		default:
			// Create a new channel if none are available
			if conn == nil || conn.IsClosed() {
				return nil, fmt.Errorf("RabbitMQ connection is closed")
			}
			channel, err := conn.Channel()
			if err != nil {
				return nil, err
			}
			return newPooledChannel(channel), nil
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	if pooledChan.closed() {
		return
	}
	r.mu.Lock()
	pool := r.channelPool
	r.mu.Unlock()

	select {
	case pool <- pooledChan:
	default:
		// Pool is full, close the channel
		pooledChan.channel.Close()
	}
}

// drainPool closes every idle channel in pool without closing pool itself,
// so a concurrent release never sends on a closed channel.
func drainPool(pool chan *pooledChannel) {
	for {
		select {
		case pooledChan := <-pool:
			pooledChan.channel.Close()
		default:
			return
		}
	}
}
