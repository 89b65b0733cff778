// Package broker is the AMQP-facing runtime shared by all stage
// processes: TLS-aware connection with bounded-backoff retry, a
// single-in-flight consume loop with manual acknowledgement, and the
// error-queue fan-out taken on handler failure.
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/neicnordic/sda-orchestrator/go/config"
	"github.com/neicnordic/sda-orchestrator/go/metrics"
	"github.com/neicnordic/sda-orchestrator/go/schemas"
)

// Delivery is the slice of an AMQP delivery a stage handler sees.
type Delivery struct {
	CorrelationID string
	Body          []byte
}

// Handler processes one delivery. A nil return acknowledges the
// message; any error funnels it to the error queue and rejects it
// without requeue.
type Handler func(ctx context.Context, d Delivery) error

// Consumer owns one AMQP connection, consuming one queue.
type Consumer struct {
	cfg        config.BrokerConfig
	queue      string
	errorQueue string
	conn       *amqp.Connection
}

// New builds a Consumer for the given queue. Nothing is dialed until
// Connect or Serve.
func New(cfg config.BrokerConfig, queue, errorQueue string) *Consumer {
	return &Consumer{cfg: cfg, queue: queue, errorQueue: errorQueue}
}

// tlsConfig assembles the TLS context from configured paths. Without a
// CA certificate the peer is not verified; with client cert and key the
// client authenticates itself.
func (c *Consumer) tlsConfig() (*tls.Config, error) {
	var cfg = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // verification requires SSL_CACERT

	if c.cfg.CACert != "" {
		pem, err := os.ReadFile(c.cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		var pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA certificate %q holds no certificates", c.cfg.CACert)
		}
		cfg.RootCAs = pool
		cfg.InsecureSkipVerify = false
	}
	if c.cfg.ClientCert != "" && c.cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(c.cfg.ClientCert, c.cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Connect dials the broker, retrying with bounded backoff. Attempt n
// sleeps min(2n, 30) seconds. With MaxRetries of zero it retries until
// the context is cancelled.
func (c *Consumer) Connect(ctx context.Context) error {
	var scheme = "amqp"
	var tlsCfg *tls.Config
	if c.cfg.TLSEnabled() {
		scheme = "amqps"
		var err error
		if tlsCfg, err = c.tlsConfig(); err != nil {
			return err
		}
	}
	var uri = fmt.Sprintf("%s://%s:%s@%s:%d/%s",
		scheme, c.cfg.User, c.cfg.Password, c.cfg.Host, c.cfg.Port, c.cfg.VHost)

	for attempt := 1; ; attempt++ {
		var conn *amqp.Connection
		var err error
		if tlsCfg != nil {
			conn, err = amqp.DialTLS(uri, tlsCfg)
		} else {
			conn, err = amqp.Dial(uri)
		}
		if err == nil {
			c.conn = conn
			log.WithFields(log.Fields{"host": c.cfg.Host, "vhost": c.cfg.VHost}).
				Info("established connection with AMQP server")
			return nil
		}

		log.WithFields(log.Fields{"err": err, "attempt": attempt}).Error("broker connection failed")
		if c.cfg.MaxRetries > 0 && attempt >= c.cfg.MaxRetries {
			return fmt.Errorf("connecting to broker after %d attempts: %w", attempt, err)
		}

		var wait = time.Duration(2*attempt) * time.Second
		if wait > 30*time.Second {
			wait = 30 * time.Second
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Serve consumes the queue until the context is cancelled, dispatching
// one delivery at a time. AMQP protocol errors re-enter the connect
// loop and resubscribe.
func (c *Consumer) Serve(ctx context.Context, handler Handler) error {
	for {
		if c.conn == nil || c.conn.IsClosed() {
			if err := c.Connect(ctx); err != nil {
				// Cancellation while reconnecting is a clean shutdown,
				// not a connection failure.
				if ctx.Err() != nil {
					log.Info("consumer shut down")
					return nil
				}
				return err
			}
		}

		var err = c.consume(ctx, handler)
		if ctx.Err() != nil {
			c.Close()
			log.Info("consumer shut down")
			return nil
		}
		log.WithField("err", err).Error("AMQP session failed, reconnecting")
		c.Close()
	}
}

func (c *Consumer) consume(ctx context.Context, handler Handler) error {
	var channel, err = c.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer channel.Close()

	// One un-acked delivery at a time: ack of message i must precede
	// consumption of i+1.
	if err := channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("setting QoS: %w", err)
	}

	deliveries, err := channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming queue %q: %w", c.queue, err)
	}
	log.WithField("queue", c.queue).Info("connected to queue")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel of queue %q closed", c.queue)
			}
			c.dispatch(ctx, d, handler)
		}
	}
}

// dispatch runs the handler and settles the delivery: exactly one of
// ack or reject happens before the next delivery is handed over.
func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery, handler Handler) {
	metrics.Delivered.WithLabelValues(c.queue).Inc()
	log.WithFields(log.Fields{"queue": c.queue, "correlationID": d.CorrelationId}).Debug("delivery received")

	var err = handler(ctx, Delivery{CorrelationID: d.CorrelationId, Body: d.Body})
	if err == nil {
		if err := d.Ack(false); err != nil {
			log.WithField("err", err).Error("ack failed, broker will redeliver")
			return
		}
		metrics.Acked.WithLabelValues(c.queue).Inc()
		return
	}

	// Shutdown mid-handler is not a message fault. The delivery is left
	// unsettled so the broker redelivers it to the next consumer.
	if ctx.Err() != nil {
		log.WithFields(log.Fields{"queue": c.queue, "correlationID": d.CorrelationId}).
			Info("shutdown during handler, leaving delivery unsettled")
		return
	}

	log.WithFields(log.Fields{"queue": c.queue, "err": err}).Error("handler failed")
	c.publishError(ctx, d, err)

	// Terminal for this queue: rejected without requeue, the message
	// will not loop.
	if err := d.Reject(false); err != nil {
		log.WithField("err", err).Error("reject failed, broker will redeliver")
		return
	}
	metrics.Rejected.WithLabelValues(c.queue).Inc()
}

// errorRecord shapes and validates the record published to the error
// queue when a handler fails, carrying through the original message's
// user, filepath and checksums.
func errorRecord(body []byte, handlerErr error) ([]byte, error) {
	var original struct {
		User               string `json:"user"`
		Filepath           string `json:"filepath"`
		EncryptedChecksums []any  `json:"encrypted_checksums"`
		DecryptedChecksums []any  `json:"decrypted_checksums"`
	}
	// Best effort: an undecodable body still produces a record.
	_ = json.Unmarshal(body, &original)

	var record = map[string]any{
		"user":     original.User,
		"filepath": original.Filepath,
		"reason":   fmt.Sprintf("handler failed: %s", handlerErr),
	}
	if original.EncryptedChecksums != nil {
		record["encrypted_checksums"] = original.EncryptedChecksums
	}
	if original.DecryptedChecksums != nil {
		record["decrypted_checksums"] = original.DecryptedChecksums
	}

	if err := schemas.Validate("ingestion-user-error", record); err != nil {
		return nil, err
	}
	return json.Marshal(record)
}

// publishError fans the error record out to the error queue. Failures
// here are logged only; the original message is still rejected by the
// caller.
func (c *Consumer) publishError(ctx context.Context, d amqp.Delivery, handlerErr error) {
	var body, err = errorRecord(d.Body, handlerErr)
	if err != nil {
		log.WithField("err", err).Error("shaping error record, dropping")
		return
	}
	if err := c.Publish(ctx, c.errorQueue, d.CorrelationId, body); err != nil {
		log.WithField("err", err).Error("publishing error record")
		return
	}
	metrics.ErrorRecords.WithLabelValues(c.queue).Inc()
	log.WithFields(log.Fields{"queue": c.errorQueue, "correlationID": d.CorrelationId}).
		Info("published error record")
}

// Publish sends a persistent JSON message to a queue on the configured
// exchange, propagating the correlation id. A channel is opened per
// publish and closed immediately.
func (c *Consumer) Publish(ctx context.Context, queue, correlationID string, body []byte) error {
	if c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("publishing to %q: not connected", queue)
	}
	channel, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer channel.Close()

	err = channel.PublishWithContext(ctx, c.cfg.Exchange, queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: correlationID,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publishing to %q: %w", queue, err)
	}
	return nil
}

// Close closes the AMQP connection, if open.
func (c *Consumer) Close() {
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			log.WithField("err", err).Error("closing AMQP connection")
		}
	}
	c.conn = nil
}
