package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"access-guard/internal/common/clock"
	httpclient "access-guard/internal/common/http"
	"access-guard/internal/common/logging"
	"access-guard/internal/common/utils"
)

// LogNotifier writes notifications to the structured log
type LogNotifier struct {
	logger logging.Logger
}

func NewLogNotifier(logger logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.OrDefault(logger).WithFields(logging.Field{Key: "component", Value: "notify_log"})}
}

func (n *LogNotifier) Notify(_ context.Context, message string, opts Options) error {
	fields := []logging.Field{
		{Key: "title", Value: opts.Title},
		{Key: "severity", Value: string(opts.Severity)},
	}
	for k, v := range opts.Fields {
		fields = append(fields, logging.Field{Key: k, Value: v})
	}

	if opts.Severity.AtLeast(SeverityHigh) {
		n.logger.Warn(message, fields...)
	} else {
		n.logger.Info(message, fields...)
	}
	return nil
}

// WebhookNotifier POSTs the Event as JSON, retrying transient failures
type WebhookNotifier struct {
	url     string
	client  *http.Client
	headers map[string]string
	retry   utils.RetryConfig
	clock   clock.Clock
}

func NewWebhookNotifier(url string, client *http.Client, headers map[string]string) *WebhookNotifier {
	if client == nil {
		client = httpclient.NewHTTPClient(httpclient.WithTimeout(5 * time.Second))
	}
	retry := utils.DefaultRetryConfig()
	retry.RetryableErrors = httpclient.IsRetryable

	return &WebhookNotifier{
		url:     url,
		client:  client,
		headers: headers,
		retry:   retry,
		clock:   clock.System{},
	}
}

// WithRetry replaces the retry policy
func (n *WebhookNotifier) WithRetry(cfg utils.RetryConfig) *WebhookNotifier {
	if cfg.RetryableErrors == nil {
		cfg.RetryableErrors = httpclient.IsRetryable
	}
	n.retry = cfg
	return n
}

func (n *WebhookNotifier) Notify(ctx context.Context, message string, opts Options) error {
	event := NewEvent(message, opts, n.clock.Now())
	headers := map[string]string{"X-Event-ID": event.ID}
	for k, v := range n.headers {
		headers[k] = v
	}

	return utils.RetryWithBackoff(ctx, n.retry, func() error {
		return httpclient.DoJSON(ctx, n.client, http.MethodPost, n.url, headers, event, nil)
	})
}

// Publisher is satisfied by the Redis client
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// RedisNotifier publishes the Event on a pub/sub channel
type RedisNotifier struct {
	publisher Publisher
	channel   string
	clock     clock.Clock
}

func NewRedisNotifier(publisher Publisher, channel string) *RedisNotifier {
	return &RedisNotifier{publisher: publisher, channel: channel, clock: clock.System{}}
}

func (n *RedisNotifier) Notify(ctx context.Context, message string, opts Options) error {
	return n.publisher.Publish(ctx, n.channel, NewEvent(message, opts, n.clock.Now()))
}

// AMQPChannel is the subset of *amqp.Channel the notifier uses
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPNotifier publishes to a topic exchange with routing key "guard.<severity>"
type AMQPNotifier struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  AMQPChannel
	exchange string
	clock    clock.Clock
}

// DialAMQP connects, opens a channel and declares the exchange
func DialAMQP(url, exchange string) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	n, err := NewAMQPNotifier(ch, exchange)
	if err != nil {
		conn.Close()
		return nil, err
	}
	n.conn = conn
	return n, nil
}

// NewAMQPNotifier declares exchange on an existing channel
func NewAMQPNotifier(ch AMQPChannel, exchange string) (*AMQPNotifier, error) {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return &AMQPNotifier{channel: ch, exchange: exchange, clock: clock.System{}}, nil
}

func (n *AMQPNotifier) Notify(_ context.Context, message string, opts Options) error {
	event := NewEvent(message, opts, n.clock.Now())
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	return n.channel.Publish(n.exchange, "guard."+string(opts.Severity), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.Timestamp,
		Body:         body,
	})
}

// Close releases the channel and, when dialed, the connection
func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.channel.Close()
	if n.conn != nil {
		if cerr := n.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// SMTPConfig configures the email channel
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	// MinSeverity filters out less severe notifications; default high
	MinSeverity Severity
}

// SendMailFunc matches smtp.SendMail
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier mails high and critical notifications to operators
type EmailNotifier struct {
	config SMTPConfig
	auth   smtp.Auth
	send   SendMailFunc
}

func NewEmailNotifier(cfg SMTPConfig) *EmailNotifier {
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = SeverityHigh
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &EmailNotifier{config: cfg, auth: auth, send: smtp.SendMail}
}

// WithSender replaces smtp.SendMail
func (n *EmailNotifier) WithSender(send SendMailFunc) *EmailNotifier {
	n.send = send
	return n
}

func (n *EmailNotifier) Notify(_ context.Context, message string, opts Options) error {
	if !opts.Severity.AtLeast(n.config.MinSeverity) {
		return nil
	}

	subject := opts.Title
	if subject == "" {
		subject = "access-guard notification"
	}

	var body bytes.Buffer
	fmt.Fprintf(&body, "From: %s\r\n", n.config.From)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(n.config.To, ", "))
	fmt.Fprintf(&body, "Subject: [%s] %s\r\n", strings.ToUpper(string(opts.Severity)), subject)
	body.WriteString("MIME-Version: 1.0\r\n")
	body.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	body.WriteString(message + "\r\n")
	for k, v := range opts.Fields {
		fmt.Fprintf(&body, "%s: %v\r\n", k, v)
	}

	addr := fmt.Sprintf("%s:%d", n.config.Host, n.config.Port)
	if err := n.send(addr, n.auth, n.config.From, n.config.To, body.Bytes()); err != nil {
		return fmt.Errorf("send mail via %s: %w", addr, err)
	}
	return nil
}
