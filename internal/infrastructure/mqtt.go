package infrastructure

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"example.com/backstage/services/ingest/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MessageHandler processes inbound broker messages
type MessageHandler func(ctx context.Context, topic string, payload []byte) error

// SessionState is the lifecycle state of the broker session.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateExhausted
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrNotConnected       = errors.New("MQTT client not connected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrSessionClosed      = errors.New("transport session closed")
	ErrPublishTimeout     = errors.New("publish timed out")
)

// TransportError reports a failed transport operation.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StateChange is emitted on every session state transition.
type StateChange struct {
	From    SessionState
	To      SessionState
	Attempt int
	Err     error
	At      time.Time
}

// SessionStatus is a point-in-time snapshot of the session.
type SessionStatus struct {
	State             string     `json:"state"`
	Connected         bool       `json:"connected"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
	MaxAttempts       int        `json:"max_attempts"`
	LastError         string     `json:"last_error,omitempty"`
	LastConnectedAt   *time.Time `json:"last_connected_at,omitempty"`
	Subscriptions     []string   `json:"subscriptions"`
}

// ClientFactory builds the underlying paho client.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

type subscription struct {
	qos     byte
	handler MessageHandler
	seq     uint64
}

// Session owns the single broker connection of the process. Reconnects happen
// on a fixed period up to MaxReconnectAttempts, after which the session stays
// Exhausted until ForceReconnect is called.
type Session struct {
	config    config.MQTTConfig
	logger    *logrus.Logger
	metrics   *Metrics
	tlsConfig *tls.Config
	newClient ClientFactory
	client    mqtt.Client

	// ctlMu serializes ForceReconnect, Close and loss-triggered restarts.
	ctlMu sync.Mutex

	mu              sync.RWMutex
	state           SessionState
	attempts        int
	lastErr         error
	lastConnectedAt time.Time
	subs            map[string]subscription
	subSeq          uint64
	watchers        map[int]chan StateChange
	nextWatcher     int
	loopCancel      context.CancelFunc
	loopDone        chan struct{}
	closed          bool
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithClientFactory replaces the paho client constructor.
func WithClientFactory(f ClientFactory) SessionOption {
	return func(s *Session) { s.newClient = f }
}

// WithTLS sets the TLS configuration used to reach the broker.
func WithTLS(cfg *tls.Config) SessionOption {
	return func(s *Session) { s.tlsConfig = cfg }
}

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// NewSession creates a new broker session. It does not connect.
func NewSession(cfg config.MQTTConfig, logger *logrus.Logger, opts ...SessionOption) (*Session, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "ingest-service-" + uuid.NewString()[:8]
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 10 * time.Second
	}
	if cfg.ReconnectPeriod <= 0 {
		cfg.ReconnectPeriod = 5 * time.Second
	}

	s := &Session{
		config:    cfg,
		logger:    logger,
		newClient: mqtt.NewClient,
		subs:      make(map[string]subscription),
		watchers:  make(map[int]chan StateChange),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.client = s.newClient(s.clientOptions())
	return s, nil
}

func (s *Session) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.config.BrokerURL)
	opts.SetClientID(s.config.ClientID)

	if s.config.Username != "" {
		opts.SetUsername(s.config.Username)
	}
	if s.config.Password != "" {
		opts.SetPassword(s.config.Password)
	}

	opts.SetCleanSession(s.config.CleanSession)
	opts.SetKeepAlive(s.config.KeepAlive)
	opts.SetConnectTimeout(s.config.ConnectTimeout)
	// the session runs its own bounded reconnect loop
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	if s.tlsConfig != nil {
		opts.SetTLSConfig(s.tlsConfig)
	}

	opts.SetConnectionLostHandler(s.onConnectionLost)
	return opts
}

// Connect starts connecting if the session is idle. Calling it while
// connecting or connected is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &TransportError{Op: "connect", Err: ErrSessionClosed}
	}

	switch s.state {
	case StateConnecting, StateConnected:
		return nil
	case StateExhausted:
		return &TransportError{Op: "connect", Err: ErrReconnectExhausted}
	}

	s.startLoopLocked()
	return nil
}

// ForceReconnect drops the current connection, resets the attempt counter and
// starts a fresh connect sequence. It is the only way out of Exhausted. When
// ctx ends before an in-flight dial returns, the restart still happens once
// that dial finishes and ctx.Err() is returned.
func (s *Session) ForceReconnect(ctx context.Context) error {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &TransportError{Op: "reconnect", Err: ErrSessionClosed}
	}
	cancel, done := s.loopCancel, s.loopDone
	s.loopCancel, s.loopDone = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			go func() {
				<-done
				s.ctlMu.Lock()
				defer s.ctlMu.Unlock()
				s.restart()
			}()
			return ctx.Err()
		}
	}

	s.restart()
	return nil
}

// restart starts a fresh connect loop unless the session was closed or
// another loop already owns it. Callers hold ctlMu.
func (s *Session) restart() {
	if s.client.IsConnectionOpen() {
		s.client.Disconnect(250)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.loopCancel != nil {
		return
	}
	s.attempts = 0
	s.lastErr = nil
	s.setStateLocked(StateDisconnected, 0, nil)
	s.startLoopLocked()

	s.logger.Info("Forced reconnect to MQTT broker")
}

// Publish sends payload on topic. It fails immediately when the session is
// not connected.
func (s *Session) Publish(topic string, payload []byte, qos byte) error {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()

	switch state {
	case StateConnected:
	case StateExhausted:
		s.metrics.RecordPublishFailure()
		return &TransportError{Op: "publish", Err: fmt.Errorf("%w: %w", ErrNotConnected, ErrReconnectExhausted)}
	default:
		s.metrics.RecordPublishFailure()
		return &TransportError{Op: "publish", Err: ErrNotConnected}
	}

	token := s.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(s.config.PublishTimeout) {
		s.metrics.RecordPublishFailure()
		return &TransportError{Op: "publish", Err: ErrPublishTimeout}
	}
	if err := token.Error(); err != nil {
		s.metrics.RecordPublishFailure()
		return &TransportError{Op: "publish", Err: fmt.Errorf("failed to publish message: %w", err)}
	}

	return nil
}

// Subscribe registers handler for topic. The subscription is (re)issued on
// every successful connect.
func (s *Session) Subscribe(topic string, qos byte, handler MessageHandler) error {
	s.mu.Lock()
	s.subSeq++
	s.subs[topic] = subscription{qos: qos, handler: handler, seq: s.subSeq}
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected {
		return nil
	}
	return s.subscribe(topic, qos, handler)
}

func (s *Session) subscribe(topic string, qos byte, handler MessageHandler) error {
	token := s.client.Subscribe(topic, qos, s.wrapHandler(handler))
	if !token.WaitTimeout(s.config.ConnectTimeout) {
		return &TransportError{Op: "subscribe", Err: fmt.Errorf("subscribe to %s timed out", topic)}
	}
	if err := token.Error(); err != nil {
		return &TransportError{Op: "subscribe", Err: err}
	}
	s.logger.WithField("topic", topic).Info("Subscribed to topic")
	return nil
}

func (s *Session) wrapHandler(handler MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		topic := msg.Topic()
		payload := msg.Payload()

		s.logger.WithFields(logrus.Fields{
			"topic":      topic,
			"message_id": msg.MessageID(),
			"qos":        msg.Qos(),
			"size":       len(payload),
		}).Debug("Received MQTT message")

		ctx, cancel := context.WithTimeout(context.Background(), s.config.HandlerTimeout)
		defer cancel()

		if err := handler(ctx, topic, payload); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"topic":      topic,
				"message_id": msg.MessageID(),
			}).Error("Failed to handle MQTT message")
		}
	}
}

// IsConnected returns the connection status
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateConnected
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Status returns a snapshot of the session.
func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := SessionStatus{
		State:             s.state.String(),
		Connected:         s.state == StateConnected,
		ReconnectAttempts: s.attempts,
		MaxAttempts:       s.config.MaxReconnectAttempts,
		Subscriptions:     make([]string, 0, len(s.subs)),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if !s.lastConnectedAt.IsZero() {
		t := s.lastConnectedAt
		st.LastConnectedAt = &t
	}
	for topic := range s.subs {
		st.Subscriptions = append(st.Subscriptions, topic)
	}
	return st
}

// Watch returns a channel of state transitions. Slow readers miss events.
func (s *Session) Watch() (<-chan StateChange, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextWatcher
	s.nextWatcher++
	ch := make(chan StateChange, 16)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if w, ok := s.watchers[id]; ok {
				delete(s.watchers, id)
				close(w)
			}
		})
	}
}

// Close unsubscribes, disconnects and stops reconnecting.
func (s *Session) Close() {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel, done := s.loopCancel, s.loopDone
	s.loopCancel, s.loopDone = nil, nil
	topics := make([]string, 0, len(s.subs))
	for topic := range s.subs {
		topics = append(topics, topic)
	}
	s.mu.Unlock()

	s.logger.Info("Stopping MQTT session...")

	if cancel != nil {
		cancel()
		<-done
	}

	if s.client.IsConnected() {
		if len(topics) > 0 {
			if token := s.client.Unsubscribe(topics...); token.WaitTimeout(s.config.ConnectTimeout) && token.Error() != nil {
				s.logger.WithError(token.Error()).Warn("Failed to unsubscribe from topics")
			}
		}
		s.client.Disconnect(250)
	}

	s.mu.Lock()
	s.setStateLocked(StateDisconnected, 0, nil)
	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
	s.mu.Unlock()

	s.logger.Info("MQTT session stopped")
}

// startLoopLocked must be called with mu held.
func (s *Session) startLoopLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.loopCancel, s.loopDone = cancel, done
	go s.connectLoop(ctx, done)
}

func (s *Session) connectLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		if limit := s.config.MaxReconnectAttempts; limit > 0 && s.attempts >= limit {
			s.setStateLocked(StateExhausted, s.attempts, s.lastErr)
			s.mu.Unlock()
			s.logger.WithFields(logrus.Fields{
				"attempts": s.config.MaxReconnectAttempts,
				"broker":   s.config.BrokerURL,
			}).Error("Giving up on MQTT broker until a forced reconnect")
			return
		}
		s.attempts++
		attempt := s.attempts
		s.setStateLocked(StateConnecting, attempt, nil)
		s.mu.Unlock()

		s.metrics.RecordConnectAttempt()
		err := s.dial()

		if err == nil {
			if ctx.Err() != nil {
				s.client.Disconnect(0)
				return
			}
			s.onConnect()
			return
		}

		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()

		s.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     s.config.MaxReconnectAttempts,
		}).Warn("Failed to connect to MQTT broker")

		timer := time.NewTimer(s.config.ReconnectPeriod)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Session) dial() error {
	token := s.client.Connect()
	if !token.WaitTimeout(s.config.ConnectTimeout) {
		return fmt.Errorf("connect timed out after %s", s.config.ConnectTimeout)
	}
	return token.Error()
}

// onConnect resubscribes every registered topic and marks the session
// connected. Topics registered while the replay runs are picked up before the
// state flips, after which Subscribe issues them directly.
func (s *Session) onConnect() {
	issued := make(map[string]uint64)
	for {
		s.mu.Lock()
		pending := make(map[string]subscription)
		for topic, sub := range s.subs {
			if seq, ok := issued[topic]; !ok || seq != sub.seq {
				pending[topic] = sub
			}
		}
		if len(pending) == 0 {
			s.attempts = 0
			s.lastErr = nil
			s.lastConnectedAt = time.Now().UTC()
			s.setStateLocked(StateConnected, 0, nil)
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()

		for topic, sub := range pending {
			if err := s.subscribe(topic, sub.qos, sub.handler); err != nil {
				s.logger.WithError(err).WithField("topic", topic).Error("Failed to subscribe to topic")
			}
			issued[topic] = sub.seq
		}
	}

	s.logger.WithField("broker", s.config.BrokerURL).Info("Connected to MQTT broker")
}

// onConnectionLost handles connection loss
func (s *Session) onConnectionLost(_ mqtt.Client, err error) {
	// ForceReconnect and Close own the loop while they run
	if !s.ctlMu.TryLock() {
		s.logger.WithError(err).Debug("Connection lost during a reconnect or close")
		return
	}
	defer s.ctlMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.state != StateConnected {
		return
	}

	s.lastErr = err
	s.setStateLocked(StateDisconnected, 0, err)
	s.logger.WithError(err).Warn("Lost connection to MQTT broker")
	s.startLoopLocked()
}

// setStateLocked must be called with mu held.
func (s *Session) setStateLocked(to SessionState, attempt int, err error) {
	from := s.state
	s.state = to
	s.metrics.SetTransportState(to)
	if from == to && to != StateConnecting {
		return
	}

	change := StateChange{From: from, To: to, Attempt: attempt, Err: err, At: time.Now().UTC()}
	for _, ch := range s.watchers {
		select {
		case ch <- change:
		default:
		}
	}
}

// CommandTopic builds the outbound command topic for a device.
func CommandTopic(namespace, deviceID string) string {
	return strings.Trim(namespace, "/") + "/" + deviceID + "/command"
}
