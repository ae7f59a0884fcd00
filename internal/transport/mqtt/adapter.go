// Package mqtt carries challenges to devices and responses back over an MQTT
// broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"hwconfirm/internal/metrics"
	"hwconfirm/internal/model"
)

const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"

	DefaultPublishTimeout = 10 * time.Second
	disconnectQuiesceMs   = 250

	// Responses are handled off the client's router goroutine so a slow
	// store cannot stall inbound traffic.
	responseWorkers   = 4
	responseQueueSize = 256
)

// ResponseHandler receives every well-formed device response.
type ResponseHandler func(resp model.DeviceResponse)

// Options configures the broker connection.
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	PublishTimeout time.Duration
}

// Adapter owns the broker connection and the set of device response
// subscriptions, which it re-issues on every (re)connect.
type Adapter struct {
	client         paho.Client
	qos            byte
	publishTimeout time.Duration

	mu            sync.RWMutex
	subscriptions map[string]struct{}
	handler       ResponseHandler

	responses chan model.DeviceResponse
	quit      chan struct{}
	closeOnce sync.Once
	workers   sync.WaitGroup
}

// NewAdapter builds an adapter with auto-reconnect enabled. Call Connect to
// start the connection.
func NewAdapter(opts Options) *Adapter {
	a := newAdapter(nil, opts.QoS, opts.PublishTimeout)

	clientID := opts.ClientID
	if clientID == "" {
		clientID = "hwconfirm-" + uuid.NewString()[:8]
	}

	co := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetOnConnectHandler(a.onConnect).
		SetConnectionLostHandler(a.onConnectionLost).
		SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
			log.Printf("[MQTT] Reconnecting to broker...")
		})
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}

	a.client = paho.NewClient(co)
	return a
}

func newAdapter(client paho.Client, qos byte, publishTimeout time.Duration) *Adapter {
	if qos > 2 {
		qos = 1
	}
	if publishTimeout <= 0 {
		publishTimeout = DefaultPublishTimeout
	}
	a := &Adapter{
		client:         client,
		qos:            qos,
		publishTimeout: publishTimeout,
		subscriptions:  make(map[string]struct{}),
		responses:      make(chan model.DeviceResponse, responseQueueSize),
		quit:           make(chan struct{}),
	}
	for i := 0; i < responseWorkers; i++ {
		a.workers.Add(1)
		go a.responseWorker()
	}
	return a
}

// OnResponse sets the single callback for device responses.
func (a *Adapter) OnResponse(h ResponseHandler) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

// Connect waits for the first connection until ctx is done. If the broker is
// still unreachable by then the client keeps retrying in the background.
func (a *Adapter) Connect(ctx context.Context) error {
	token := a.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Printf("[MQTT] Broker not reachable yet, retrying in background")
		return nil
	}
}

// Close disconnects from the broker and waits for in-flight responses to be
// handled. Responses still queued are dropped.
func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		a.client.Disconnect(disconnectQuiesceMs)
		close(a.quit)
		a.workers.Wait()
		log.Printf("[MQTT] Disconnected")
	})
}

// Status reports the broker connection state for health checks.
func (a *Adapter) Status() string {
	if a.client.IsConnectionOpen() {
		return StatusConnected
	}
	return StatusDisconnected
}

// SubscribeDeviceResponses starts listening on devices/{id}/response.
// Idempotent. While disconnected the subscription is only recorded and gets
// issued on the next connect.
func (a *Adapter) SubscribeDeviceResponses(deviceID string) error {
	a.mu.Lock()
	if _, ok := a.subscriptions[deviceID]; ok {
		a.mu.Unlock()
		return nil
	}
	a.subscriptions[deviceID] = struct{}{}
	a.mu.Unlock()

	if !a.client.IsConnectionOpen() {
		log.Printf("[MQTT] Subscription deferred until connected: device=%s", deviceID)
		return nil
	}
	return a.subscribe(deviceID)
}

// UnsubscribeDeviceResponses stops listening for a device. Idempotent.
func (a *Adapter) UnsubscribeDeviceResponses(deviceID string) error {
	a.mu.Lock()
	_, ok := a.subscriptions[deviceID]
	delete(a.subscriptions, deviceID)
	a.mu.Unlock()

	if !ok || !a.client.IsConnectionOpen() {
		return nil
	}

	topic := ResponseTopic(deviceID)
	token := a.client.Unsubscribe(topic)
	if !token.WaitTimeout(a.publishTimeout) {
		return fmt.Errorf("unsubscribe %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	log.Printf("[MQTT] Unsubscribed: topic=%s", topic)
	return nil
}

// PublishChallenge sends msg to devices/{id}/challenge. Any failure to hand
// the message to the broker is reported as model.ErrDelivery.
func (a *Adapter) PublishChallenge(ctx context.Context, deviceID string, msg model.ChallengeMessage) error {
	topic := ChallengeTopic(deviceID)

	if !a.client.IsConnectionOpen() {
		metrics.ChallengePublishFailures.Inc()
		log.Printf("[MQTT] Publish FAILED: topic=%s err=not connected", topic)
		return fmt.Errorf("%w: broker not connected", model.ErrDelivery)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encode challenge: %v", model.ErrInternal, err)
	}

	token := a.client.Publish(topic, a.qos, false, payload)

	timer := time.NewTimer(a.publishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		metrics.ChallengePublishFailures.Inc()
		log.Printf("[MQTT] Publish FAILED: topic=%s err=timeout after %v", topic, a.publishTimeout)
		return fmt.Errorf("%w: publish timed out", model.ErrDelivery)
	case <-ctx.Done():
		metrics.ChallengePublishFailures.Inc()
		return fmt.Errorf("%w: %v", model.ErrDelivery, ctx.Err())
	}

	if err := token.Error(); err != nil {
		metrics.ChallengePublishFailures.Inc()
		log.Printf("[MQTT] Publish FAILED: topic=%s err=%v", topic, err)
		return fmt.Errorf("%w: %v", model.ErrDelivery, err)
	}

	log.Printf("[MQTT] Challenge published: topic=%s confirmation=%s", topic, msg.ConfirmationID)
	return nil
}

func (a *Adapter) subscribe(deviceID string) error {
	topic := ResponseTopic(deviceID)
	token := a.client.Subscribe(topic, a.qos, a.onMessage)
	if !token.WaitTimeout(a.publishTimeout) {
		return fmt.Errorf("subscribe %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	log.Printf("[MQTT] Subscribed: topic=%s", topic)
	return nil
}

// onConnect runs on every successful (re)connect. With a clean session the
// broker has forgotten our subscriptions, so all of them are issued again.
func (a *Adapter) onConnect(_ paho.Client) {
	a.mu.RLock()
	ids := make([]string, 0, len(a.subscriptions))
	for id := range a.subscriptions {
		ids = append(ids, id)
	}
	a.mu.RUnlock()

	log.Printf("[MQTT] Connected to broker, restoring %d subscriptions", len(ids))
	for _, id := range ids {
		if err := a.subscribe(id); err != nil {
			log.Printf("[MQTT] Resubscribe FAILED: device=%s err=%v", id, err)
		}
	}
}

func (a *Adapter) onConnectionLost(_ paho.Client, err error) {
	log.Printf("[MQTT] Connection lost: %v", err)
}

func (a *Adapter) onMessage(_ paho.Client, msg paho.Message) {
	resp, err := parseResponse(msg.Topic(), msg.Payload())
	if err != nil {
		metrics.DeviceResponses.WithLabelValues(metrics.ResultMalformed).Inc()
		log.Printf("[MQTT] Dropping malformed response: topic=%s err=%v", msg.Topic(), err)
		return
	}

	select {
	case <-a.quit:
		return
	default:
	}

	select {
	case a.responses <- resp:
	default:
		metrics.DeviceResponses.WithLabelValues(metrics.ResultDropped).Inc()
		log.Printf("[MQTT] Response queue full, dropping: device=%s confirmation=%s", resp.DeviceID, resp.ConfirmationID)
	}
}

func (a *Adapter) responseWorker() {
	defer a.workers.Done()
	for {
		select {
		case resp := <-a.responses:
			a.dispatch(resp)
		case <-a.quit:
			return
		}
	}
}

func (a *Adapter) dispatch(resp model.DeviceResponse) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[MQTT] Response handler panicked: device=%s panic=%v", resp.DeviceID, r)
		}
	}()

	a.mu.RLock()
	h := a.handler
	a.mu.RUnlock()

	if h == nil {
		log.Printf("[MQTT] No response handler, dropping: device=%s confirmation=%s", resp.DeviceID, resp.ConfirmationID)
		return
	}
	h(resp)
}
