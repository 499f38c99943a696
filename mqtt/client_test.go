package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"elm327-diag/common"
	"elm327-diag/events"
)

// MockMQTTClient для тестирования
type MockMQTTClient struct {
	mock.Mock
	published chan publishedMessage
}

type publishedMessage struct {
	topic    string
	retained bool
	payload  []byte
}

func newMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{published: make(chan publishedMessage, 64)}
}

func (m *MockMQTTClient) Connect() mqttLib.Token {
	args := m.Called()
	return args.Get(0).(mqttLib.Token)
}

func (m *MockMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqttLib.Token {
	args := m.Called(topic, qos, retained, payload)
	m.published <- publishedMessage{topic: topic, retained: retained, payload: payload.([]byte)}
	return args.Get(0).(mqttLib.Token)
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, callback mqttLib.MessageHandler) mqttLib.Token {
	args := m.Called(topic, qos, callback)
	return args.Get(0).(mqttLib.Token)
}

func (m *MockMQTTClient) SubscribeMultiple(filters map[string]byte, callback mqttLib.MessageHandler) mqttLib.Token {
	args := m.Called(filters, callback)
	return args.Get(0).(mqttLib.Token)
}

func (m *MockMQTTClient) Unsubscribe(topics ...string) mqttLib.Token {
	args := m.Called(topics)
	return args.Get(0).(mqttLib.Token)
}

func (m *MockMQTTClient) AddRoute(topic string, callback mqttLib.MessageHandler) {
	m.Called(topic, callback)
}

func (m *MockMQTTClient) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockMQTTClient) IsConnectionOpen() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockMQTTClient) Disconnect(quiesce uint) {
	m.Called(quiesce)
}

func (m *MockMQTTClient) OptionsReader() mqttLib.ClientOptionsReader {
	args := m.Called()
	return args.Get(0).(mqttLib.ClientOptionsReader)
}

// mockToken представляет завершённый токен paho
type mockToken struct {
	err error
}

func (t *mockToken) Wait() bool                     { return true }
func (t *mockToken) WaitTimeout(time.Duration) bool { return true }
func (t *mockToken) Error() error                   { return t.err }

func (t *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// mockMessage представляет входящее MQTT сообщение
type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 1 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 1 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}

// mockCommander подменяет сессию в тестах
type mockCommander struct {
	mock.Mock
}

func (m *mockCommander) ReadDTCs(ctx context.Context) (common.DTCResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(common.DTCResult), args.Error(1)
}

func (m *mockCommander) ClearDTCs(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *mockCommander) ReadLiveData(ctx context.Context) (common.LiveTelemetrySample, error) {
	args := m.Called(ctx)
	return args.Get(0).(common.LiveTelemetrySample), args.Error(1)
}

func (m *mockCommander) ReadVIN(ctx context.Context) (common.VINResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(common.VINResult), args.Error(1)
}

func (m *mockCommander) AdapterInfo(ctx context.Context) (common.AdapterInfo, error) {
	args := m.Called(ctx)
	return args.Get(0).(common.AdapterInfo), args.Error(1)
}

func (m *mockCommander) ConnectionStatus() common.ConnectionStatus {
	args := m.Called()
	return args.Get(0).(common.ConnectionStatus)
}

func (m *mockCommander) StartMonitoring(interval time.Duration) {
	m.Called(interval)
}

func (m *mockCommander) StopMonitoring() {
	m.Called()
}

func (m *mockCommander) SendRaw(ctx context.Context, command string) (string, error) {
	args := m.Called(ctx, command)
	return args.String(0), args.Error(1)
}

// startedClient возвращает запущенный клиент поверх мока брокера
func startedClient(t *testing.T, commander Commander) (*Client, *MockMQTTClient) {
	t.Helper()

	broker := newMockMQTTClient()
	broker.On("Connect").Return(&mockToken{})
	broker.On("IsConnected").Return(true)
	broker.On("Publish", mock.Anything, byte(1), mock.Anything, mock.Anything).Return(&mockToken{})
	broker.On("Disconnect", uint(1000)).Return()

	client := NewClient(DefaultConfig(), commander, zaptest.NewLogger(t))
	client.newClient = func(*mqttLib.ClientOptions) mqttLib.Client { return broker }

	require.NoError(t, client.Start())
	t.Cleanup(func() { client.Stop() })
	return client, broker
}

func nextPublished(t *testing.T, broker *MockMQTTClient) publishedMessage {
	t.Helper()
	select {
	case msg := <-broker.published:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("nothing published")
		return publishedMessage{}
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.NotEmpty(t, config.Broker)
	assert.NotEmpty(t, config.ClientID)
	assert.NotEmpty(t, config.DataTopic)
	assert.NotEmpty(t, config.CommandTopic)
	assert.LessOrEqual(t, config.QoS, byte(2))
	assert.Positive(t, config.CommandTimeout)
}

func TestGenerateClientID(t *testing.T) {
	id1 := generateClientID()
	id2 := generateClientID()

	assert.NotEqual(t, id1, id2)
	assert.Regexp(t, `^elm327-diag-[0-9a-f]{8}$`, id1)
}

func TestConvertToTelemetryMessages(t *testing.T) {
	client := NewClient(DefaultConfig(), nil, zaptest.NewLogger(t))
	client.SetVIN("TEST123")

	ts := time.Unix(1234567890, 0)
	sample := common.LiveTelemetrySample{
		RPM:          common.Float(1724.5),
		CoolantTempC: common.Float(90),
		Timestamp:    ts,
		Source:       common.SourceReal,
	}

	msgs := client.convertToTelemetryMessages(sample)
	require.Len(t, msgs, 2)

	assert.Equal(t, TelemetryMessage{
		VIN: "TEST123", PID: "05", Metric: "coolant_temperature", Value: 90, Unit: "°C",
		Timestamp: ts, Source: common.SourceReal,
	}, msgs[0])
	assert.Equal(t, "engine_rpm", msgs[1].Metric)
	assert.Equal(t, 1724.5, msgs[1].Value)
	assert.Equal(t, "rpm", msgs[1].Unit)
}

func TestVINDefaultsToUnknown(t *testing.T) {
	client := NewClient(DefaultConfig(), nil, zaptest.NewLogger(t))
	assert.Equal(t, "unknown", client.getVIN())
	assert.Equal(t, "car/telemetry/unknown/status", client.statusTopic())

	client.SetVIN("TEST123")
	assert.Equal(t, "TEST123", client.getVIN())
}

func TestIsConnected(t *testing.T) {
	client := NewClient(DefaultConfig(), nil, zaptest.NewLogger(t))
	assert.False(t, client.IsConnected())
}

func TestStartFailsWhenBrokerUnreachable(t *testing.T) {
	broker := newMockMQTTClient()
	broker.On("Connect").Return(&mockToken{err: errors.New("connection refused")})

	client := NewClient(DefaultConfig(), nil, zaptest.NewLogger(t))
	client.newClient = func(*mqttLib.ClientOptions) mqttLib.Client { return broker }

	err := client.Start()
	assert.ErrorContains(t, err, "connection refused")
}

func TestOnConnectSubscribesToRequests(t *testing.T) {
	client, broker := startedClient(t, nil)
	broker.On("Subscribe", "car/command/+/request", byte(1), mock.Anything).Return(&mockToken{})

	client.onConnectHandler(broker)

	broker.AssertCalled(t, "Subscribe", "car/command/+/request", byte(1), mock.Anything)
}

func TestLiveDataEventPublishedPerMetric(t *testing.T) {
	client, broker := startedClient(t, nil)
	client.SetVIN("VIN1")

	client.HandleEvent(events.Event{
		Kind: events.KindLiveData,
		LiveData: &common.LiveTelemetrySample{
			RPM:      common.Float(800),
			SpeedKmh: common.Float(0),
			Source:   common.SourceSimulated,
		},
	})

	topics := map[string]bool{}
	for i := 0; i < 2; i++ {
		msg := nextPublished(t, broker)
		topics[msg.topic] = true
		assert.False(t, msg.retained)

		var tm TelemetryMessage
		require.NoError(t, json.Unmarshal(msg.payload, &tm))
		assert.Equal(t, common.SourceSimulated, tm.Source)
	}
	assert.Equal(t, map[string]bool{
		"car/telemetry/VIN1/engine_rpm":    true,
		"car/telemetry/VIN1/vehicle_speed": true,
	}, topics)
}

func TestConnectionEventRetained(t *testing.T) {
	client, broker := startedClient(t, nil)

	client.HandleEvent(events.Event{
		Kind:       events.KindConnection,
		Connection: &common.ConnectionEvent{State: common.StateReady, Connected: true},
	})

	msg := nextPublished(t, broker)
	assert.Equal(t, "car/telemetry/unknown/status", msg.topic)
	assert.True(t, msg.retained)

	var ev common.ConnectionEvent
	require.NoError(t, json.Unmarshal(msg.payload, &ev))
	assert.Equal(t, common.StateReady, ev.State)
}

func TestCommandDispatch(t *testing.T) {
	status := common.ConnectionStatus{State: common.StateReady, Connected: true}

	tests := []struct {
		name    string
		command CommandMessage
		setup   func(m *mockCommander)
		status  string
		errText string
	}{
		{
			name:    "read dtcs",
			command: CommandMessage{Command: "read_dtcs", CorrelationID: "c1"},
			setup: func(m *mockCommander) {
				m.On("ReadDTCs", mock.Anything).Return(common.DTCResult{Source: common.SourceReal}, nil)
			},
			status: "success",
		},
		{
			name:    "clear dtcs not connected",
			command: CommandMessage{Command: "clear_dtcs", CorrelationID: "c2"},
			setup: func(m *mockCommander) {
				m.On("ClearDTCs", mock.Anything).Return(false, common.ErrNotConnected)
			},
			status:  "error",
			errText: "adapter not connected",
		},
		{
			name:    "start monitoring with interval",
			command: CommandMessage{Command: "START_MONITORING", CorrelationID: "c3", IntervalMs: 250},
			setup: func(m *mockCommander) {
				m.On("StartMonitoring", 250*time.Millisecond).Return()
				m.On("ConnectionStatus").Return(status)
			},
			status: "success",
		},
		{
			name:    "start monitoring default interval",
			command: CommandMessage{Command: "start_monitoring", CorrelationID: "c4"},
			setup: func(m *mockCommander) {
				m.On("StartMonitoring", DefaultMonitorInterval).Return()
				m.On("ConnectionStatus").Return(status)
			},
			status: "success",
		},
		{
			name:    "raw passthrough",
			command: CommandMessage{Command: " 010C ", CorrelationID: "c5"},
			setup: func(m *mockCommander) {
				m.On("SendRaw", mock.Anything, "010C").Return("41 0C 1A F8", nil)
			},
			status: "success",
		},
		{
			name:    "empty command",
			command: CommandMessage{Command: "  ", CorrelationID: "c6"},
			setup:   func(m *mockCommander) {},
			status:  "error",
			errText: "empty command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			commander := &mockCommander{}
			tt.setup(commander)
			client, broker := startedClient(t, commander)

			payload, err := json.Marshal(tt.command)
			require.NoError(t, err)
			client.onCommandReceived(broker, &mockMessage{topic: "car/command/x/request", payload: payload})

			msg := nextPublished(t, broker)
			assert.Equal(t, "car/command/unknown/response", msg.topic)

			var resp CommandResponse
			require.NoError(t, json.Unmarshal(msg.payload, &resp))
			assert.Equal(t, tt.command.CorrelationID, resp.CorrelationID)
			assert.Equal(t, tt.status, resp.Status)
			if tt.errText != "" {
				assert.Contains(t, resp.Error, tt.errText)
			}
			commander.AssertExpectations(t)
		})
	}
}

func TestReadVINUpdatesTopics(t *testing.T) {
	commander := &mockCommander{}
	commander.On("ReadVIN", mock.Anything).Return(common.VINResult{VIN: "1D4GP00R55B123456", Source: common.SourceReal}, nil)
	client, broker := startedClient(t, commander)

	client.onCommandReceived(broker, &mockMessage{payload: []byte(`{"command":"read_vin","correlation_id":"v1"}`)})

	msg := nextPublished(t, broker)
	assert.Equal(t, "car/command/1D4GP00R55B123456/response", msg.topic)
	assert.Equal(t, "1D4GP00R55B123456", client.getVIN())
}

func TestInvalidCommandPayloadIgnored(t *testing.T) {
	client, broker := startedClient(t, &mockCommander{})

	client.onCommandReceived(broker, &mockMessage{payload: []byte("not json")})

	select {
	case msg := <-broker.published:
		t.Fatalf("unexpected publish to %s", msg.topic)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStopIsIdempotent(t *testing.T) {
	client, broker := startedClient(t, nil)

	require.NoError(t, client.Stop())
	require.NoError(t, client.Stop())
	broker.AssertNumberOfCalls(t, "Disconnect", 1)
}
