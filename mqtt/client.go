package mqtt

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"elm327-diag/common"
	"elm327-diag/events"
	"elm327-diag/obd"
)

// Config представляет конфигурацию MQTT клиента
type Config struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`          // Адрес брокера, например "tcp://localhost:1883"
	Username       string        `mapstructure:"username"`        // Имя пользователя (опционально)
	Password       string        `mapstructure:"password"`        // Пароль (опционально)
	ClientID       string        `mapstructure:"client_id"`       // ID клиента (генерируется если пустой)
	DataTopic      string        `mapstructure:"data_topic"`      // Базовый топик для данных телеметрии
	CommandTopic   string        `mapstructure:"command_topic"`   // Базовый топик для команд
	QoS            byte          `mapstructure:"qos"`             // Quality of Service (0, 1, 2)
	KeepAlive      int           `mapstructure:"keep_alive"`      // Интервал keep alive в секундах
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"` // Таймаут подключения
	AutoReconnect  bool          `mapstructure:"auto_reconnect"`  // Автоматическое переподключение
	CommandTimeout time.Duration `mapstructure:"command_timeout"` // Таймаут выполнения удалённой команды
	QueueSize      int           `mapstructure:"queue_size"`      // Размер очереди исходящих сообщений
}

// generateClientID генерирует случайный ID клиента
func generateClientID() string {
	bytes := make([]byte, 4)
	rand.Read(bytes)
	return "elm327-diag-" + hex.EncodeToString(bytes)
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       generateClientID(),
		DataTopic:      "car/telemetry",
		CommandTopic:   "car/command",
		QoS:            1,
		KeepAlive:      60,
		ConnectTimeout: 10 * time.Second,
		AutoReconnect:  true,
		CommandTimeout: 15 * time.Second,
		QueueSize:      256,
	}
}

// DefaultMonitorInterval задаёт интервал для start_monitoring без interval_ms
const DefaultMonitorInterval = time.Second

// unknownVIN подставляется в топики, пока VIN не прочитан
const unknownVIN = "unknown"

// Команды, которые понимает клиент; всё остальное уходит адаптеру как есть
const (
	CommandReadDTCs        = "read_dtcs"
	CommandClearDTCs       = "clear_dtcs"
	CommandLiveData        = "live_data"
	CommandReadVIN         = "read_vin"
	CommandStatus          = "status"
	CommandAdapterInfo     = "adapter_info"
	CommandStartMonitoring = "start_monitoring"
	CommandStopMonitoring  = "stop_monitoring"
)

// TelemetryMessage представляет сообщение с данными телеметрии для MQTT
type TelemetryMessage struct {
	VIN       string        `json:"vin"`
	PID       string        `json:"pid"`
	Metric    string        `json:"metric"`
	Value     float64       `json:"value"`
	Unit      string        `json:"unit"`
	Timestamp time.Time     `json:"timestamp"`
	Source    common.Source `json:"source"`
}

// CommandMessage представляет входящую команду (используем общий тип)
type CommandMessage = common.CommandMessage

// CommandResponse представляет ответ на команду (используем общий тип)
type CommandResponse = common.CommandResponse

// Commander представляет операции сессии, доступные удалённо
type Commander interface {
	ReadDTCs(ctx context.Context) (common.DTCResult, error)
	ClearDTCs(ctx context.Context) (bool, error)
	ReadLiveData(ctx context.Context) (common.LiveTelemetrySample, error)
	ReadVIN(ctx context.Context) (common.VINResult, error)
	AdapterInfo(ctx context.Context) (common.AdapterInfo, error)
	ConnectionStatus() common.ConnectionStatus
	StartMonitoring(interval time.Duration)
	StopMonitoring()
	SendRaw(ctx context.Context, command string) (string, error)
}

type outgoing struct {
	topic    string
	retained bool
	payload  []byte
}

// Client представляет MQTT клиента
type Client struct {
	config     Config
	commander  Commander
	mqttClient mqttLib.Client
	newClient  func(*mqttLib.ClientOptions) mqttLib.Client
	outbox     chan outgoing
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	logger     *zap.Logger

	mu  sync.RWMutex
	vin string // VIN автомобиля (определяется после подключения)
}

// NewClient создает нового MQTT клиента
func NewClient(config Config, commander Commander, logger *zap.Logger) *Client {
	if config.ClientID == "" {
		config.ClientID = generateClientID()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = 15 * time.Second
	}

	return &Client{
		config:    config,
		commander: commander,
		newClient: mqttLib.NewClient,
		outbox:    make(chan outgoing, config.QueueSize),
		stopChan:  make(chan struct{}),
		logger:    logger.Named("mqtt"),
	}
}

// Start запускает MQTT клиента
func (c *Client) Start() error {
	c.logger.Info("Starting MQTT client", zap.String("broker", c.config.Broker))

	// Создаем опции подключения
	opts := mqttLib.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetKeepAlive(time.Duration(c.config.KeepAlive) * time.Second)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetAutoReconnect(c.config.AutoReconnect)

	// Устанавливаем аутентификацию если задана
	if c.config.Username != "" && c.config.Password != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
		c.logger.Info("MQTT authentication enabled")
	} else {
		c.logger.Info("MQTT authentication disabled (anonymous mode)")
	}

	// Последнее сообщение о статусе, если соединение оборвётся
	will, _ := json.Marshal(common.ConnectionEvent{State: common.StateDisconnected})
	opts.SetWill(c.statusTopic(), string(will), c.config.QoS, true)

	// Обработчики событий
	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(c.onConnectionLostHandler)
	opts.SetReconnectingHandler(c.onReconnectingHandler)

	c.mqttClient = c.newClient(opts)

	if token := c.mqttClient.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	// Цикл публикации запускается один раз, а не на каждое переподключение
	c.wg.Add(1)
	go c.publishLoop()

	c.logger.Info("MQTT client started")
	return nil
}

// Stop останавливает MQTT клиента. Повторный вызов безопасен.
func (c *Client) Stop() error {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping MQTT client")
		close(c.stopChan)
		c.wg.Wait()

		if c.mqttClient != nil && c.mqttClient.IsConnected() {
			c.mqttClient.Disconnect(1000)
			c.logger.Info("MQTT client disconnected")
		}
	})
	return nil
}

// onConnectHandler вызывается при успешном подключении к брокеру
func (c *Client) onConnectHandler(client mqttLib.Client) {
	c.logger.Info("Connected to MQTT broker")

	commandTopic := fmt.Sprintf("%s/+/request", c.config.CommandTopic)
	if token := client.Subscribe(commandTopic, c.config.QoS, c.onCommandReceived); token.Wait() && token.Error() != nil {
		c.logger.Error("Failed to subscribe to command topic", zap.String("topic", commandTopic), zap.Error(token.Error()))
		return
	}
	c.logger.Info("Subscribed to command topic", zap.String("topic", commandTopic))
}

// onConnectionLostHandler вызывается при потере соединения
func (c *Client) onConnectionLostHandler(client mqttLib.Client, err error) {
	c.logger.Warn("Connection lost", zap.Error(err))
}

// onReconnectingHandler вызывается при попытке переподключения
func (c *Client) onReconnectingHandler(client mqttLib.Client, opts *mqttLib.ClientOptions) {
	c.logger.Info("Attempting to reconnect to MQTT broker")
}

// onCommandReceived обрабатывает входящие команды. Выполнение идёт в отдельной
// горутине: колбэк paho не должен блокироваться на адаптере.
func (c *Client) onCommandReceived(client mqttLib.Client, msg mqttLib.Message) {
	c.logger.Debug("Received command", zap.String("topic", msg.Topic()))

	var cmd CommandMessage
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		c.logger.Warn("Failed to unmarshal command", zap.Error(err))
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.handleCommand(cmd)
	}()
}

// handleCommand выполняет команду и ставит ответ в очередь публикации
func (c *Client) handleCommand(cmd CommandMessage) {
	c.logger.Info("Processing command", zap.String("command", cmd.Command), zap.String("correlation_id", cmd.CorrelationID))

	ctx, cancel := context.WithTimeout(context.Background(), c.config.CommandTimeout)
	defer cancel()

	go func() {
		select {
		case <-c.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	result, err := c.dispatch(ctx, cmd)
	c.PublishCommandResponse(cmd.CorrelationID, "success", result, err)
}

// dispatch сопоставляет имя команды с операцией сессии
func (c *Client) dispatch(ctx context.Context, cmd CommandMessage) (interface{}, error) {
	name := strings.TrimSpace(cmd.Command)

	switch strings.ToLower(name) {
	case "":
		return nil, errors.New("empty command")
	case CommandReadDTCs:
		return c.commander.ReadDTCs(ctx)
	case CommandClearDTCs:
		return c.commander.ClearDTCs(ctx)
	case CommandLiveData:
		return c.commander.ReadLiveData(ctx)
	case CommandReadVIN:
		vin, err := c.commander.ReadVIN(ctx)
		if err == nil && vin.Source == common.SourceReal {
			c.SetVIN(vin.VIN)
		}
		return vin, err
	case CommandStatus:
		return c.commander.ConnectionStatus(), nil
	case CommandAdapterInfo:
		return c.commander.AdapterInfo(ctx)
	case CommandStartMonitoring:
		interval := time.Duration(cmd.IntervalMs) * time.Millisecond
		if interval <= 0 {
			interval = DefaultMonitorInterval
		}
		c.commander.StartMonitoring(interval)
		return c.commander.ConnectionStatus(), nil
	case CommandStopMonitoring:
		c.commander.StopMonitoring()
		return c.commander.ConnectionStatus(), nil
	}

	return c.commander.SendRaw(ctx, name)
}

// HandleEvent обрабатывает события шины
func (c *Client) HandleEvent(ev events.Event) {
	switch ev.Kind {
	case events.KindLiveData:
		if ev.LiveData == nil {
			return
		}
		for _, msg := range c.convertToTelemetryMessages(*ev.LiveData) {
			topic := fmt.Sprintf("%s/%s/%s", c.config.DataTopic, msg.VIN, msg.Metric)
			c.enqueue(topic, false, msg)
		}
	case events.KindConnection:
		if ev.Connection != nil {
			c.enqueue(c.statusTopic(), true, ev.Connection)
		}
	case events.KindDTC:
		if ev.DTCs != nil {
			c.enqueue(fmt.Sprintf("%s/%s/dtc", c.config.DataTopic, c.getVIN()), false, ev.DTCs)
		}
	}
}

// convertToTelemetryMessages раскладывает снимок на сообщения по метрикам
func (c *Client) convertToTelemetryMessages(sample common.LiveTelemetrySample) []TelemetryMessage {
	vin := c.getVIN()
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	values := obd.SampleValues(sample)
	messages := make([]TelemetryMessage, 0, len(values))
	for _, pid := range obd.SamplePIDs(sample) {
		messages = append(messages, TelemetryMessage{
			VIN:       vin,
			PID:       pid,
			Metric:    obd.GetMetricName(pid),
			Value:     values[pid],
			Unit:      obd.GetMetricUnit(pid),
			Timestamp: ts,
			Source:    sample.Source,
		})
	}
	return messages
}

// enqueue ставит сообщение в очередь; при переполнении сообщение отбрасывается
func (c *Client) enqueue(topic string, retained bool, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.String("topic", topic), zap.Error(err))
		return
	}

	select {
	case c.outbox <- outgoing{topic: topic, retained: retained, payload: payload}:
	default:
		c.logger.Warn("MQTT outbox full, dropping message", zap.String("topic", topic))
	}
}

// publishLoop публикует сообщения из очереди
func (c *Client) publishLoop() {
	defer c.wg.Done()
	c.logger.Debug("Starting publish loop")

	for {
		select {
		case <-c.stopChan:
			c.logger.Debug("Publish loop stopped")
			return
		case msg := <-c.outbox:
			if err := c.publish(msg); err != nil {
				c.logger.Warn("Failed to publish", zap.Error(err))
			}
		}
	}
}

func (c *Client) publish(msg outgoing) error {
	if c.mqttClient == nil || !c.mqttClient.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	token := c.mqttClient.Publish(msg.topic, c.config.QoS, msg.retained, msg.payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", msg.topic, token.Error())
	}

	c.logger.Debug("Published", zap.String("topic", msg.topic), zap.Int("bytes", len(msg.payload)))
	return nil
}

func (c *Client) statusTopic() string {
	return fmt.Sprintf("%s/%s/status", c.config.DataTopic, c.getVIN())
}

// SetVIN устанавливает VIN автомобиля
func (c *Client) SetVIN(vin string) {
	c.mu.Lock()
	c.vin = vin
	c.mu.Unlock()
	c.logger.Info("VIN set", zap.String("vin", vin))
}

func (c *Client) getVIN() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vin == "" {
		return unknownVIN
	}
	return c.vin
}

// IsConnected возвращает true если клиент подключен к брокеру
func (c *Client) IsConnected() bool {
	return c.mqttClient != nil && c.mqttClient.IsConnected()
}

// PublishCommandResponse ставит ответ на команду в очередь публикации
func (c *Client) PublishCommandResponse(correlationID, status string, result interface{}, err error) {
	response := CommandResponse{
		CorrelationID: correlationID,
		Status:        status,
		Result:        result,
		Timestamp:     time.Now(),
	}

	if err != nil {
		response.Status = "error"
		response.Result = nil
		response.Error = err.Error()
	}

	topic := fmt.Sprintf("%s/%s/response", c.config.CommandTopic, c.getVIN())
	c.enqueue(topic, false, response)
}
