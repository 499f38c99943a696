package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"elm327-diag/feed"
	"elm327-diag/logging"
	"elm327-diag/mqtt"
	"elm327-diag/sink"
)

// EnvPrefix задаёт префикс переменных окружения (OBD_ADAPTER_TYPE, OBD_MQTT_BROKER, ...)
const EnvPrefix = "OBD"

// Типы адаптера
const (
	AdapterBLE      = "ble"
	AdapterRFCOMM   = "rfcomm"
	AdapterSerial   = "serial"
	AdapterEmulator = "emulator"
)

type Config struct {
	Demo    bool           `mapstructure:"demo"`
	Adapter AdapterConfig  `mapstructure:"adapter"`
	Monitor MonitorConfig  `mapstructure:"monitor"`
	DTC     DTCConfig      `mapstructure:"dtc"`
	MQTT    mqtt.Config    `mapstructure:"mqtt"`
	Sink    sink.Config    `mapstructure:"sink"`
	Feed    feed.Config    `mapstructure:"feed"`
	Log     logging.Config `mapstructure:"log"`
}

type AdapterConfig struct {
	Type             string        `mapstructure:"type"`
	DevicePath       string        `mapstructure:"device_path"`
	BaudRate         int           `mapstructure:"baud_rate"`
	NamePrefixes     []string      `mapstructure:"name_prefixes"`
	ScanTimeout      time.Duration `mapstructure:"scan_timeout"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	VINTimeout       time.Duration `mapstructure:"vin_timeout"`
	PromptGrace      time.Duration `mapstructure:"prompt_grace"`
	ResyncTimeout    time.Duration `mapstructure:"resync_timeout"`
	InitPause        time.Duration `mapstructure:"init_pause"`
	InitCommands     []string      `mapstructure:"init_commands"`
	HandshakeRetries int           `mapstructure:"handshake_retries"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
}

type MonitorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	PIDs     []string      `mapstructure:"pids"`
}

type DTCConfig struct {
	File string `mapstructure:"file"` // дополнительная база кодов в YAML
}

// setDefaults задаёт значения по умолчанию для всех ключей: без них
// viper не видит переменные окружения для ключей, отсутствующих в файле
func setDefaults(v *viper.Viper) {
	v.SetDefault("demo", false)

	v.SetDefault("adapter.type", AdapterRFCOMM)
	v.SetDefault("adapter.device_path", "/dev/rfcomm0")
	v.SetDefault("adapter.baud_rate", 38400)
	v.SetDefault("adapter.name_prefixes", []string{"OBDII", "OBD2", "ELM327", "V-LINK", "VEEPEAK", "KONNWEI"})
	v.SetDefault("adapter.scan_timeout", 10*time.Second)
	v.SetDefault("adapter.command_timeout", 2*time.Second)
	v.SetDefault("adapter.reset_timeout", 5*time.Second)
	v.SetDefault("adapter.vin_timeout", 5*time.Second)
	v.SetDefault("adapter.prompt_grace", 200*time.Millisecond)
	v.SetDefault("adapter.resync_timeout", 500*time.Millisecond)
	v.SetDefault("adapter.init_pause", 100*time.Millisecond)
	v.SetDefault("adapter.init_commands", []string{"ATZ", "ATE0", "ATL0", "ATH0", "ATS0", "ATSP0"})
	v.SetDefault("adapter.handshake_retries", 1)
	v.SetDefault("adapter.reconnect_max", time.Minute)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval", time.Second)
	v.SetDefault("monitor.pids", []string{"010C", "010D", "0105", "012F", "0111", "010F", "010B", "0110", "0104"})

	v.SetDefault("dtc.file", "")

	m := mqtt.DefaultConfig()
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", m.Broker)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.data_topic", m.DataTopic)
	v.SetDefault("mqtt.command_topic", m.CommandTopic)
	v.SetDefault("mqtt.qos", m.QoS)
	v.SetDefault("mqtt.keep_alive", m.KeepAlive)
	v.SetDefault("mqtt.connect_timeout", m.ConnectTimeout)
	v.SetDefault("mqtt.auto_reconnect", m.AutoReconnect)
	v.SetDefault("mqtt.command_timeout", m.CommandTimeout)
	v.SetDefault("mqtt.queue_size", m.QueueSize)

	s := sink.DefaultConfig()
	v.SetDefault("sink.type", s.Type)
	v.SetDefault("sink.workers", s.Workers)
	v.SetDefault("sink.buffer", s.Buffer)
	v.SetDefault("sink.kinds", []string{})
	v.SetDefault("sink.kafka.brokers", s.Kafka.Brokers)
	v.SetDefault("sink.kafka.topic", s.Kafka.Topic)
	v.SetDefault("sink.rabbitmq.url", s.RabbitMQ.URL)
	v.SetDefault("sink.rabbitmq.virtual_host", "")
	v.SetDefault("sink.rabbitmq.exchange", s.RabbitMQ.Exchange)
	v.SetDefault("sink.rabbitmq.routing_key", s.RabbitMQ.RoutingKey)
	v.SetDefault("sink.rabbitmq.queue_name", "")

	f := feed.DefaultConfig()
	v.SetDefault("feed.enabled", false)
	v.SetDefault("feed.listen_addr", f.ListenAddr)

	l := logging.DefaultConfig()
	v.SetDefault("log.level", l.Level)
	v.SetDefault("log.format", l.Format)
	v.SetDefault("log.filename", "")
	v.SetDefault("log.max_size", l.MaxSize)
	v.SetDefault("log.max_backups", l.MaxBackups)
	v.SetDefault("log.max_age", l.MaxAge)
	v.SetDefault("log.compress", false)
}

// Load читает конфигурацию: значения по умолчанию, затем config.yaml
// (или файл из --config), затем переменные окружения OBD_*, затем флаги.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("elm327-diag", pflag.ContinueOnError)
	path := fs.StringP("config", "c", "", "path to config file (default ./config.yaml)")
	fs.Bool("demo", false, "run against the built-in adapter emulator")
	fs.String("adapter", "", "adapter type: ble, rfcomm, serial, emulator")
	fs.String("log-level", "", "log level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if *path != "" {
		v.SetConfigFile(*path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	if err := v.BindPFlag("demo", fs.Lookup("demo")); err != nil {
		return nil, err
	}
	if f := fs.Lookup("adapter"); f.Changed {
		v.Set("adapter.type", f.Value.String())
	}
	if f := fs.Lookup("log-level"); f.Changed {
		v.Set("log.level", f.Value.String())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Demo {
		cfg.Adapter.Type = AdapterEmulator
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет согласованность значений
func (c *Config) Validate() error {
	switch c.Adapter.Type {
	case AdapterBLE, AdapterRFCOMM, AdapterSerial, AdapterEmulator:
	default:
		return fmt.Errorf("unknown adapter type %q", c.Adapter.Type)
	}
	if c.Adapter.CommandTimeout <= 0 {
		return errors.New("adapter.command_timeout must be positive")
	}
	if c.Monitor.Interval <= 0 {
		return errors.New("monitor.interval must be positive")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	return nil
}
