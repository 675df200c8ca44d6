package bus

import (
	"fmt"
	"log"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config describes the optional event mirror: which brokers to publish
// accepted deliveries to and which routing rules select the topics.
type Config struct {
	Enabled      bool               `yaml:"enabled"`
	Driver       string             `yaml:"driver"`
	Drivers      []string           `yaml:"drivers"`
	Topic        string             `yaml:"topic"`
	GoChannel    GoChannelConfig    `yaml:"gochannel"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	NATS         NATSConfig         `yaml:"nats"`
	AMQP         AMQPConfig         `yaml:"amqp"`
	SQL          SQLConfig          `yaml:"sql"`
	HTTP         HTTPConfig         `yaml:"http"`
	RiverQueue   RiverQueueConfig   `yaml:"riverqueue"`
	PublishRetry PublishRetryConfig `yaml:"publish_retry"`
	DLQDriver    string             `yaml:"dlq_driver"`
	Rules        []Rule             `yaml:"rules"`
	Strict       bool               `yaml:"rules_strict"`
}

// GoChannelConfig holds configuration for the in-process pub/sub.
type GoChannelConfig struct {
	OutputChannelBuffer            int64 `yaml:"output_buffer"`
	Persistent                     bool  `yaml:"persistent"`
	BlockPublishUntilSubscriberAck bool  `yaml:"block_publish_until_subscriber_ack"`
}

// KafkaConfig holds configuration for the Kafka publisher.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// NATSConfig holds configuration for the NATS Streaming publisher.
type NATSConfig struct {
	ClusterID string `yaml:"cluster_id"`
	ClientID  string `yaml:"client_id"`
	URL       string `yaml:"url"`
}

// AMQPConfig holds configuration for the AMQP publisher.
type AMQPConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

// SQLConfig holds configuration for the SQL outbox publisher.
type SQLConfig struct {
	Driver               string `yaml:"driver"`
	DSN                  string `yaml:"dsn"`
	Dialect              string `yaml:"dialect"`
	AutoInitializeSchema bool   `yaml:"auto_initialize_schema"`
}

// HTTPConfig holds configuration for the HTTP forwarder.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
	Mode    string `yaml:"mode"`
}

// RiverQueueConfig holds configuration for the River job insert publisher.
type RiverQueueConfig struct {
	Driver      string   `yaml:"driver"`
	DSN         string   `yaml:"dsn"`
	Table       string   `yaml:"table"`
	Queue       string   `yaml:"queue"`
	Kind        string   `yaml:"kind"`
	MaxAttempts int      `yaml:"max_attempts"`
	Priority    int      `yaml:"priority"`
	Tags        []string `yaml:"tags"`
}

// PublishRetryConfig bounds per-publish retries before a delivery is given
// up on or routed to the dead letter driver.
type PublishRetryConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

// RulesConfig carries the routing rules handed to NewRuleEngine.
type RulesConfig struct {
	Rules  []Rule `yaml:"rules"`
	Strict bool   `yaml:"rules_strict"`
	Logger *log.Logger
}

// EmitList accepts either a single topic string or a list of topics in YAML.
type EmitList []string

func (e *EmitList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*e = EmitList{s}
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*e = EmitList(list)
	default:
		return fmt.Errorf("emit must be a string or a list of strings")
	}
	return nil
}

// Rule routes matching events to one or more topics, optionally restricted
// to a subset of the configured drivers.
type Rule struct {
	When    string   `yaml:"when"`
	Emit    EmitList `yaml:"emit"`
	Drivers []string `yaml:"drivers"`
}

// ApplyDefaults fills zero fields with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Driver == "" && len(c.Drivers) == 0 {
		c.Driver = "gochannel"
	}
	if c.Topic == "" {
		c.Topic = "relay.events"
	}
	if c.GoChannel.OutputChannelBuffer == 0 {
		c.GoChannel.OutputChannelBuffer = 64
	}
	if c.HTTP.Mode == "" {
		c.HTTP.Mode = "topic_url"
	}
	if c.RiverQueue.Table == "" {
		c.RiverQueue.Table = "river_job"
	}
	if c.RiverQueue.Queue == "" {
		c.RiverQueue.Queue = "default"
	}
	if c.RiverQueue.Kind == "" {
		c.RiverQueue.Kind = "prrelay.event"
	}
	if c.RiverQueue.MaxAttempts == 0 {
		c.RiverQueue.MaxAttempts = 25
	}
	if c.PublishRetry.Attempts == 0 {
		c.PublishRetry.Attempts = 3
	}
	if c.PublishRetry.DelayMS == 0 {
		c.PublishRetry.DelayMS = 500
	}
}

// NormalizeRules trims rule fields and rejects rules missing a condition or
// a topic.
func NormalizeRules(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i := range rules {
		rule := rules[i]
		rule.When = strings.TrimSpace(rule.When)
		emit := make(EmitList, 0, len(rule.Emit))
		for _, topic := range rule.Emit {
			if trimmed := strings.TrimSpace(topic); trimmed != "" {
				emit = append(emit, trimmed)
			}
		}
		rule.Emit = emit
		if rule.When == "" || len(rule.Emit) == 0 {
			return nil, fmt.Errorf("rule %d is missing when or emit", i)
		}
		if len(rule.Drivers) > 0 {
			drivers := make([]string, 0, len(rule.Drivers))
			for _, driver := range rule.Drivers {
				if trimmed := strings.TrimSpace(driver); trimmed != "" {
					drivers = append(drivers, trimmed)
				}
			}
			rule.Drivers = drivers
		}
		out = append(out, rule)
	}
	return out, nil
}
