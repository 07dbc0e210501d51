package redisstream

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Group prefixes the consumer group websocket forwarders read with.
	Group string `yaml:"group"`
	// Instance names this server process. Every instance reads through its own group so each
	// one receives every event of a channel. Empty means a random id picked at startup.
	Instance string `yaml:"instance"`
	// Consumer prefixes the per-channel consumer name.
	Consumer string `yaml:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled:  false,
		Addr:     "localhost:6379",
		Group:    "chat-ui",
		Consumer: "ui-1",
	}
}

func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("redis: addr is required when enabled")
	}
	if strings.TrimSpace(s.Group) == "" {
		return errors.New("redis: group is required when enabled")
	}
	return nil
}

// WithInstance returns a copy with Instance filled in when it was left empty.
func (s Settings) WithInstance() Settings {
	if strings.TrimSpace(s.Instance) == "" {
		s.Instance = uuid.NewString()
	}
	return s
}

// InstanceGroup names the consumer group of this instance.
func (s Settings) InstanceGroup() string {
	if strings.TrimSpace(s.Instance) == "" {
		return s.Group
	}
	return s.Group + ":" + s.Instance
}

// ConsumerFor names the consumer that forwards one channel.
func (s Settings) ConsumerFor(channel string) string {
	consumer := s.Consumer
	if consumer == "" {
		consumer = "ui"
	}
	return consumer + ":" + channel
}
