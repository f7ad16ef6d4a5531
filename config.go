package reliudp

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// UnreliableSizeBehaviour controls what happens when an unreliable message
// exceeds currentMTU (spec.md §6).
type UnreliableSizeBehaviour uint8

const (
	IgnoreMTU UnreliableSizeBehaviour = iota
	NormalFragmentation
	DropAboveMTU
)

// Config holds every tunable the library recognizes (spec.md §6). Field
// names mirror the spec's option names; durations use time.Duration and
// are expressed in the TOML file as Go duration strings ("4s", "25ms").
type Config struct {
	AppIdentifier string `toml:"app_identifier"`
	Port          uint16 `toml:"port"`

	MaximumTransmissionUnit int           `toml:"maximum_transmission_unit"`
	AutoExpandMTU           bool          `toml:"auto_expand_mtu"`
	ExpandMTUFrequency      time.Duration `toml:"expand_mtu_frequency"`
	ExpandMTUFailAttempts   uint8         `toml:"expand_mtu_fail_attempts"`

	PingInterval             time.Duration `toml:"ping_interval"`
	ConnectionTimeout         time.Duration `toml:"connection_timeout"`
	ResendHandshakeInterval   time.Duration `toml:"resend_handshake_interval"`
	MaximumHandshakeAttempts  uint8         `toml:"maximum_handshake_attempts"`

	DefaultOutgoingMessageCapacity int `toml:"default_outgoing_message_capacity"`

	UnreliableSizeBehaviour UnreliableSizeBehaviour `toml:"-"`

	AcceptIncomingConnections bool   `toml:"accept_incoming_connections"`
	MaximumConnections        uint32 `toml:"maximum_connections"`

	AutoFlushSendQueue bool `toml:"auto_flush_send_queue"`
	UseMessageRecycling bool `toml:"use_message_recycling"`

	// EnabledClasses gates which notification classes (spec.md §6) are
	// surfaced on the inbound queue; ClassData is always surfaced and is
	// not gated by this map.
	EnabledClasses map[MessageClass]bool `toml:"-"`
}

// maxMTUProbeSize is the protocol-defined probe cap, floor(65535/8) - 1
// (spec.md §6).
const maxMTUProbeSize = 65535/8 - 1

// DefaultConfig returns the spec-mandated defaults (spec.md §6).
func DefaultConfig() *Config {
	return &Config{
		MaximumTransmissionUnit:        1408,
		AutoExpandMTU:                  false,
		ExpandMTUFrequency:             2 * time.Second,
		ExpandMTUFailAttempts:          5,
		PingInterval:                   4 * time.Second,
		ConnectionTimeout:              25 * time.Second,
		ResendHandshakeInterval:        3 * time.Second,
		MaximumHandshakeAttempts:       5,
		DefaultOutgoingMessageCapacity: 64,
		UnreliableSizeBehaviour:        IgnoreMTU,
		AcceptIncomingConnections:      true,
		MaximumConnections:             0,
		AutoFlushSendQueue:             true,
		UseMessageRecycling:            true,
		EnabledClasses: map[MessageClass]bool{
			ClassStatusChanged: true,
			ClassErrorMessage:  true,
			ClassWarningMessage: true,
		},
	}
}

// LoadConfigFile decodes a TOML file over DefaultConfig's values, so an
// application-supplied file only needs to set the options it cares to
// override.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrap(err, "reliudp: load config file")
	}
	if cfg.MaximumTransmissionUnit < 512 {
		return nil, errors.Errorf("reliudp: maximum_transmission_unit %d below minimum 512", cfg.MaximumTransmissionUnit)
	}
	if cfg.MaximumTransmissionUnit > maxMTUProbeSize {
		return nil, errors.Errorf("reliudp: maximum_transmission_unit %d above probe cap %d", cfg.MaximumTransmissionUnit, maxMTUProbeSize)
	}
	return cfg, nil
}

// EnableClass turns on surfacing of a notification class on the inbound
// queue.
func (c *Config) EnableClass(class MessageClass) {
	if c.EnabledClasses == nil {
		c.EnabledClasses = make(map[MessageClass]bool)
	}
	c.EnabledClasses[class] = true
}

// DisableClass turns off surfacing of a notification class.
func (c *Config) DisableClass(class MessageClass) {
	delete(c.EnabledClasses, class)
}

func (c *Config) classEnabled(class MessageClass) bool {
	if class == ClassData {
		return true
	}
	return c.EnabledClasses[class]
}
