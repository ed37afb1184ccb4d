package tele

import (
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/watertank/tanknode/helpers"
)

const (
	DefaultPort           = 1883
	DefaultBaseTopic      = "tank"
	DefaultNetworkTimeout = 10 * time.Second
	DefaultPublishPeriod  = 5 * time.Minute
)

type Config struct {
	Enable            bool   `hcl:"enable"`
	Broker            string `hcl:"broker"`
	Port              int    `hcl:"port"`
	ClientID          string `hcl:"client_id"`
	Username          string `hcl:"username"`
	Password          string `hcl:"password"`
	BaseTopic         string `hcl:"base_topic"`
	TankNumber        int    `hcl:"tank_number"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	PublishSec        int    `hcl:"publish_sec"`
	LogDebug          bool   `hcl:"log_debug"`
}

func (c *Config) Validate() error {
	if !c.Enable {
		return nil
	}
	if c.Broker == "" {
		return errors.NotValidf("tele broker empty")
	}
	if c.Port < 0 || c.Port > 0xffff {
		return errors.NotValidf("tele port=%d", c.Port)
	}
	if c.KeepaliveSec < 0 || c.KeepaliveSec > 0xffff {
		return errors.NotValidf("tele keepalive_sec=%d", c.KeepaliveSec)
	}
	return nil
}

func (c *Config) port() uint16 {
	if c.Port == 0 {
		return DefaultPort
	}
	return uint16(c.Port)
}

func (c *Config) topic(leaf string) string {
	base := c.BaseTopic
	if base == "" {
		base = DefaultBaseTopic
	}
	return fmt.Sprintf("%s/%d/%s", base, c.TankNumber, leaf)
}

func (c *Config) networkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout)
}

func (c *Config) PublishPeriod() time.Duration {
	return helpers.IntSecondDefault(c.PublishSec, DefaultPublishPeriod)
}
