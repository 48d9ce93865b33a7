package wear

import (
	"errors"
	"strings"
)

// ConnectionID keys a connection in a registry.
type ConnectionID string

// ConnectionConfig identifies a connection and the path namespace it uses.
type ConnectionConfig struct {
	ID        ConnectionID
	AppID     string
	Namespace string
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *ConnectionConfig) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
}

// Validate checks if the configuration is valid
func (c *ConnectionConfig) Validate() error {
	if c.ID == "" {
		return errors.New("connection ID cannot be empty")
	}
	if !strings.HasPrefix(c.Namespace, "/") {
		return errors.New("namespace must start with /")
	}
	if len(c.Namespace) > 1 && strings.HasSuffix(c.Namespace, "/") {
		return errors.New("namespace must not end with /")
	}
	return nil
}
