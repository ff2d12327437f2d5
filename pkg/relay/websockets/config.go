package websockets

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loftwire/relay/pkg/relay/registry"
)

const (
	// DefaultReadTimeout bounds the wait for the next client frame.
	// Clients are expected to ping well inside this window; a silent
	// connection is treated as dead.
	DefaultReadTimeout = 90 * time.Second

	// DefaultWriteTimeout bounds each outbound write so a slow or dead
	// client fails fast instead of wedging a broadcast.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultReadLimit caps inbound frame size.
	DefaultReadLimit = 32 * 1024
)

// ListenerConfig configures a WebSocket Listener. Use
// NewListenerConfig and chain the With* methods, then call Build.
//
// Example:
//
//	listener, err := websockets.NewListenerConfig().
//	    WithRegistry(reg).
//	    WithLogger(logger).
//	    WithAuth(websockets.RequireToken(verifier)).
//	    Build()
type ListenerConfig struct {
	registry     *registry.Registry
	logger       *zap.Logger
	auth         AuthFunc
	readTimeout  time.Duration
	writeTimeout time.Duration
	readLimit    int64
}

func NewListenerConfig() *ListenerConfig {
	return &ListenerConfig{
		auth:         TokenSubjectAuth,
		readTimeout:  DefaultReadTimeout,
		writeTimeout: DefaultWriteTimeout,
		readLimit:    DefaultReadLimit,
	}
}

// WithRegistry sets the connection registry sessions are tracked in.
// Required.
func (c *ListenerConfig) WithRegistry(r *registry.Registry) *ListenerConfig {
	c.registry = r
	return c
}

// WithLogger sets the logger. Required.
func (c *ListenerConfig) WithLogger(logger *zap.Logger) *ListenerConfig {
	c.logger = logger
	return c
}

// WithAuth replaces the default token-as-subject resolver.
func (c *ListenerConfig) WithAuth(auth AuthFunc) *ListenerConfig {
	if auth != nil {
		c.auth = auth
	}
	return c
}

// WithReadTimeout sets the per-frame read deadline. Zero disables it.
func (c *ListenerConfig) WithReadTimeout(timeout time.Duration) *ListenerConfig {
	if timeout >= 0 {
		c.readTimeout = timeout
	}
	return c
}

// WithWriteTimeout sets the per-frame write deadline.
func (c *ListenerConfig) WithWriteTimeout(timeout time.Duration) *ListenerConfig {
	if timeout > 0 {
		c.writeTimeout = timeout
	}
	return c
}

// WithReadLimit caps the size of inbound frames in bytes.
func (c *ListenerConfig) WithReadLimit(limit int64) *ListenerConfig {
	if limit > 0 {
		c.readLimit = limit
	}
	return c
}

// IsValid reports whether the required parameters are set.
func (c *ListenerConfig) IsValid() error {
	var missing []string
	if c.registry == nil {
		missing = append(missing, "Registry")
	}
	if c.logger == nil {
		missing = append(missing, "Logger")
	}
	if len(missing) > 0 {
		return fmt.Errorf("listener config missing required parameters: %v", missing)
	}
	return nil
}

// Build validates the configuration and returns the Listener.
func (c *ListenerConfig) Build() (*Listener, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}
	return newListener(c), nil
}
