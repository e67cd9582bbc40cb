package ws

import (
	"time"

	"github.com/artcafeai/agentmq/pkg/devbus"
)

func devbusTokens() devbus.Option {
	return devbus.WithTokens([]byte("test-secret"), time.Hour)
}
