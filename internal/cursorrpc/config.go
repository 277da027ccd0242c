package cursorrpc

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config controls the cursor gRPC server.
type Config struct {
	// Addr is "unix:///path/to.sock" or a TCP "host:port".
	Addr string
	// IdleTimeout closes sessions that made no call for this long. Zero
	// keeps sessions until the client closes them.
	IdleTimeout time.Duration
}

func splitAddr(addr string) (network, address string) {
	addr = strings.TrimSpace(addr)
	switch {
	case strings.HasPrefix(addr, "unix://"):
		return "unix", strings.TrimPrefix(addr, "unix://")
	case strings.HasPrefix(addr, "unix:"):
		return "unix", strings.TrimPrefix(addr, "unix:")
	default:
		return "tcp", addr
	}
}

func listen(addr string) (net.Listener, error) {
	network, address := splitAddr(addr)
	if network == "unix" {
		if err := os.MkdirAll(filepath.Dir(address), 0o755); err != nil {
			return nil, err
		}
		_ = os.Remove(address)
	}
	return net.Listen(network, address)
}
