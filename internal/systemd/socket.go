package systemd

import (
	"fmt"
	"net"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
)

// Socket names expected in kportal.socket via FileDescriptorName=
const (
	PortalSocketName  = "portal"
	MetricsSocketName = "metrics"
)

// Listeners holds all systemd-activated listeners
type Listeners struct {
	Portal    net.Listener
	Metrics   net.Listener
	Activated bool
}

// GetListeners retrieves systemd socket-activated file descriptors
// Returns nil listeners if not running under socket activation
func GetListeners() (*Listeners, error) {
	listeners := &Listeners{
		Activated: false,
	}

	// Check if systemd socket activation is available
	fds := activation.Files(false) // false = don't unset env vars
	if len(fds) == 0 {
		return listeners, nil
	}

	listeners.Activated = true

	// Try to get listeners by name (requires systemd 227+)
	listenersMap, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}

	return fromNamed(listenersMap), nil
}

// fromNamed maps named file descriptors to the listener structure
func fromNamed(named map[string][]net.Listener) *Listeners {
	listeners := &Listeners{Activated: len(named) > 0}

	if lns, ok := named[PortalSocketName]; ok && len(lns) > 0 {
		listeners.Portal = lns[0]
	}

	if lns, ok := named[MetricsSocketName]; ok && len(lns) > 0 {
		listeners.Metrics = lns[0]
	}

	return listeners
}

// NotifyReady sends READY=1 notification to systemd
// This tells systemd that the service has finished starting up
func NotifyReady() error {
	// sent is false when not running under systemd; that is not an error
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		return fmt.Errorf("failed to send sd_notify: %w", err)
	}
	return nil
}

// NotifyStopping sends STOPPING=1 notification to systemd
// This tells systemd that the service is shutting down
func NotifyStopping() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		return fmt.Errorf("failed to send sd_notify stopping: %w", err)
	}
	return nil
}
