package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "tasklet/pkg/logx"
)

// notifier reports service state to systemd. Outside systemd (no
// NOTIFY_SOCKET) every call is a no-op.
type notifier interface {
	Notify(state string)
	WatchdogInterval() time.Duration
}

type sdNotifier struct{ log logx.Logger }

func (n sdNotifier) Notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("systemd notified", logx.String("state", state))
	}
}

// WatchdogInterval is half of WATCHDOG_USEC, or 0 when the watchdog is off.
func (n sdNotifier) WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("systemd watchdog config invalid", logx.Err(err))
		return 0
	}
	return d / 2
}

// watchdog pings systemd every interval while healthy reports true.
func watchdog(ctx context.Context, n notifier, every time.Duration, healthy func() bool) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy() {
				n.Notify(daemon.SdNotifyWatchdog)
			}
		}
	}
}
