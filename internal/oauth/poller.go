package oauth

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxPollInterval caps the backoff a slow_down response can push us to.
const maxPollInterval = 30 * time.Second

// poller drives the device-flow token polling for one pending flow as a
// cancellable scheduled task. Polls are strictly sequential: the next wait
// starts only after the previous poll returns, so a single-use device code
// is never polled concurrently.
type poller struct {
	flowState string // pending-flow state key
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once
}

// newPoller starts polling for the flow and returns the task handle. The
// manager stores the handle alongside the pending-flow record so
// cancellation is a first-class operation.
func (m *Manager) newPoller(flow *PendingFlow) *poller {
	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{
		flowState: flow.State,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go m.pollLoop(ctx, flow, p)
	return p
}

// stop cancels the task and waits for the loop to exit.
func (p *poller) stop() {
	p.stopOnce.Do(p.cancel)
	<-p.done
}

// pollLoop runs until success, a terminal failure, device-code expiry, or
// cancellation. It owns the flow's state transitions from
// PendingUserAction onward.
func (m *Manager) pollLoop(ctx context.Context, flow *PendingFlow, p *poller) {
	defer close(p.done)

	interval := time.Duration(flow.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	server := flow.Config.Key()

	for {
		select {
		case <-ctx.Done():
			log.Debugf("device poll for %s cancelled", server)
			return
		case <-time.After(interval):
		}

		if flow.Expired(time.Now()) {
			err := &DeviceCodeExpiredError{ServerName: server}
			m.failFlow(flow, StateExpired, err)
			return
		}

		token, outcome, err := m.pollDeviceToken(ctx, flow)
		switch outcome {
		case pollPending:
			m.publish(FlowEvent{
				FlowID: flow.ID, Server: server, FlowState: StatePendingUserAction,
				Message: "waiting for user authorization", PollInterval: int(interval.Seconds()), At: time.Now(),
			})
		case pollSlowDown:
			interval = time.Duration(float64(interval) * 1.5)
			if interval > maxPollInterval {
				interval = maxPollInterval
			}
			log.Debugf("provider asked %s poll to slow down, interval now %v", server, interval)
			m.publish(FlowEvent{
				FlowID: flow.ID, Server: server, FlowState: StatePendingUserAction,
				Message: "slowing down polling", PollInterval: int(interval.Seconds()), At: time.Now(),
			})
		case pollSuccess:
			m.completeDeviceFlow(flow, token)
			return
		case pollExpired:
			m.failFlow(flow, StateExpired, err)
			return
		case pollDenied:
			m.failFlow(flow, StateFailed, err)
			return
		case pollError:
			if ctx.Err() != nil {
				return
			}
			if IsCORSBlocked(err) {
				// The token endpoint is behind the same wall the
				// device-code endpoint may not have been. Switch the
				// flow to manual token entry instead of failing.
				m.switchToManualPoll(flow, err)
				return
			}
			m.failFlow(flow, StateFailed, err)
			return
		}
	}
}
