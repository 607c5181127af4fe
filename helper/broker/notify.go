// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package broker

import (
	"fmt"
	"time"
)

// GenericNotifier allows a process to callers to subscribe to notifications of
// an update event. The update is performed by calling Notify and does not
// carry structured data; each waiter receives the string message passed to
// Notify or a timeout message.
type GenericNotifier struct {

	// publishCh is the channel used to receive the update which will be
	// sent to all subscribers.
	publishCh chan string

	// subscribeCh and unsubscribeCh are the channels used to modify the
	// subscription membership mapping.
	subscribeCh   chan chan string
	unsubscribeCh chan chan string
}

// NewGenericNotifier returns a generic notifier which can be used by a process
// to notify many subscribers when a specific update is triggered.
func NewGenericNotifier() *GenericNotifier {
	return &GenericNotifier{
		publishCh:     make(chan string, 1),
		subscribeCh:   make(chan chan string, 1),
		unsubscribeCh: make(chan chan string, 1),
	}
}

// Notify allows the implementer to notify all subscribers with a specific
// update. There is no guarantee the order in which subscribers receive the
// message which is sent linearly.
func (g *GenericNotifier) Notify(msg string) {
	select {
	case g.publishCh <- msg:
	default:
	}
}

// Run is a long-lived process which handles updating subscribers as well as
// ensuring any update is sent to them. The passed stopCh is used to coordinate
// shutdown.
func (g *GenericNotifier) Run(stopCh <-chan struct{}) {

	// Store our subscribers inline with a map. This map can only be accessed
	// via a single channel update at a time, meaning we can manipulate this
	// without a lock.
	subscribers := map[chan string]struct{}{}

	for {
		select {
		case <-stopCh:
			return
		case msgCh := <-g.subscribeCh:
			subscribers[msgCh] = struct{}{}
		case msgCh := <-g.unsubscribeCh:
			delete(subscribers, msgCh)
		case update := <-g.publishCh:
			for subscriberCh := range subscribers {

				// The subscribers channel is buffered, otherwise we block
				// here and could cause problems to any waiter which has
				// timed out but not yet unsubscribed.
				select {
				case subscriberCh <- update:
				default:
				}
			}
		}
	}
}

// WaitForChange allows a subscriber to wait until there is a notification
// change, or the timeout is reached. The function will block until one
// condition is met.
func (g *GenericNotifier) WaitForChange(timeout time.Duration) string {

	// Create a channel and subscribe to any update. This channel is buffered
	// to ensure we do not block the main broker process.
	updateCh := make(chan string, 1)
	g.subscribeCh <- updateCh

	// Create a timeout timer and ensure we clean up after ourselves once we
	// no longer need to wait.
	timeoutTimer := time.NewTimer(timeout)
	defer func() {
		timeoutTimer.Stop()
		g.unsubscribeCh <- updateCh
	}()

	// Enter the main loop which listens for an update or timeout and returns
	// this information to the subscriber.
	select {
	case <-timeoutTimer.C:
		return fmt.Sprintf("wait timed out after %s", timeout)
	case update := <-updateCh:
		return update
	}
}
