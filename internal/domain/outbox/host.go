package outbox

import (
	"context"
	"sync"

	"outboxd/pkg/logger"
)

// Host is the Lifecycle Host (spec §4, component 6): it starts the
// dispatcher and stops it cooperatively on cancellation, mirroring the
// graceful worker shutdown in the reference codebase's cmd/worker.
type Host struct {
	dispatcher *Dispatcher
	log        *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHost wraps dispatcher in a stoppable lifecycle.
func NewHost(dispatcher *Dispatcher, log *logger.Logger) *Host {
	return &Host{dispatcher: dispatcher, log: log.WithComponent("outbox-host")}
}

// Start runs the dispatcher until ctx is cancelled or Stop is called.
// It blocks until the dispatcher loop has exited.
func (h *Host) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	h.done = make(chan struct{})
	h.mu.Unlock()

	defer close(h.done)
	h.dispatcher.Run(runCtx)
}

// Stop requests cooperative shutdown and waits for Start to return.
func (h *Host) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	done := h.done
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	h.log.Info("stopping outbox dispatcher")
	cancel()
	<-done
}
