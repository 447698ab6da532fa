package ws

import (
	"context"
	"time"
)

// heartbeatInterval gives a dead connection at most two sweeps (60s) before
// termination, with no per-client timer.
const heartbeatInterval = 30 * time.Second

// RunHeartbeat sweeps the client set until ctx is cancelled. A client that
// did not pong since the last sweep is terminated; everyone else is marked
// not-alive and pinged. The peer's pong flips the flag back.
func (h *Hub) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		all = append(all, client)
	}
	h.mu.RUnlock()

	for _, client := range all {
		if !client.isAlive.Load() {
			h.log.Info("heartbeat timeout; terminating client", "id", client.ID)
			client.Terminate()
			continue
		}
		client.isAlive.Store(false)
		if err := client.ping(); err != nil {
			h.log.Warn("ping failed; terminating client", "id", client.ID, "error", err)
			client.Terminate()
		}
	}
}
