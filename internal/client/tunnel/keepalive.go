package tunnel

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/essajiwa/hooklab/internal/metrics"
	"github.com/essajiwa/hooklab/pkg/protocol"
)

// keepalive sends a heartbeat every HeartbeatInterval. A heartbeat whose ack
// has not arrived when the next one is due counts as a miss; after
// maxMissedHeartbeats consecutive misses the channel is lost.
func (c *Channel) keepalive() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		if id, _ := c.heartbeatID.Load().(string); id != "" {
			misses++
			metrics.HeartbeatMisses.Inc()
			c.log.Warn("Heartbeat not acknowledged", "missed", misses, "last_activity", c.LastActivity())
		} else {
			misses = 0
		}

		if misses >= maxMissedHeartbeats {
			c.shutdown(ErrHeartbeatTimeout)
			return
		}

		msg, err := protocol.NewControlMessage(protocol.MsgTypeHeartbeat, uuid.New().String(), nil)
		if err != nil {
			c.log.Error("Building heartbeat", "error", err)
			continue
		}

		c.heartbeatID.Store(msg.RequestID)
		if err := c.send(msg); err != nil {
			c.shutdown(fmt.Errorf("sending heartbeat: %w", err))
			return
		}
	}
}
