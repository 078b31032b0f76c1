package monitoring

import (
	"context"
	"fmt"
	"time"

	"kioskrtc/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddSignalingCheck reports unhealthy while the relay channel is down. A
// refused identity is reported with the relay's reason.
func (h *HealthChecker) AddSignalingCheck(state func() (domain.SignalingState, string)) {
	h.AddCheck("signaling", func(context.Context) (bool, error) {
		current, blockReason := state()
		if blockReason != "" {
			return false, fmt.Errorf("identity refused: %s", blockReason)
		}
		if current != domain.SignalingConnected {
			return false, fmt.Errorf("signaling %s", current)
		}
		return true, nil
	}, time.Second)
}

// GetReadinessStatus returns readiness status for load balancer
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}

// IsReady checks if the endpoint is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
