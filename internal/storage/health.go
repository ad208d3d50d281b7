package storage

import "context"

// HealthChecker reports object storage reachability for readiness probes.
type HealthChecker struct {
	objects ObjectStore
}

// NewHealthChecker wraps an ObjectStore for health reporting.
func NewHealthChecker(objects ObjectStore) *HealthChecker {
	return &HealthChecker{objects: objects}
}

// HealthCheck checks that the backing bucket is reachable.
func (h *HealthChecker) HealthCheck(ctx context.Context) error {
	return h.objects.Ping(ctx)
}
