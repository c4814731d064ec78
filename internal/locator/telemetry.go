package locator

import (
	"context"

	"github.com/banshee-data/marker.locator/internal/monitoring"
	"github.com/banshee-data/marker.locator/internal/telemetry"
)

// AcceptClient waits for the single telemetry client. With wait set it
// blocks until the client connects or ctx is cancelled and returns the
// accept error. Otherwise the accept runs in the background so frame
// acquisition is never held up, and the returned channel delivers its
// result.
func AcceptClient(ctx context.Context, srv *telemetry.Server, wait bool) (<-chan error, error) {
	result := make(chan error, 1)
	if wait {
		monitoring.Logf("Waiting for telemetry client on %s", srv.Addr())
		err := srv.AcceptOnce(ctx)
		result <- err
		return result, err
	}

	go func() {
		err := srv.AcceptOnce(ctx)
		if err != nil && ctx.Err() == nil {
			monitoring.Logf("Telemetry accept failed: %v", err)
		}
		result <- err
	}()
	return result, nil
}
