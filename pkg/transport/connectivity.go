package transport

import (
	"context"
	"fmt"
)

// ConnectivityCheck validates the pipeline ring at boot, before any real
// traffic flows: every adjacent pair exchanges a dummy integer in both
// directions, and the first/last stages additionally close the ring. The
// even-ranked member of each pair sends first and the odd-ranked member
// replies, the ordering a rendezvous backend needs to avoid deadlocking the
// pair. Returns an error naming the first broken link.
func ConnectivityCheck(ctx context.Context, t Transport, nStages int) error {
	for s := 0; s < nStages-1; s++ {
		if err := roundTrip(ctx, t, s, s+1, "__conn_check__"); err != nil {
			return err
		}
	}
	if nStages > 1 {
		if err := roundTrip(ctx, t, nStages-1, 0, "__conn_check_ring_close__"); err != nil {
			return err
		}
	}
	return nil
}

// roundTrip exchanges one dummy scalar in each direction between ranks a
// and b, with the even rank of the pair sending first.
func roundTrip(ctx context.Context, t Transport, a, b int, tag string) error {
	even, odd := a, b
	if a%2 != 0 {
		even, odd = b, a
	}

	errCh := make(chan error, 2)
	go func() {
		if _, err := t.SendScalar(ctx, 1, even, odd, tag, false); err != nil {
			errCh <- fmt.Errorf("connectivity check %d->%d: %w", even, odd, err)
			return
		}
		errCh <- nil
	}()
	go func() {
		if _, _, err := t.RecvScalar(ctx, even, odd, tag, false); err != nil {
			errCh <- fmt.Errorf("connectivity check %d<-%d: %w", odd, even, err)
			return
		}
		if _, err := t.SendScalar(ctx, 1, odd, even, tag+"_reply", false); err != nil {
			errCh <- fmt.Errorf("connectivity check %d->%d: %w", odd, even, err)
			return
		}
		errCh <- nil
	}()
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			return err
		}
	}
	_, _, err := t.RecvScalar(ctx, odd, even, tag+"_reply", false)
	if err != nil {
		return fmt.Errorf("connectivity check %d<-%d reply: %w", even, odd, err)
	}
	return nil
}
