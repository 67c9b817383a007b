package transport

import (
	"context"
	"testing"

	"github.com/pipeflow/pipeflow/pkg/stagemodule"
)

func TestSendRecvSync(t *testing.T) {
	ctx := context.Background()
	tr := NewInProcess()
	src := stagemodule.NewTensor([]int{2, 2}, stagemodule.Float32, false)
	src.Data[0] = 1
	src.Data[3] = 4

	done := make(chan error, 1)
	go func() {
		_, err := tr.Send(ctx, src, 0, 1, "act", false)
		done <- err
	}()

	dst := stagemodule.NewTensor([]int{2, 2}, stagemodule.Float32, false)
	if _, err := tr.Recv(ctx, dst, 0, 1, "act", false); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}
	if dst.Data[0] != 1 || dst.Data[3] != 4 {
		t.Errorf("unexpected data: %v", dst.Data)
	}
}

func TestSendRecvAsync(t *testing.T) {
	ctx := context.Background()
	tr := NewInProcess()
	src := stagemodule.NewTensor([]int{3}, stagemodule.Float32, false)
	src.Data[1] = 9

	dst := stagemodule.NewTensor([]int{3}, stagemodule.Float32, false)
	recvH, err := tr.Recv(ctx, dst, 0, 1, "act", true)
	if err != nil {
		t.Fatalf("recv post: %v", err)
	}
	sendH, err := tr.Send(ctx, src, 0, 1, "act", true)
	if err != nil {
		t.Fatalf("send post: %v", err)
	}
	if err := sendH.Wait(ctx); err != nil {
		t.Fatalf("send wait: %v", err)
	}
	if err := recvH.Wait(ctx); err != nil {
		t.Fatalf("recv wait: %v", err)
	}
	if dst.Data[1] != 9 {
		t.Errorf("expected data copied, got %v", dst.Data)
	}
}

func TestScalarRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := NewInProcess()
	go func() {
		_, _ = tr.SendScalar(ctx, 42, 0, 1, "step", false)
	}()
	v, _, err := tr.RecvScalar(ctx, 0, 1, "step", false)
	if err != nil {
		t.Fatalf("recv scalar: %v", err)
	}
	if v != 42 {
		t.Errorf("got %d, want 42", v)
	}
}

func TestBoolRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := NewInProcess()
	go func() {
		_, _ = tr.SendBool(ctx, true, 3, 0, "terminate", false)
	}()
	v, _, err := tr.RecvBool(ctx, 3, 0, "terminate", false)
	if err != nil {
		t.Fatalf("recv bool: %v", err)
	}
	if !v {
		t.Error("expected true")
	}
}

func TestConnectivityCheckRing(t *testing.T) {
	ctx := context.Background()
	tr := NewInProcess()
	if err := ConnectivityCheck(ctx, tr, 4); err != nil {
		t.Fatalf("connectivity check failed: %v", err)
	}
}

func TestConnectivityCheckSingleStage(t *testing.T) {
	ctx := context.Background()
	tr := NewInProcess()
	if err := ConnectivityCheck(ctx, tr, 1); err != nil {
		t.Fatalf("connectivity check failed: %v", err)
	}
}
