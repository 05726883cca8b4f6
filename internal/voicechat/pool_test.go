package voicechat

import (
	"context"
	"errors"
	"testing"
	"time"

	ttsmock "github.com/MrWong99/voicechat/pkg/provider/tts/mock"
)

func TestConnPool_RotatesAndBinds(t *testing.T) {
	prov := &ttsmock.Provider{}
	p, err := newConnPool(context.Background(), prov, 2)
	if err != nil {
		t.Fatalf("newConnPool: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	a, err := p.Acquire(ctx, "0")
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Acquire(ctx, "1")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two chats got the same slot while both were busy")
	}
	p.Release("0")
	p.Release("1")

	// The third chat wraps around to the first slot.
	c, err := p.Acquire(ctx, "2")
	if err != nil {
		t.Fatal(err)
	}
	if c != a {
		t.Error("expected rotation back to the first slot")
	}
	p.Release("2")
}

func TestConnPool_WaitsForPreviousUtterance(t *testing.T) {
	p, err := newConnPool(context.Background(), &ttsmock.Provider{}, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if _, err := p.Acquire(context.Background(), "0"); err != nil {
		t.Fatal(err)
	}

	acquired := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), "1")
		acquired <- err
	}()

	select {
	case <-acquired:
		t.Fatal("second chat acquired a busy slot")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release("0")
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire did not return after Release")
	}
}

func TestConnPool_AcquireHonoursContext(t *testing.T) {
	p, err := newConnPool(context.Background(), &ttsmock.Provider{}, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	_, _ = p.Acquire(context.Background(), "0")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx, "1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire = %v, want deadline exceeded", err)
	}
}

func TestConnPool_ConnectFailure(t *testing.T) {
	prov := &ttsmock.Provider{ConnectErr: errors.New("refused")}
	if _, err := newConnPool(context.Background(), prov, 2); !errors.Is(err, ErrVendor) {
		t.Errorf("newConnPool = %v, want ErrVendor", err)
	}
}

func TestConnPool_CloseClosesConnections(t *testing.T) {
	prov := &ttsmock.Provider{}
	p, err := newConnPool(context.Background(), prov, 3)
	if err != nil {
		t.Fatal(err)
	}
	p.Close()
	for i, c := range prov.Conns() {
		if c.CloseCalls() != 1 {
			t.Errorf("conn %d closed %d times", i, c.CloseCalls())
		}
	}
	if _, err := p.Acquire(context.Background(), "0"); err == nil {
		t.Error("Acquire after Close should fail")
	}
}
