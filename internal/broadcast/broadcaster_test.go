package broadcast

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type recordingTransport struct {
	mu     sync.Mutex
	frames []string
	gate   chan struct{}
	fail   bool
	closed bool
}

func (r *recordingTransport) Send(frame []byte) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broken pipe")
	}
	r.frames = append(r.frames, string(frame))
	return nil
}

func (r *recordingTransport) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *recordingTransport) snapshot() ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...), r.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func deltaFrame(rev uint64) Frame {
	return Frame{Revision: rev, Data: []byte(fmt.Sprintf("delta-%d", rev))}
}

func TestPublishDeliversSameOrderToEveryParticipant(t *testing.T) {
	b := New("s1", nil)
	p1 := &recordingTransport{}
	p2 := &recordingTransport{}
	b.Attach("p1", p1, 0)
	b.Attach("p2", p2, 0)

	for rev := uint64(1); rev <= 5; rev++ {
		b.Publish(deltaFrame(rev))
	}
	waitFor(t, func() bool {
		f1, _ := p1.snapshot()
		f2, _ := p2.snapshot()
		return len(f1) == 5 && len(f2) == 5
	})
	f1, _ := p1.snapshot()
	f2, _ := p2.snapshot()
	for i := range f1 {
		if f1[i] != f2[i] || f1[i] != fmt.Sprintf("delta-%d", i+1) {
			t.Fatalf("diverging delivery at %d: %v vs %v", i, f1, f2)
		}
	}
	outbox, _ := b.Outbox("p1")
	if outbox.Delivered() != 5 {
		t.Fatalf("expected delivered revision 5, got %d", outbox.Delivered())
	}
}

func TestOverflowCollapsesToSnapshotWithoutBlockingOthers(t *testing.T) {
	current := uint64(0)
	metrics := &Metrics{}
	b := New("s1", func() (Frame, error) {
		return Frame{Revision: current, Data: []byte(fmt.Sprintf("snapshot-%d", current))}, nil
	}, WithDepth(2), WithMetrics(metrics))
	slow := &recordingTransport{gate: make(chan struct{})}
	fast := &recordingTransport{}
	b.Attach("slow", slow, 0)
	b.Attach("fast", fast, 0)

	//1.- The slow writer is parked inside Send holding revision 1.
	current = 1
	b.Publish(deltaFrame(1))
	waitFor(t, func() bool {
		outbox, _ := b.Outbox("slow")
		return outbox.Pending() == 0
	})
	for rev := uint64(2); rev <= 6; rev++ {
		current = rev
		b.Publish(deltaFrame(rev))
	}
	waitFor(t, func() bool {
		outbox, _ := b.Outbox("fast")
		return outbox.Delivered() == 6
	})
	if metrics.Overflows.Load() == 0 {
		t.Fatalf("expected overflow to be recorded")
	}

	//2.- Releasing the reader yields the in-flight frame then a snapshot at the tip.
	close(slow.gate)
	waitFor(t, func() bool {
		outbox, _ := b.Outbox("slow")
		return outbox.Delivered() == 6
	})
	frames, _ := slow.snapshot()
	if frames[0] != "delta-1" {
		t.Fatalf("expected in-flight delta first, got %v", frames)
	}
	last := frames[len(frames)-1]
	if last != "snapshot-6" && last != "delta-6" {
		t.Fatalf("expected tip delivery last, got %v", frames)
	}
	seenSnapshot := false
	for _, frame := range frames {
		if frame == "snapshot-5" || frame == "snapshot-6" || frame == "snapshot-4" {
			seenSnapshot = true
		}
	}
	if !seenSnapshot {
		t.Fatalf("expected a snapshot frame, got %v", frames)
	}
}

func TestExpectReconcileFiresAfterTargetDelivered(t *testing.T) {
	b := New("s1", nil)
	transport := &recordingTransport{gate: make(chan struct{})}
	outbox := b.Attach("p1", transport, 3)

	reconciled := make(chan struct{})
	b.SendTo("p1", deltaFrame(4), deltaFrame(5))
	outbox.ExpectReconcile(5, func() { close(reconciled) })

	select {
	case <-reconciled:
		t.Fatalf("reconciled before delivery")
	case <-time.After(20 * time.Millisecond):
	}
	close(transport.gate)
	select {
	case <-reconciled:
	case <-time.After(2 * time.Second):
		t.Fatalf("reconcile callback not invoked")
	}

	//1.- An already satisfied target fires inline.
	fired := false
	outbox.ExpectReconcile(2, func() { fired = true })
	if !fired {
		t.Fatalf("expected inline reconcile")
	}
}

func TestDetachCancelsPendingAndCloseFlushes(t *testing.T) {
	b := New("s1", nil)
	gated := &recordingTransport{gate: make(chan struct{})}
	b.Attach("leaver", gated, 0)
	stayer := &recordingTransport{}
	b.Attach("stayer", stayer, 0)

	b.Publish(deltaFrame(1))
	b.Publish(deltaFrame(2))
	if _, ok := b.Detach("leaver"); !ok {
		t.Fatalf("expected detach to find outbox")
	}
	close(gated.gate)
	waitFor(t, func() bool {
		_, closed := gated.snapshot()
		return closed
	})
	frames, _ := gated.snapshot()
	if len(frames) > 1 {
		t.Fatalf("expected pending frames to be cancelled, got %v", frames)
	}

	b.Publish(Frame{Data: []byte("session_ended")})
	b.Close()
	waitFor(t, func() bool {
		frames, closed := stayer.snapshot()
		return closed && len(frames) == 3
	})
	if got := b.Participants(); len(got) != 0 {
		t.Fatalf("expected no participants after close, got %v", got)
	}
}

func TestSendFailureClosesTransport(t *testing.T) {
	metrics := &Metrics{}
	b := New("s1", nil, WithMetrics(metrics))
	broken := &recordingTransport{fail: true}
	outbox := b.Attach("p1", broken, 0)
	b.Publish(deltaFrame(1))

	select {
	case <-outbox.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("writer did not exit after send failure")
	}
	if _, closed := broken.snapshot(); !closed {
		t.Fatalf("expected transport to be closed")
	}
	if metrics.SendErrors.Load() != 1 {
		t.Fatalf("expected one send error, got %d", metrics.SendErrors.Load())
	}
}

func TestOverflowKeepsControlFramesAfterSnapshot(t *testing.T) {
	current := uint64(0)
	b := New("s1", func() (Frame, error) {
		return Frame{Revision: current, Data: []byte(fmt.Sprintf("snapshot-%d", current))}, nil
	}, WithDepth(3))
	slow := &recordingTransport{gate: make(chan struct{})}
	b.Attach("slow", slow, 0)

	current = 1
	b.Publish(deltaFrame(1))
	waitFor(t, func() bool {
		outbox, _ := b.Outbox("slow")
		return outbox.Pending() == 0
	})

	//1.- Fill the queue with a delta, its ack and the next delta, then overflow it.
	current = 2
	b.Publish(deltaFrame(2))
	b.SendTo("slow", Frame{Data: []byte("ack-2")})
	current = 3
	b.Publish(deltaFrame(3))
	current = 4
	b.Publish(deltaFrame(4))
	b.SendTo("slow", Frame{Data: []byte("ack-4")})

	close(slow.gate)
	waitFor(t, func() bool {
		frames, _ := slow.snapshot()
		return len(frames) == 4
	})
	frames, _ := slow.snapshot()
	want := []string{"delta-1", "snapshot-4", "ack-2", "ack-4"}
	for i := range want {
		if frames[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, frames)
		}
	}
	outbox, _ := b.Outbox("slow")
	if outbox.Delivered() != 4 {
		t.Fatalf("expected delivered revision 4, got %d", outbox.Delivered())
	}
}
