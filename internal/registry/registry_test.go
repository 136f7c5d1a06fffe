package registry

import (
	"fmt"
	"sync"
	"testing"
)

type stubTransport struct{ id string }

func (s *stubTransport) Send([]byte) error { return nil }
func (s *stubTransport) Close() error      { return nil }

func TestRegisterReturnsPreviousHandle(t *testing.T) {
	reg := New()
	first := &stubTransport{id: "first"}
	second := &stubTransport{id: "second"}

	if prev := reg.Register("s1", "p1", first); prev != nil {
		t.Fatalf("expected no previous handle, got %v", prev)
	}
	if prev := reg.Register("s1", "p1", second); prev != first {
		t.Fatalf("expected first handle to be returned, got %v", prev)
	}
	got, ok := reg.Lookup("s1", "p1")
	if !ok || got != second {
		t.Fatalf("expected second handle to be live, got %v %v", got, ok)
	}
}

func TestUnregisterIgnoresStaleHandleAndFiresHook(t *testing.T) {
	var fired []string
	reg := New(WithDisconnectHook(func(sessionID, participantID string) {
		fired = append(fired, sessionID+"/"+participantID)
	}))
	stale := &stubTransport{id: "stale"}
	live := &stubTransport{id: "live"}
	reg.Register("s1", "p1", stale)
	reg.Register("s1", "p1", live)

	//1.- The replaced handle closing must not tear down the new connection.
	if reg.Unregister("s1", "p1", stale) {
		t.Fatalf("stale unregister should be ignored")
	}
	if len(fired) != 0 {
		t.Fatalf("hook fired for stale handle: %v", fired)
	}
	//2.- The live handle closing removes the entry and notifies recovery.
	if !reg.Unregister("s1", "p1", live) {
		t.Fatalf("expected live unregister to succeed")
	}
	if len(fired) != 1 || fired[0] != "s1/p1" {
		t.Fatalf("unexpected hook calls: %v", fired)
	}
	if _, ok := reg.Lookup("s1", "p1"); ok {
		t.Fatalf("expected entry to be gone")
	}
}

func TestRemoveAndReleaseSkipHook(t *testing.T) {
	fired := 0
	reg := New(WithShards(2), WithDisconnectHook(func(string, string) { fired++ }))
	reg.Register("s1", "p1", &stubTransport{})
	reg.Register("s1", "p2", &stubTransport{})
	reg.Register("s2", "p3", &stubTransport{})

	if reg.Remove("s1", "p1") == nil {
		t.Fatalf("expected removed transport")
	}
	if got := reg.Participants("s1"); len(got) != 1 || got[0] != "p2" {
		t.Fatalf("unexpected participants: %v", got)
	}
	if released := reg.ReleaseSession("s1"); len(released) != 1 {
		t.Fatalf("expected one released transport, got %d", len(released))
	}
	if fired != 0 {
		t.Fatalf("hook should not fire on remove or release, fired %d", fired)
	}
	if reg.Count() != 1 {
		t.Fatalf("expected one remaining entry, got %d", reg.Count())
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := fmt.Sprintf("s%d", i%4)
			participant := fmt.Sprintf("p%d", i)
			transport := &stubTransport{id: participant}
			reg.Register(session, participant, transport)
			reg.Lookup(session, participant)
			reg.Participants(session)
		}(i)
	}
	wg.Wait()
	if reg.Count() != 16 {
		t.Fatalf("expected 16 entries, got %d", reg.Count())
	}
}
