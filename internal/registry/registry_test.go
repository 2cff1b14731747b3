package registry

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
)

type fakeSender struct {
	mu   sync.Mutex
	got  [][]byte
	fail error
}

func (f *fakeSender) Send(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.got = append(f.got, p)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	if err := r.Register("c1", "u1", &fakeSender{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("c1", "u1", &fakeSender{}); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestJoinRequiresRegister(t *testing.T) {
	r := New()
	if _, err := r.Join("ghost", "public"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
}

func TestJoinFirstAndIdempotent(t *testing.T) {
	r := New()
	r.Register("c1", "u1", &fakeSender{})
	r.Register("c2", "u2", &fakeSender{})

	first, err := r.Join("c1", "room:r42")
	if err != nil || !first {
		t.Fatalf("first join: first=%v err=%v", first, err)
	}
	first, _ = r.Join("c1", "room:r42")
	if first {
		t.Error("repeated join should not report first")
	}
	first, _ = r.Join("c2", "room:r42")
	if first {
		t.Error("second listener should not report first")
	}
	if n := r.Listeners("room:r42"); n != 2 {
		t.Errorf("expected 2 listeners, got %d", n)
	}
}

func TestLeave(t *testing.T) {
	r := New()
	r.Register("c1", "u1", &fakeSender{})
	r.Register("c2", "u2", &fakeSender{})
	r.Join("c1", "room:r42")
	r.Join("c2", "room:r42")

	if r.Leave("c1", "room:r42") {
		t.Error("channel still has c2")
	}
	if r.Leave("c1", "room:r42") {
		t.Error("second leave should be a no-op")
	}
	if !r.Leave("c2", "room:r42") {
		t.Error("expected last listener to be reported")
	}
	if r.Leave("c2", "room:r42") {
		t.Error("leave after empty should be a no-op")
	}
	if r.Leave("ghost", "room:r42") {
		t.Error("unknown connection should be a no-op")
	}
	if r.Stats().Channels != 0 {
		t.Error("empty channel should be dropped")
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	r.Register("c1", "u1", &fakeSender{})
	r.Register("c2", "u1", &fakeSender{})
	r.Register("c3", "u2", &fakeSender{})
	r.Join("c1", "public")
	r.Join("c1", "room:r42")
	r.Join("c3", "public")

	rm, err := r.Unregister("c1")
	if err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if rm.Identity != "u1" {
		t.Errorf("identity = %q", rm.Identity)
	}
	if !reflect.DeepEqual(rm.Channels, []string{"public", "room:r42"}) {
		t.Errorf("channels = %v", rm.Channels)
	}
	if !reflect.DeepEqual(rm.Emptied, []string{"room:r42"}) {
		t.Errorf("emptied = %v", rm.Emptied)
	}
	if rm.LastForIdentity {
		t.Error("u1 still has c2")
	}
	if got := r.ConnectionsOf("u1"); !reflect.DeepEqual(got, []string{"c2"}) {
		t.Errorf("connections of u1 = %v", got)
	}
	if r.Listeners("room:r42") != 0 || r.Listeners("public") != 1 {
		t.Error("listener index out of step")
	}

	rm, _ = r.Unregister("c2")
	if !rm.LastForIdentity {
		t.Error("expected last connection for u1")
	}
	if len(rm.Channels) != 0 {
		t.Errorf("c2 joined nothing, got %v", rm.Channels)
	}

	if _, err := r.Unregister("c2"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
	if _, ok := r.Identity("c2"); ok {
		t.Error("c2 should be gone")
	}
}

func TestLocalBroadcast(t *testing.T) {
	r := New()
	a, b, c := &fakeSender{}, &fakeSender{}, &fakeSender{}
	r.Register("a", "u1", a)
	r.Register("b", "u2", b)
	r.Register("c", "u3", c)
	r.Join("a", "room:r42")
	r.Join("b", "room:r42")

	if n := r.LocalBroadcast("room:r42", []byte("yo")); n != 2 {
		t.Errorf("delivered %d, want 2", n)
	}
	if a.count() != 1 || b.count() != 1 || c.count() != 0 {
		t.Errorf("counts a=%d b=%d c=%d", a.count(), b.count(), c.count())
	}
	if n := r.LocalBroadcast("room:nobody", []byte("x")); n != 0 {
		t.Errorf("delivered %d to empty channel", n)
	}
}

func TestLocalBroadcastExcept(t *testing.T) {
	r := New()
	a, b := &fakeSender{}, &fakeSender{}
	r.Register("a", "u1", a)
	r.Register("b", "u1", b)
	r.Join("a", "public")
	r.Join("b", "public")

	if n := r.LocalBroadcastExcept("public", "a", []byte("joined")); n != 1 {
		t.Errorf("delivered %d, want 1", n)
	}
	if a.count() != 0 || b.count() != 1 {
		t.Errorf("counts a=%d b=%d", a.count(), b.count())
	}
}

func TestLocalBroadcastIsolatesFailingRecipient(t *testing.T) {
	r := New()
	good := &fakeSender{}
	bad := &fakeSender{fail: errors.New("send buffer full")}
	r.Register("good", "u1", good)
	r.Register("bad", "u2", bad)
	r.Join("good", "public")
	r.Join("bad", "public")

	var evicted []string
	r.OnEvict(func(id string, err error) {
		evicted = append(evicted, id)
		// Evicting from inside the callback must not deadlock.
		r.Unregister(id)
	})

	if n := r.LocalBroadcast("public", []byte("hi")); n != 1 {
		t.Errorf("delivered %d, want 1", n)
	}
	if good.count() != 1 {
		t.Error("healthy recipient missed the message")
	}
	if !reflect.DeepEqual(evicted, []string{"bad"}) {
		t.Errorf("evicted = %v", evicted)
	}
	if r.Listeners("public") != 1 {
		t.Error("failing recipient should be gone")
	}
}

func TestConcurrentMutations(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			identity := fmt.Sprintf("u%d", i%5)
			if err := r.Register(id, identity, &fakeSender{}); err != nil {
				t.Error(err)
				return
			}
			r.Join(id, "public")
			r.Join(id, "room:r1")
			r.LocalBroadcast("public", []byte("x"))
			r.Leave(id, "room:r1")
			r.Unregister(id)
		}(i)
	}
	wg.Wait()

	stats := r.Stats()
	if stats.Connections != 0 || stats.Identities != 0 || stats.Channels != 0 {
		t.Errorf("expected empty registry, got %+v", stats)
	}
}

func TestStats(t *testing.T) {
	r := New()
	r.Register("c1", "u1", &fakeSender{})
	r.Register("c2", "u1", &fakeSender{})
	r.Join("c1", "public")
	r.Join("c2", "public")
	r.Join("c2", "chat")

	stats := r.Stats()
	if stats.Connections != 2 || stats.Identities != 1 || stats.Channels != 2 {
		t.Errorf("stats = %+v", stats)
	}
	want := []ChannelStats{{"chat", 1}, {"public", 2}}
	if !reflect.DeepEqual(stats.ChannelDetails, want) {
		t.Errorf("details = %+v", stats.ChannelDetails)
	}
	if got := r.Joined("c2"); !reflect.DeepEqual(got, []string{"chat", "public"}) {
		t.Errorf("joined = %v", got)
	}
}
