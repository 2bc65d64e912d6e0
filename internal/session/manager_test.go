package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/realtalk/internal/protocol"
)

type recordingMirror struct {
	mu      sync.Mutex
	puts    map[string]Info
	deletes []string
}

func newRecordingMirror() *recordingMirror {
	return &recordingMirror{puts: make(map[string]Info)}
}

func (r *recordingMirror) Put(_ context.Context, info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.puts[info.ID] = info
	return nil
}

func (r *recordingMirror) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes = append(r.deletes, id)
	return nil
}

func (r *recordingMirror) deleted(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.deletes {
		if d == id {
			return true
		}
	}
	return false
}

func TestManagerAddGetRemove(t *testing.T) {
	mirror := newRecordingMirror()
	m := NewManager(mirror, nil)
	tr := newFakeTransport()
	s := New(tr, Options{})
	s.Start()

	if err := m.Add(context.Background(), s); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := m.Add(context.Background(), s); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Add() duplicate error = %v, want ErrDuplicate", err)
	}

	got, err := m.Get(s.ID())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != StateActive || got.HasDescriptor {
		t.Fatalf("unexpected session info: %+v", got)
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}
	if _, ok := mirror.puts[s.ID()]; !ok {
		t.Fatalf("session not mirrored on Add")
	}

	if err := m.Remove(context.Background(), s.ID()); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := m.Get(s.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after Remove error = %v, want ErrNotFound", err)
	}
	if !mirror.deleted(s.ID()) {
		t.Fatalf("session not removed from mirror")
	}
	<-s.Done()
	if s.State() != StateUnusable {
		t.Fatalf("State() = %q after Remove, want unusable", s.State())
	}
}

func TestManagerWatchRemovesUnusable(t *testing.T) {
	mirror := newRecordingMirror()
	m := NewManager(mirror, nil)
	removed := make(chan Info, 1)
	m.SetRemoveHook(func(info Info) { removed <- info })

	tr := newFakeTransport()
	s := New(tr, Options{})
	s.Start()
	if err := m.Watch(context.Background(), s); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	tr.fail(errors.New("peer went away"))
	select {
	case info := <-removed:
		if info.ID != s.ID() || info.State != StateUnusable {
			t.Fatalf("removed info = %+v", info)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session not removed after failure")
	}
	if len(m.List()) != 0 {
		t.Fatalf("List() = %v, want empty", m.List())
	}
}

func TestManagerListAndJanitor(t *testing.T) {
	m := NewManager(nil, nil)
	live := New(newFakeTransport(), Options{})
	live.Start()
	deadTr := newFakeTransport()
	dead := New(deadTr, Options{})
	dead.Start()

	if err := m.Add(context.Background(), live); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := m.Add(context.Background(), dead); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if len(m.List()) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(m.List()))
	}

	deadTr.fail(errors.New("boom"))
	<-dead.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	eventually(t, func() bool { return len(m.List()) == 1 })
	if got := m.List()[0].ID; got != live.ID() {
		t.Fatalf("List()[0].ID = %q, want %q", got, live.ID())
	}

	live.tr.(*fakeTransport).events <- protocol.SessionCreated{Session: protocol.SessionDescriptor{ID: "remote", Model: "m"}}
	eventually(t, live.HasDescriptor)
	info, err := m.Get(live.ID())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if info.RemoteID != "remote" || info.Model != "m" {
		t.Fatalf("Get() = %+v", info)
	}

	m.CloseAll(context.Background())
	if len(m.List()) != 0 {
		t.Fatalf("List() after CloseAll = %v", m.List())
	}
}
