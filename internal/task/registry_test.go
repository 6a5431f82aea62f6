package task

import (
	"sync"
	"testing"
	"time"

	"microshim/internal/supervise"
	appErr "microshim/pkg/errors"
)

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry()
	tk := New("t1", "/run/bundle/t1", "default")

	if err := r.Add(tk); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := r.Add(New("t1", "/other", "default")); appErr.GetCode(err) != appErr.AlreadyExists {
		t.Fatalf("duplicate add: code = %d, want AlreadyExists", appErr.GetCode(err))
	}

	got, err := r.Get("t1")
	if err != nil || got != tk {
		t.Fatalf("get = %v, %v", got, err)
	}
	if _, err := r.Get("nope"); appErr.GetCode(err) != appErr.NotFound {
		t.Fatalf("missing get: code = %d, want NotFound", appErr.GetCode(err))
	}

	if _, err := r.Remove("t1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := r.Remove("t1"); appErr.GetCode(err) != appErr.NotFound {
		t.Fatalf("second remove: code = %d, want NotFound", appErr.GetCode(err))
	}
	if r.Len() != 0 {
		t.Fatalf("len = %d after remove", r.Len())
	}
}

func TestCreateThenDeleteWithoutStart(t *testing.T) {
	r := NewRegistry()
	tk := New("t1", "/run/bundle/t1", "default")
	if err := r.Add(tk); err != nil {
		t.Fatal(err)
	}

	// Never started: no cell, state created.
	if _, _, ok := tk.ExitStatus(); ok {
		t.Fatal("unstarted task reported an exit status")
	}
	removed, err := r.Remove("t1")
	if err != nil || removed.Session != nil {
		t.Fatalf("removed = %+v, err = %v; expected no session allocated", removed, err)
	}
}

func TestStateIsForwardOnly(t *testing.T) {
	tk := New("t1", "/b", "ns")
	if err := tk.SetState(StateRunning); err != nil {
		t.Fatal(err)
	}
	if err := tk.SetState(StateStopped); err != nil {
		t.Fatal(err)
	}
	if err := tk.SetState(StateRunning); appErr.GetCode(err) != appErr.InvalidTransition {
		t.Fatalf("backwards move: code = %d, want InvalidTransition", appErr.GetCode(err))
	}
	// Repeating the current state is allowed; retried requests hit this.
	if err := tk.SetState(StateStopped); err != nil {
		t.Fatalf("idempotent set failed: %v", err)
	}
}

func TestSyntheticPidsAreUnique(t *testing.T) {
	seen := make(map[uint32]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				pid := NextPid()
				mu.Lock()
				if seen[pid] {
					mu.Unlock()
					t.Errorf("pid %d minted twice", pid)
					return
				}
				seen[pid] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestPerTaskSerializationDoesNotCrossIds(t *testing.T) {
	r := NewRegistry()
	a := New("a", "/b", "ns")
	b := New("b", "/b", "ns")
	r.Add(a)
	r.Add(b)

	// Hold a's lifecycle lock; operations on b must still proceed.
	a.Lock()
	defer a.Unlock()

	done := make(chan struct{})
	go func() {
		b.Lock()
		b.SetState(StateRunning)
		b.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("operation on task b blocked behind task a's lock")
	}
}

func TestExecBookkeeping(t *testing.T) {
	tk := New("t1", "/b", "ns")
	e := &Exec{ID: "e1"}
	if err := tk.AddExec(e); err != nil {
		t.Fatal(err)
	}
	if e.Pid == 0 {
		t.Fatal("exec did not get a synthetic pid")
	}
	if err := tk.AddExec(&Exec{ID: "e1"}); appErr.GetCode(err) != appErr.AlreadyExists {
		t.Fatalf("duplicate exec: code = %d, want AlreadyExists", appErr.GetCode(err))
	}
	if _, err := tk.GetExec("e2"); appErr.GetCode(err) != appErr.ExecNotFound {
		t.Fatalf("missing exec: code = %d, want ExecNotFound", appErr.GetCode(err))
	}

	if _, _, ok := e.ExitStatus(); ok {
		t.Fatal("running exec reported an exit")
	}
	e.Cell().Set(supervise.Status{Code: 3, ExitedAt: time.Now()})
	code, at, ok := e.ExitStatus()
	if !ok || code != 3 || at.IsZero() {
		t.Fatalf("exit = (%d, %v, %v)", code, at, ok)
	}

	tk.RemoveExec("e1")
	if _, err := tk.GetExec("e1"); err == nil {
		t.Fatal("exec still present after remove")
	}
}
