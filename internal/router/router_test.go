package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/vttd/api"
)

func okHandler(result map[string]any) Handler {
	return func(context.Context, api.QueryEnvelope) (map[string]any, error) {
		return result, nil
	}
}

func TestRegistryDuplicateRegistrationPanics(t *testing.T) {
	reg := NewRegistry()
	reg.Register("actor.get", okHandler(nil))
	defer func() {
		if recover() == nil {
			t.Fatal("expected duplicate registration to panic")
		}
	}()
	reg.Register("actor.get", okHandler(nil))
}

func TestRegistryRegisterAfterSealPanics(t *testing.T) {
	reg := NewRegistry()
	reg.Register("actor.get", okHandler(nil))
	reg.Seal()
	defer func() {
		if recover() == nil {
			t.Fatal("expected post-seal registration to panic")
		}
	}()
	reg.Register("actor.update", okHandler(nil))
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register("b.op", okHandler(nil))
	reg.Register("a.op", okHandler(nil))
	names := reg.Names()
	if len(names) != 2 || names[0] != "a.op" || names[1] != "b.op" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestDispatchUnknownOperation(t *testing.T) {
	d := NewDispatcher(NewRegistry(), AllowAll, pslog.NoopLogger())
	resp := d.Dispatch(context.Background(), api.QueryEnvelope{CorrelationID: "c1", Name: "nope.nothing"})
	if resp.Error == nil || resp.Error.Code != api.ErrCodeUnknownOperation {
		t.Fatalf("expected unknown_operation, got %+v", resp)
	}
	if resp.CorrelationID != "c1" {
		t.Fatalf("correlation id not preserved: %q", resp.CorrelationID)
	}
}

func TestDispatchDeniedMatchesUnknownShape(t *testing.T) {
	reg := NewRegistry()
	reg.Register("actor.get", okHandler(map[string]any{"name": "Mollie"}))
	denied := NewDispatcher(reg, CapabilityGate(nil), pslog.NoopLogger())

	forRegistered := denied.Dispatch(context.Background(), api.QueryEnvelope{CorrelationID: "c1", Name: "actor.get"})
	forMissing := denied.Dispatch(context.Background(), api.QueryEnvelope{CorrelationID: "c2", Name: "ghost.op"})
	if forRegistered.Error == nil || forMissing.Error == nil {
		t.Fatalf("expected structured errors, got %+v / %+v", forRegistered, forMissing)
	}
	// Anti-enumeration: a denied caller sees the same shape whether or not
	// the operation exists, and never a result.
	if forRegistered.Result != nil || forMissing.Result != nil {
		t.Fatal("denied dispatch must not leak results")
	}
	if forRegistered.Error.Code != api.ErrCodeAccessDenied {
		t.Fatalf("expected access_denied for registered op, got %q", forRegistered.Error.Code)
	}
	if forMissing.Error.Code != api.ErrCodeAccessDenied {
		t.Fatalf("gate must run before lookup, got %q", forMissing.Error.Code)
	}
}

func TestCapabilityGateAdmin(t *testing.T) {
	if CapabilityGate([]string{"admin"})("anyone", "actor.get") != true {
		t.Fatal("admin capability should admit")
	}
	if CapabilityGate([]string{"observer"})("anyone", "actor.get") {
		t.Fatal("non-admin capability should deny")
	}
}

func TestDispatchHandlerErrorAndPanic(t *testing.T) {
	reg := NewRegistry()
	reg.Register("explode.err", func(context.Context, api.QueryEnvelope) (map[string]any, error) {
		return nil, errors.New("boom")
	})
	reg.Register("explode.panic", func(context.Context, api.QueryEnvelope) (map[string]any, error) {
		panic("kaboom")
	})
	d := NewDispatcher(reg, AllowAll, pslog.NoopLogger())

	resp := d.Dispatch(context.Background(), api.QueryEnvelope{CorrelationID: "c1", Name: "explode.err"})
	if resp.Error == nil || resp.Error.Code != api.ErrCodeHandlerFailed {
		t.Fatalf("expected handler_failed, got %+v", resp)
	}
	resp = d.Dispatch(context.Background(), api.QueryEnvelope{CorrelationID: "c2", Name: "explode.panic"})
	if resp.Error == nil || resp.Error.Code != api.ErrCodeHandlerFailed {
		t.Fatalf("expected recovered panic as handler_failed, got %+v", resp)
	}
}

func TestDispatchAPIErrorPassthrough(t *testing.T) {
	reg := NewRegistry()
	reg.Register("job.status", func(context.Context, api.QueryEnvelope) (map[string]any, error) {
		return nil, &api.Error{Code: api.ErrCodeBadRequest, Message: "job_id required"}
	})
	d := NewDispatcher(reg, AllowAll, pslog.NoopLogger())
	resp := d.Dispatch(context.Background(), api.QueryEnvelope{CorrelationID: "c1", Name: "job.status"})
	if resp.Error == nil || resp.Error.Code != api.ErrCodeBadRequest {
		t.Fatalf("expected bad_request passthrough, got %+v", resp)
	}
}

func TestPendingExactlyOnce(t *testing.T) {
	p := NewPending(pslog.NoopLogger())
	id := NewCorrelationID()
	ch := p.Register(id)

	if !p.Resolve(api.QueryResponse{CorrelationID: id, Result: map[string]any{"ok": true}}) {
		t.Fatal("first resolve should succeed")
	}
	if p.Resolve(api.QueryResponse{CorrelationID: id}) {
		t.Fatal("duplicate resolve must be dropped")
	}
	resp, err := p.Await(context.Background(), id, ch, time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if resp.Result == nil || resp.Error != nil {
		t.Fatalf("expected the single successful response, got %+v", resp)
	}
	if p.Len() != 0 {
		t.Fatalf("waiter table should be empty, has %d", p.Len())
	}
}

func TestPendingTimeoutThenLateResponseDropped(t *testing.T) {
	p := NewPending(pslog.NoopLogger())
	id := NewCorrelationID()
	ch := p.Register(id)

	resp, err := p.Await(context.Background(), id, ch, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != api.ErrCodeTimeout {
		t.Fatalf("expected timeout error, got %+v", resp)
	}
	// The response arriving after timeout produces no caller-visible effect.
	if p.Resolve(api.QueryResponse{CorrelationID: id, Result: map[string]any{"late": true}}) {
		t.Fatal("late response must be discarded")
	}
}

func TestPendingResolveWinsTimeoutRace(t *testing.T) {
	p := NewPending(pslog.NoopLogger())
	for i := 0; i < 200; i++ {
		id := NewCorrelationID()
		ch := p.Register(id)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Resolve(api.QueryResponse{CorrelationID: id, Result: map[string]any{"n": i}})
		}()
		resp, err := p.Await(context.Background(), id, ch, time.Microsecond)
		if err != nil {
			t.Fatalf("await: %v", err)
		}
		// Either the real response or a timeout, never both and never a hang.
		if resp.Error != nil && resp.Error.Code != api.ErrCodeTimeout {
			t.Fatalf("unexpected error: %+v", resp.Error)
		}
		wg.Wait()
	}
	if p.Len() != 0 {
		t.Fatalf("expected drained table, has %d", p.Len())
	}
}

func TestPendingFailAll(t *testing.T) {
	p := NewPending(pslog.NoopLogger())
	ids := []string{NewCorrelationID(), NewCorrelationID(), NewCorrelationID()}
	chans := make([]<-chan api.QueryResponse, len(ids))
	for i, id := range ids {
		chans[i] = p.Register(id)
	}
	p.FailAll(&api.Error{Code: api.ErrCodeSessionSuperseded, Message: "session superseded"})
	for i, ch := range chans {
		resp, err := p.Await(context.Background(), ids[i], ch, time.Second)
		if err != nil {
			t.Fatalf("await %d: %v", i, err)
		}
		if resp.Error == nil || resp.Error.Code != api.ErrCodeSessionSuperseded {
			t.Fatalf("expected session_superseded, got %+v", resp)
		}
	}
	if p.Len() != 0 {
		t.Fatalf("expected empty table after FailAll, has %d", p.Len())
	}
}

func TestNewCorrelationIDUnique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := NewCorrelationID()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate correlation id %q", id)
		}
		seen[id] = struct{}{}
	}
}
