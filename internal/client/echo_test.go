package client

import (
	"testing"

	"github.com/inercia/storyplay/internal/logging"
)

func TestEchoReconciler_OwnEchoRenderedOnce(t *testing.T) {
	r := &recordingRenderer{}
	e := NewEchoReconciler(r, logging.Discard())

	e.RecordLocal("X")
	if res := e.OnEcho("X", "conn-1"); res != EchoOwn {
		t.Errorf("OnEcho() = %v, want EchoOwn", res)
	}

	if n := r.Count("user["); n != 1 {
		t.Errorf("X rendered %d times, want 1 (calls %v)", n, r.Calls())
	}
	if _, ok := e.Pending(); ok {
		t.Error("pending action not cleared by its echo")
	}
}

func TestEchoReconciler_RemoteEcho(t *testing.T) {
	r := &recordingRenderer{}
	e := NewEchoReconciler(r, logging.Discard())

	if res := e.OnEcho("Y", "conn-2"); res != EchoRemote {
		t.Errorf("OnEcho() = %v, want EchoRemote", res)
	}
	if got := r.Calls(); len(got) != 1 || got[0] != "user[remote]:Y" {
		t.Errorf("calls = %v, want [user[remote]:Y]", got)
	}
}

func TestEchoReconciler_MismatchKeepsPending(t *testing.T) {
	r := &recordingRenderer{}
	e := NewEchoReconciler(r, logging.Discard())

	e.RecordLocal("mine")
	if res := e.OnEcho("theirs", ""); res != EchoRemote {
		t.Fatalf("OnEcho() = %v, want EchoRemote", res)
	}
	if p, ok := e.Pending(); !ok || p != "mine" {
		t.Errorf("Pending() = %q, %v; want mine", p, ok)
	}
	if res := e.OnEcho("mine", ""); res != EchoOwn {
		t.Errorf("OnEcho(mine) = %v, want EchoOwn", res)
	}
}

func TestEchoReconciler_IdenticalSendsMatchFirstEchoOnly(t *testing.T) {
	r := &recordingRenderer{}
	e := NewEchoReconciler(r, logging.Discard())

	e.RecordLocal("look")
	e.RecordLocal("look")

	if res := e.OnEcho("look", ""); res != EchoOwn {
		t.Errorf("first echo = %v, want EchoOwn", res)
	}
	if res := e.OnEcho("look", ""); res != EchoRemote {
		t.Errorf("second echo = %v, want EchoRemote", res)
	}
}

func TestEchoReconciler_LaterSendOverwrites(t *testing.T) {
	r := &recordingRenderer{}
	e := NewEchoReconciler(r, logging.Discard())

	e.RecordLocal("first")
	e.RecordLocal("second")

	if res := e.OnEcho("first", ""); res != EchoRemote {
		t.Errorf("echo of overwritten action = %v, want EchoRemote", res)
	}
	if res := e.OnEcho("second", ""); res != EchoOwn {
		t.Errorf("echo of latest action = %v, want EchoOwn", res)
	}
}
