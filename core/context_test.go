package core

import (
	"testing"

	"github.com/cloudflare/circl/hpke"
)

func TestCoreContextTaskCacheRoundTrip(t *testing.T) {
	ctx, err := NewCoreContext(2)
	if err != nil {
		t.Fatalf("new core context: %v", err)
	}
	var id TaskID
	id[0] = 1
	task := &Task{ID: id, Version: "09"}
	ctx.PutTask(task)

	got, ok := ctx.Task(id)
	if !ok || got.Version != "09" {
		t.Fatalf("expected cached task, got %+v ok=%v", got, ok)
	}

	var missing TaskID
	missing[0] = 99
	if _, ok := ctx.Task(missing); ok {
		t.Fatal("expected miss for unknown task id")
	}
}

func TestCoreContextTaskCacheEviction(t *testing.T) {
	ctx, err := NewCoreContext(1)
	if err != nil {
		t.Fatalf("new core context: %v", err)
	}
	var id1, id2 TaskID
	id1[0], id2[0] = 1, 2
	ctx.PutTask(&Task{ID: id1})
	ctx.PutTask(&Task{ID: id2})

	if _, ok := ctx.Task(id1); ok {
		t.Fatal("expected the first task to be evicted once capacity=1 is exceeded")
	}
	if _, ok := ctx.Task(id2); !ok {
		t.Fatal("expected the most recently added task to remain cached")
	}
}

func TestCoreContextHpkeConfigDirectory(t *testing.T) {
	ctx, err := NewCoreContext(0)
	if err != nil {
		t.Fatalf("new core context: %v", err)
	}
	recv, err := NewHpkeReceiverConfig(5, hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, HpkeAeadChaCha20Poly1305)
	if err != nil {
		t.Fatalf("new receiver config: %v", err)
	}
	ctx.PutHpkeReceiverConfig(recv)

	got, ok := ctx.HpkeReceiverConfig(5)
	if !ok || got.Config.ID != 5 {
		t.Fatalf("expected to find receiver config id 5, got %+v ok=%v", got, ok)
	}
	current := ctx.CurrentHpkeConfigs()
	if len(current) != 1 || current[0].ID != 5 {
		t.Fatalf("unexpected current configs: %+v", current)
	}
}

func TestCoreContextBearerTokenReplace(t *testing.T) {
	ctx, _ := NewCoreContext(0)
	var id TaskID
	id[0] = 7

	if ctx.CheckBearerToken(id, "anything") {
		t.Fatal("a task with no configured tokens must accept none")
	}

	ctx.SetBearerTokens(id, []string{"a", "b"})
	if !ctx.CheckBearerToken(id, "a") || !ctx.CheckBearerToken(id, "b") {
		t.Fatal("expected both configured tokens to validate")
	}
	if ctx.CheckBearerToken(id, "c") {
		t.Fatal("unconfigured token must not validate")
	}

	ctx.SetBearerTokens(id, []string{"c"})
	if ctx.CheckBearerToken(id, "a") {
		t.Fatal("SetBearerTokens must replace, not union, the prior set")
	}
	if !ctx.CheckBearerToken(id, "c") {
		t.Fatal("expected the replaced token to validate")
	}
}
