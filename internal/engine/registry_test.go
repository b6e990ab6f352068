package engine

import (
	"testing"

	"github.com/petrijr/flume/pkg/api"
)

func defNamed(name string) *api.FlowDefinition {
	return &api.FlowDefinition{Name: name}
}

func TestFlowRegistry_RegisterAndLatest(t *testing.T) {
	reg := newFlowRegistry()

	if err := reg.Register(defNamed("order")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	def, err := reg.Latest("order")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if def.Name != "order" || def.Version != 1 {
		t.Fatalf("unexpected definition: %+v", def)
	}
	if reg.Versions("order") != 1 {
		t.Fatalf("expected 1 version, got %d", reg.Versions("order"))
	}
}

func TestFlowRegistry_RegisterDuplicateFails(t *testing.T) {
	reg := newFlowRegistry()

	if err := reg.Register(defNamed("order")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register(defNamed("order")); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestFlowRegistry_ReloadAppendsVersions(t *testing.T) {
	reg := newFlowRegistry()

	if err := reg.Register(defNamed("order")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	v, err := reg.Reload(defNamed("order"))
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if v != 2 {
		t.Fatalf("expected version 2, got %d", v)
	}

	v, err = reg.Reload(defNamed("order"))
	if err != nil {
		t.Fatalf("second Reload failed: %v", err)
	}
	if v != 3 {
		t.Fatalf("expected version 3, got %d", v)
	}

	latest, err := reg.Latest("order")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest.Version != 3 {
		t.Fatalf("expected latest version 3, got %d", latest.Version)
	}
	if reg.Versions("order") != 3 {
		t.Fatalf("expected 3 versions, got %d", reg.Versions("order"))
	}
}

func TestFlowRegistry_ReloadUnregisteredFails(t *testing.T) {
	reg := newFlowRegistry()

	if _, err := reg.Reload(defNamed("ghost")); err == nil {
		t.Fatalf("expected Reload of unregistered flow to fail")
	}
}

// Old versions stay resolvable after a reload so suspended instances can
// finish against the tree they started with.
func TestFlowRegistry_VersionPinning(t *testing.T) {
	reg := newFlowRegistry()

	if err := reg.Register(defNamed("order")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := reg.Reload(defNamed("order")); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	v1, err := reg.Version("order", 1)
	if err != nil {
		t.Fatalf("Version(1) failed: %v", err)
	}
	if v1.Version != 1 {
		t.Fatalf("expected pinned version 1, got %d", v1.Version)
	}

	v2, err := reg.Version("order", 2)
	if err != nil {
		t.Fatalf("Version(2) failed: %v", err)
	}
	if v2.Version != 2 {
		t.Fatalf("expected pinned version 2, got %d", v2.Version)
	}
}

func TestFlowRegistry_VersionOutOfRangeFails(t *testing.T) {
	reg := newFlowRegistry()

	if err := reg.Register(defNamed("order")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	for _, v := range []int{0, -1, 2} {
		if _, err := reg.Version("order", v); err == nil {
			t.Fatalf("expected Version(%d) to fail", v)
		}
	}
	if _, err := reg.Version("ghost", 1); err == nil {
		t.Fatalf("expected Version of unknown flow to fail")
	}
}

// Register must not alias the caller's definition: mutating the argument
// afterwards cannot change what the registry serves.
func TestFlowRegistry_CopiesDefinition(t *testing.T) {
	reg := newFlowRegistry()

	def := defNamed("order")
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	def.Version = 99

	got, err := reg.Latest("order")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("registry served mutated definition: %+v", got)
	}
}
