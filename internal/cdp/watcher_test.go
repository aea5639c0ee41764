package cdp

import (
	"testing"

	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/tryxpath/internal/types"
)

func TestTabRegistryRegisterKeepsAttached(t *testing.T) {
	r := NewTabRegistry()
	r.Register("ABCDEF0123", "https://a.test/", "A")
	r.SetAttached("ABCDEF0123", true)
	info := r.Register("ABCDEF0123", "https://a.test/next", "A2")

	if !info.Attached {
		t.Fatalf("Register() attached = false; want true")
	}
	if info.ShortID != "ABCDEF01" {
		t.Fatalf("Register() short id = %q; want %q", info.ShortID, "ABCDEF01")
	}
	got, ok := r.Get("ABCDEF0123")
	if !ok || got.URL != "https://a.test/next" {
		t.Fatalf("Get() = %+v, %v; want updated url", got, ok)
	}
}

func TestTabRegistryGetReturnsCopy(t *testing.T) {
	r := NewTabRegistry()
	r.Register("T1", "https://a.test/", "")
	got, _ := r.Get("T1")
	got.URL = "mutated"

	again, _ := r.Get("T1")
	if again.URL != "https://a.test/" {
		t.Fatalf("Get() url = %q; want registry unchanged", again.URL)
	}
}

func TestTabRegistryListSorted(t *testing.T) {
	r := NewTabRegistry()
	r.Register("B", "", "")
	r.Register("A", "", "")
	r.Register("C", "", "")

	list := r.List()
	if len(list) != 3 || list[0].TabID != "A" || list[2].TabID != "C" {
		t.Fatalf("List() = %+v; want A, B, C", list)
	}
	if !r.Remove("B") || r.Remove("B") {
		t.Fatalf("Remove() should report presence once")
	}
	if r.Count() != 2 {
		t.Fatalf("Count() = %d; want 2", r.Count())
	}
}

func TestWatcherTracksPageTargets(t *testing.T) {
	w := NewWatcher("", nil, nil)

	w.handleEvent(&target.EventTargetCreated{TargetInfo: &target.Info{TargetID: "P1", Type: "page", URL: "https://a.test/"}})
	w.handleEvent(&target.EventTargetCreated{TargetInfo: &target.Info{TargetID: "W1", Type: "service_worker", URL: "https://a.test/sw.js"}})
	w.handleEvent(&target.EventTargetCreated{TargetInfo: &target.Info{TargetID: "D1", Type: "page", URL: "devtools://devtools/x"}})
	w.handleEvent(&target.EventTargetInfoChanged{TargetInfo: &target.Info{TargetID: "P1", Type: "page", URL: "https://a.test/b", Title: "B"}})

	if w.Registry().Count() != 1 {
		t.Fatalf("Count() = %d; want 1", w.Registry().Count())
	}
	info, ok := w.Registry().Get("P1")
	if !ok || info.URL != "https://a.test/b" || info.Title != "B" {
		t.Fatalf("Get(P1) = %+v, %v; want updated page", info, ok)
	}
}

func TestWatcherClosedCallbacks(t *testing.T) {
	w := NewWatcher("", nil, nil)
	var closed []types.TabID
	w.OnClosed(func(tab types.TabID) { closed = append(closed, tab) })

	w.handleEvent(&target.EventTargetCreated{TargetInfo: &target.Info{TargetID: "P1", Type: "page"}})
	w.handleEvent(&target.EventTargetCreated{TargetInfo: &target.Info{TargetID: "P2", Type: "page"}})
	w.handleEvent(&target.EventTargetDestroyed{TargetID: "P1"})
	w.handleEvent(&target.EventTargetDestroyed{TargetID: "P1"})
	w.handleEvent(&target.EventTargetDestroyed{TargetID: "UNKNOWN"})
	w.handleEvent(&target.EventTargetCrashed{TargetID: "P2"})

	if len(closed) != 2 || closed[0] != "P1" || closed[1] != "P2" {
		t.Fatalf("closed = %v; want [P1 P2]", closed)
	}
	if w.Registry().Count() != 0 {
		t.Fatalf("Count() = %d; want 0", w.Registry().Count())
	}
}
