package identity

import (
    "regexp"
    "testing"
    "time"

    "realmesh/pkg/store"
)

func newTestNamespace(t *testing.T) store.Namespace {
    t.Helper()
    return store.NewMemStore().Namespace(Namespace())
}

// S6: a first boot with no desired nodeId/subdomain synthesizes both
// following the documented generation rule -- "node"+rand%9999 and
// "mesh"+rand%99 -- not some other shape.
func TestSynthesizeFollowsGenerationRule(t *testing.T) {
    nodeIDRe := regexp.MustCompile(`^node[0-9]{1,4}$`)
    meshRe := regexp.MustCompile(`^mesh[0-9]{1,2}$`)

    for i := 0; i < 20; i++ {
        id, err := synthesize("", "")
        if err != nil {
            t.Fatalf("synthesize: %v", err)
        }
        if !nodeIDRe.MatchString(id.NodeID) {
            t.Fatalf("nodeId %q does not match node+rand%%9999", id.NodeID)
        }
        if !meshRe.MatchString(id.Subdomain) {
            t.Fatalf("subdomain %q does not match mesh+rand%%99", id.Subdomain)
        }
    }
}

// An invalid desired identifier falls back to synthesis rather than being
// adopted verbatim.
func TestSynthesizeRejectsInvalidDesired(t *testing.T) {
    id, err := synthesize("not valid!", "also bad!!")
    if err != nil {
        t.Fatalf("synthesize: %v", err)
    }
    if id.NodeID == "not valid!" || id.Subdomain == "also bad!!" {
        t.Fatalf("expected invalid desired identifiers to be discarded, got %+v", id)
    }
}

// A valid desired identifier is adopted as-is.
func TestSynthesizeAcceptsValidDesired(t *testing.T) {
    id, err := synthesize("alpha", "home")
    if err != nil {
        t.Fatalf("synthesize: %v", err)
    }
    if id.NodeID != "alpha" || id.Subdomain != "home" {
        t.Fatalf("got %+v", id)
    }
}

// Testable property 10: an identity committed on first boot survives a
// process restart intact, and a second Begin against the same namespace
// bumps boot count rather than re-synthesizing.
func TestBeginPersistenceRoundTrip(t *testing.T) {
    ns := newTestNamespace(t)

    first, err := Begin(ns, "alpha", "home")
    if err != nil {
        t.Fatalf("Begin (first boot): %v", err)
    }
    if first.NodeID != "alpha" || first.Subdomain != "home" || first.BootCount != 1 {
        t.Fatalf("got %+v", first)
    }

    if err := SaveUptime(ns, first, 5*time.Minute); err != nil {
        t.Fatalf("SaveUptime: %v", err)
    }

    second, err := Begin(ns, "someone-else", "elsewhere")
    if err != nil {
        t.Fatalf("Begin (reboot): %v", err)
    }
    if second.NodeID != "alpha" || second.Subdomain != "home" {
        t.Fatalf("expected reboot to reload the committed identity unchanged, got %+v", second)
    }
    if second.UUID != first.UUID {
        t.Fatalf("expected uuid to survive the reboot")
    }
    if second.BootCount != 2 {
        t.Fatalf("expected boot count incremented on reload, got %d", second.BootCount)
    }
    if second.TotalUptime != 5*time.Minute {
        t.Fatalf("expected accumulated uptime to survive the reboot, got %v", second.TotalUptime)
    }
}

// Persist/Load are the exported round-trip used by a live rename outside
// this package (pkg/node's setNodeName/setSubdomain), independent of the
// Begin load-else-synthesize flow above.
func TestPersistLoadRoundTrip(t *testing.T) {
    ns := newTestNamespace(t)

    id, err := Begin(ns, "alpha", "home")
    if err != nil {
        t.Fatalf("Begin: %v", err)
    }
    id.NodeID = "renamed"
    if err := Persist(ns, id); err != nil {
        t.Fatalf("Persist: %v", err)
    }

    reloaded, err := Load(ns)
    if err != nil {
        t.Fatalf("Load: %v", err)
    }
    if reloaded.NodeID != "renamed" {
        t.Fatalf("expected the rename to round-trip through Persist/Load, got %q", reloaded.NodeID)
    }
}
