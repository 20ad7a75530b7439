// Package identity implements the node's persisted identity: the
// (nodeId, subdomain, uuid) triple a node adopts on first boot and keeps
// across restarts, per the node lifecycle's begin() sequence.
package identity

import (
    "crypto/rand"
    "encoding/binary"
    "errors"
    "math/big"
    "strconv"
    "time"

    "go.uber.org/zap"

    "realmesh/pkg/meshtypes"
    "realmesh/pkg/store"
)

const namespace = "rm"

const (
    keyNodeID      = "node_id"
    keySubdomain   = "subdomain"
    keyUUID        = "uuid"
    keyFirstBoot   = "first_boot"
    keyBootCount   = "boot_count"
    keyTotalUptime = "total_uptime"
)

// Identity is the durable state a node carries across restarts.
type Identity struct {
    NodeID      string
    Subdomain   string
    UUID        meshtypes.UUID
    FirstBoot   time.Time
    BootCount   uint64
    TotalUptime time.Duration
}

// Begin loads a previously persisted identity, or synthesizes and persists
// a fresh one on first boot. desiredNodeID/desiredSubdomain seed the
// synthesized identity but are ignored once an identity has been
// committed: a crash before commit leaves the previous identity intact,
// so callers never silently rename an already-known node.
func Begin(ns store.Namespace, desiredNodeID, desiredSubdomain string) (*Identity, error) {
    id, err := load(ns)
    if err == nil {
        id.BootCount++
        if err := persist(ns, id); err != nil {
            return nil, err
        }
        zap.L().Info("identity loaded",
            zap.String("node_id", id.NodeID), zap.String("subdomain", id.Subdomain),
            zap.Uint64("boot_count", id.BootCount))
        return id, nil
    }
    if !errors.Is(err, store.ErrNotFound) {
        return nil, err
    }

    fresh, genErr := synthesize(desiredNodeID, desiredSubdomain)
    if genErr != nil {
        return nil, genErr
    }
    if err := persist(ns, fresh); err != nil {
        return nil, err
    }
    zap.L().Info("identity synthesized",
        zap.String("node_id", fresh.NodeID), zap.String("subdomain", fresh.Subdomain),
        zap.String("uuid", fresh.UUID.String()))
    return fresh, nil
}

func synthesize(desiredNodeID, desiredSubdomain string) (*Identity, error) {
    nodeID := desiredNodeID
    if nodeID == "" || !meshtypes.ValidIdent(nodeID) {
        n, err := randomIdent("node", 9999)
        if err != nil {
            return nil, err
        }
        nodeID = n
    }
    subdomain := desiredSubdomain
    if subdomain == "" || !meshtypes.ValidIdent(subdomain) {
        s, err := randomIdent("mesh", 99)
        if err != nil {
            return nil, err
        }
        subdomain = s
    }
    uuid, err := meshtypes.NewUUID()
    if err != nil {
        return nil, err
    }
    return &Identity{
        NodeID:    nodeID,
        Subdomain: subdomain,
        UUID:      uuid,
        FirstBoot: time.Now(),
        BootCount: 1,
    }, nil
}

// randomIdent draws a uniform integer in [0, bound) from crypto/rand and
// renders it as prefix+n, e.g. randomIdent("node", 10000) -> "node4821".
func randomIdent(prefix string, bound int64) (string, error) {
    n, err := rand.Int(rand.Reader, big.NewInt(bound))
    if err != nil {
        return "", err
    }
    return prefix + strconv.FormatInt(n.Int64(), 10), nil
}

func load(ns store.Namespace) (*Identity, error) {
    nodeID, err := ns.Get(keyNodeID)
    if err != nil {
        return nil, err
    }
    subdomain, err := ns.Get(keySubdomain)
    if err != nil {
        return nil, err
    }
    uuidBytes, err := ns.Get(keyUUID)
    if err != nil {
        return nil, err
    }
    if len(uuidBytes) != meshtypes.UUIDSize {
        return nil, errors.New("identity: corrupt uuid record")
    }
    var uuid meshtypes.UUID
    copy(uuid[:], uuidBytes)

    firstBootBytes, err := ns.Get(keyFirstBoot)
    if err != nil {
        return nil, err
    }
    bootCountBytes, err := ns.Get(keyBootCount)
    if err != nil {
        return nil, err
    }
    totalUptimeBytes, err := ns.Get(keyTotalUptime)
    if err != nil {
        return nil, err
    }

    return &Identity{
        NodeID:      string(nodeID),
        Subdomain:   string(subdomain),
        UUID:        uuid,
        FirstBoot:   time.Unix(int64(binary.LittleEndian.Uint32(firstBootBytes)), 0),
        BootCount:   uint64(binary.LittleEndian.Uint32(bootCountBytes)),
        TotalUptime: time.Duration(binary.LittleEndian.Uint32(totalUptimeBytes)) * time.Second,
    }, nil
}

// persist writes first_boot/boot_count/total_uptime as u32 little-endian
// fields, matching the documented on-disk layout: first_boot as unix
// seconds and total_uptime rounded down to whole seconds, both well within
// a u32's range for any realistic device lifetime.
func persist(ns store.Namespace, id *Identity) error {
    var firstBoot, bootCount, totalUptime [4]byte
    binary.LittleEndian.PutUint32(firstBoot[:], uint32(id.FirstBoot.Unix()))
    binary.LittleEndian.PutUint32(bootCount[:], uint32(id.BootCount))
    binary.LittleEndian.PutUint32(totalUptime[:], uint32(id.TotalUptime/time.Second))

    puts := map[string][]byte{
        keyNodeID:      []byte(id.NodeID),
        keySubdomain:   []byte(id.Subdomain),
        keyUUID:        append([]byte(nil), id.UUID[:]...),
        keyFirstBoot:   firstBoot[:],
        keyBootCount:   bootCount[:],
        keyTotalUptime: totalUptime[:],
    }
    for k, v := range puts {
        if err := ns.Put(k, v); err != nil {
            return err
        }
    }
    return ns.Commit()
}

// SaveUptime records accumulated uptime so the next boot's total_uptime
// reflects prior sessions.
func SaveUptime(ns store.Namespace, id *Identity, elapsed time.Duration) error {
    id.TotalUptime += elapsed
    return persist(ns, id)
}

// Persist commits id to ns, for callers outside this package that mutate
// an already-loaded Identity directly (a live nodeId/subdomain rename)
// and need the same load-else-synthesize-and-commit durability guarantee
// Begin gives first-boot identities.
func Persist(ns store.Namespace, id *Identity) error {
    return persist(ns, id)
}

// Load re-reads the identity record from ns, discarding whatever the
// caller's in-memory copy diverged to.
func Load(ns store.Namespace) (*Identity, error) {
    return load(ns)
}

// Namespace is the store namespace name identity records live under.
func Namespace() string { return namespace }
