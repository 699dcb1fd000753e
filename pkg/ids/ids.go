// Package ids defines the opaque identifiers shared across the engine:
// servers, virtual servers, regions, spaces, subspaces, indices and
// state-transfer sessions.
package ids

import "fmt"

// ServerID is the opaque identity of a physical node.
type ServerID uint64

// VirtualServerID is the opaque identity of a replica slot. A virtual
// server maps to exactly one RegionID at a given configuration version.
type VirtualServerID uint64

// RegionID identifies a key-space partition within a space.
type RegionID uint64

// SpaceID identifies a logical container of subspaces.
type SpaceID uint64

// SubspaceID identifies a logical container of regions within a space.
// Every RegionID belongs to exactly one SubspaceID.
type SubspaceID uint64

// IndexID identifies a secondary index within a space.
type IndexID uint64

// TransferID identifies a single state-transfer session.
type TransferID uint64

func (s ServerID) String() string         { return fmt.Sprintf("server(%d)", uint64(s)) }
func (v VirtualServerID) String() string  { return fmt.Sprintf("vserver(%d)", uint64(v)) }
func (r RegionID) String() string         { return fmt.Sprintf("region(%d)", uint64(r)) }
func (s SpaceID) String() string          { return fmt.Sprintf("space(%d)", uint64(s)) }
func (s SubspaceID) String() string       { return fmt.Sprintf("subspace(%d)", uint64(s)) }
func (i IndexID) String() string          { return fmt.Sprintf("index(%d)", uint64(i)) }
func (t TransferID) String() string       { return fmt.Sprintf("transfer(%d)", uint64(t)) }

// Nil/zero sentinels. A RegionID of 0 is never assigned by the
// coordinator and is used as "no next region" in chain routing.
const (
	NoRegion    RegionID    = 0
	NoSubspace  SubspaceID  = 0
)
