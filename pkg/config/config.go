// Package config loads the YAML placement file cmd/meridiand reads at
// startup, the stand-in for the external configuration-consensus
// service spec.md §1 places out of scope ("No consensus on
// configurations"). It turns the file's plain names and numbers into
// the typed coordinator.Configuration the core expects, resolving
// attribute type names through pkg/datatype the way the coordinator
// resolves everything else the core treats as an external interface.
package config

import (
	"fmt"
	"os"

	"github.com/meridiandb/meridian/pkg/coordinator"
	"github.com/meridiandb/meridian/pkg/datatype"
	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/meridiandb/meridian/pkg/index"
	"gopkg.in/yaml.v3"
)

// Attr is one secondary attribute's YAML declaration.
type Attr struct {
	ID        uint64 `yaml:"id"`
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Container bool   `yaml:"container"`
}

// Schema is a region's attribute layout as declared in YAML.
type Schema struct {
	PrimaryKey string `yaml:"primary_key"`
	Attrs      []Attr `yaml:"attrs"`
}

// Region is one region's placement as declared in YAML.
type Region struct {
	Chain      []uint64 `yaml:"chain"`
	Subspace   uint64   `yaml:"subspace"`
	NextRegion uint64   `yaml:"next_region"`
	Schema     Schema   `yaml:"schema"`
}

// File is the top-level shape of a meridiand placement file: this
// node's identity plus the whole cluster's region/virtual-server
// layout, loaded whole the way Reconfigure expects to receive it.
type File struct {
	ServerID uint64            `yaml:"server_id"`
	BindAddr string            `yaml:"bind_addr"`
	DataDir  string            `yaml:"data_dir"`
	Peers    map[uint64]string `yaml:"peers"`
	Owners   map[uint64]uint64 `yaml:"owners"`
	Regions  map[uint64]Region `yaml:"regions"`
}

// Load reads and parses path into a File.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &f, nil
}

// Configuration converts f's region/ownership declarations into a
// coordinator.Configuration, the shape Reconfigure applies.
func (f *File) Configuration() (*coordinator.Configuration, error) {
	cfg := &coordinator.Configuration{
		Epoch:   1,
		Regions: make(map[ids.RegionID]coordinator.RegionConfig, len(f.Regions)),
		Owner:   make(map[ids.VirtualServerID]ids.ServerID, len(f.Owners)),
	}
	for vs, sid := range f.Owners {
		cfg.Owner[ids.VirtualServerID(vs)] = ids.ServerID(sid)
	}
	for rid, r := range f.Regions {
		schema, err := r.Schema.toIndexSchema()
		if err != nil {
			return nil, fmt.Errorf("config: region %d: %w", rid, err)
		}
		chain := make([]ids.VirtualServerID, len(r.Chain))
		for i, vs := range r.Chain {
			chain[i] = ids.VirtualServerID(vs)
		}
		cfg.Regions[ids.RegionID(rid)] = coordinator.RegionConfig{
			Chain:      chain,
			Subspace:   ids.SubspaceID(r.Subspace),
			NextRegion: ids.RegionID(r.NextRegion),
			Schema:     schema,
		}
	}
	return cfg, nil
}

func (s Schema) toIndexSchema() (index.Schema, error) {
	pk, ok := datatype.Lookup(s.PrimaryKey)
	if !ok {
		return index.Schema{}, fmt.Errorf("unknown primary key type %q", s.PrimaryKey)
	}
	attrs := make([]index.Attr, len(s.Attrs))
	for i, a := range s.Attrs {
		t, ok := datatype.Lookup(a.Type)
		if !ok {
			return index.Schema{}, fmt.Errorf("attribute %q: unknown type %q", a.Name, a.Type)
		}
		attrs[i] = index.Attr{
			ID:        ids.IndexID(a.ID),
			Name:      a.Name,
			Type:      t,
			Container: a.Container,
		}
	}
	return index.Schema{PrimaryKey: pk, Attrs: attrs}, nil
}

// AddressBook resolves server and virtual-server addressing for
// transport.NewGRPCBus from f's peers/owners maps.
type AddressBook struct {
	peers  map[ids.ServerID]string
	owners map[ids.VirtualServerID]ids.ServerID
}

// Addresses builds an AddressBook from f.
func (f *File) Addresses() *AddressBook {
	ab := &AddressBook{
		peers:  make(map[ids.ServerID]string, len(f.Peers)),
		owners: make(map[ids.VirtualServerID]ids.ServerID, len(f.Owners)),
	}
	for sid, addr := range f.Peers {
		ab.peers[ids.ServerID(sid)] = addr
	}
	for vs, sid := range f.Owners {
		ab.owners[ids.VirtualServerID(vs)] = ids.ServerID(sid)
	}
	return ab
}

// AddrOf resolves a server to its gRPC listen address.
func (ab *AddressBook) AddrOf(sid ids.ServerID) (string, error) {
	addr, ok := ab.peers[sid]
	if !ok {
		return "", fmt.Errorf("config: no address for %s", sid)
	}
	return addr, nil
}

// OwnerOf resolves a virtual server to the physical server hosting it.
func (ab *AddressBook) OwnerOf(vsid ids.VirtualServerID) (ids.ServerID, error) {
	sid, ok := ab.owners[vsid]
	if !ok {
		return 0, fmt.Errorf("config: no owner for %s", vsid)
	}
	return sid, nil
}
