// Package model holds the data types replicated between Synche peers: sync
// directories, entry records, domain events, and the wire-level announcement
// shape the Sync Protocol carries. Nothing in this package touches disk or
// the network; it is the vocabulary the rest of the module shares.
package model

import "time"

// EntryKind distinguishes a file entry from a directory entry. Directories
// carry a VersionVector but no payload; their record exists only to
// propagate create/delete of the directory itself.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindDirectory
)

func (k EntryKind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// SyncDirectory is a named top-level folder replicated across every peer
// that also has a directory of the same name. RootAbsPath is local to this
// device. IgnoreRules is carried as plain data; nothing in this module fills
// or reads it, and the active .gitignore rules live in ignore.Filter.
type SyncDirectory struct {
	Name        string
	RootAbsPath string
	IgnoreRules []string
}

// EntryKey identifies an entry by the pair the Metadata Store keys on.
type EntryKey struct {
	Dir  string
	Path string
}

// EntryRecord is the replicated metadata for one file or directory. A
// tombstoned record has no meaningful Hash/Size and no on-disk presence, a
// File record's Hash matches its on-disk content outside the bounded window
// of a staging write, and the vector entry for self never regresses.
type EntryRecord struct {
	Dir                 string
	Path                string
	Kind                EntryKind
	VV                  map[string]uint64
	Hash                string
	Size                uint64
	Tombstone           bool
	LastModifiedLocalNs uint64
}

// Key returns the (dir, path) pair this record is stored under.
func (e *EntryRecord) Key() EntryKey {
	return EntryKey{Dir: e.Dir, Path: e.Path}
}

// Clone returns a deep copy so callers can mutate the version vector without
// aliasing the stored record.
func (e *EntryRecord) Clone() *EntryRecord {
	vv := make(map[string]uint64, len(e.VV))
	for k, v := range e.VV {
		vv[k] = v
	}
	return &EntryRecord{
		Dir:                 e.Dir,
		Path:                e.Path,
		Kind:                e.Kind,
		VV:                  vv,
		Hash:                e.Hash,
		Size:                e.Size,
		Tombstone:           e.Tombstone,
		LastModifiedLocalNs: e.LastModifiedLocalNs,
	}
}

// Announcement is what a peer sends over the wire to declare the version of
// an entry it currently holds. OriginPeer is the peer
// that produced this specific announcement, used by the Conflict Resolver to
// pick a deterministic primary.
type Announcement struct {
	Dir        string
	Path       string
	Kind       EntryKind
	VV         map[string]uint64
	Hash       string
	Size       uint64
	Tombstone  bool
	OriginPeer string
}

// FromRecord builds the wire announcement for a stored record.
func FromRecord(r *EntryRecord, originPeer string) Announcement {
	vv := make(map[string]uint64, len(r.VV))
	for k, v := range r.VV {
		vv[k] = v
	}
	return Announcement{
		Dir:        r.Dir,
		Path:       r.Path,
		Kind:       r.Kind,
		VV:         vv,
		Hash:       r.Hash,
		Size:       r.Size,
		Tombstone:  r.Tombstone,
		OriginPeer: originPeer,
	}
}

// Decision is what the Entry Manager returns from observe_local/apply_remote/
// mark_deleted_local: whether anything changed, and if so what.
type DecisionKind int

const (
	NoOp DecisionKind = iota
	Updated
	Conflict
)

type Decision struct {
	Kind        DecisionKind
	Record      *EntryRecord
	LocalBefore *EntryRecord // set for Conflict, and for Updated when a prior record existed
	Remote      *EntryRecord // only set for Conflict: the sidecar record
	// PrimaryIsLocal is only meaningful for Conflict: true when Record's
	// bytes are already correct on disk (the local side won the tie-break),
	// false when Record's bytes must still be fetched from the peer whose
	// announcement won.
	PrimaryIsLocal bool
}

// WatchEventKind is the logical, debounced event the Watcher Adapter emits.
type WatchEventKind int

const (
	EvCreated WatchEventKind = iota
	EvModified
	EvRemoved
)

type WatchEvent struct {
	Dir  string
	Path string
	Kind WatchEventKind
	At   time.Time
}

// DomainEvent is the broadcast unit on the Event Bus.
type DomainEvent interface {
	domainEvent()
}

type PeerConnected struct {
	ID       string
	Addr     string
	Hostname string
}

type PeerDisconnected struct {
	ID string
}

type SyncDirectoryAdded struct {
	Name string
}

type SyncDirectoryRemoved struct {
	Name string
}

type EntryUpdated struct {
	Dir  string
	Path string
}

type ConflictCreated struct {
	Dir         string
	Path        string
	SidecarPath string
}

type ServerRestart struct{}

func (PeerConnected) domainEvent()        {}
func (PeerDisconnected) domainEvent()     {}
func (SyncDirectoryAdded) domainEvent()   {}
func (SyncDirectoryRemoved) domainEvent() {}
func (EntryUpdated) domainEvent()         {}
func (ConflictCreated) domainEvent()      {}
func (ServerRestart) domainEvent()        {}
