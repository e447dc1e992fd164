// Package box implements the box state store (C5) and the lifecycle
// controller (C10): box creation, start/stop/exec/remove, and crash
// recovery reconciliation.
package box

import (
	"strings"

	"github.com/google/uuid"

	"github.com/boxlite/boxlite/internal/boxerr"
	"github.com/boxlite/boxlite/types"
)

// Index is the top-level DB structure persisted by the state store (C5),
// generalized from cocoon's hypervisor.VMIndex to BoxLite's richer record.
type Index struct {
	Boxes map[string]*types.Box `json:"boxes"`
	Names map[string]string     `json:"names"` // name -> box id

	// LockSlots tracks allocated lock-slot integers (spec.md §4.5
	// allocate_lock/free_lock), reused only once no box references them.
	LockSlots map[int]string `json:"lock_slots,omitempty"` // slot -> box id

	// Snapshots holds every box's external-COW snapshot records, keyed by
	// box id then snapshot name (spec.md §4.11, C11).
	Snapshots map[string]map[string]*types.SnapshotInfo `json:"snapshots,omitempty"`
}

// Init implements storage.Initer.
func (idx *Index) Init() {
	if idx.Boxes == nil {
		idx.Boxes = make(map[string]*types.Box)
	}
	if idx.Names == nil {
		idx.Names = make(map[string]string)
	}
	if idx.LockSlots == nil {
		idx.LockSlots = make(map[int]string)
	}
	if idx.Snapshots == nil {
		idx.Snapshots = make(map[string]map[string]*types.SnapshotInfo)
	}
}

// GenerateID returns a new box/container/snapshot identifier. Spec.md calls
// for ULID; no ULID library is present anywhere in the example pack this
// module was grounded on, and the teacher's own id generator
// (hypervisor.GenerateID, crypto/rand hex) is not time-sortable either —
// google/uuid, already a teacher dependency, is used instead and the
// deviation from the spec's literal "ULID" is recorded in DESIGN.md.
func GenerateID() string {
	return uuid.New().String()
}

// AllocateLockSlot returns the smallest non-negative integer not currently
// held by any box, and reserves it for boxID.
func (idx *Index) AllocateLockSlot(boxID string) int {
	slot := 0
	for {
		if owner, ok := idx.LockSlots[slot]; !ok || owner == "" {
			idx.LockSlots[slot] = boxID
			return slot
		}
		slot++
	}
}

// FreeLockSlot releases slot unconditionally; it does not check which box
// owns it. Callers pass the slot of the box being removed.
func (idx *Index) FreeLockSlot(slot int) {
	delete(idx.LockSlots, slot)
}

// ResolveRef resolves a user-supplied reference (exact ID, name, or ID
// prefix of at least 3 chars) to a full box ID, mirroring cocoon's
// hypervisor.ResolveVMRef resolution order.
func ResolveRef(idx *Index, ref string) (string, error) {
	if idx.Boxes[ref] != nil {
		return ref, nil
	}
	if id, ok := idx.Names[ref]; ok && idx.Boxes[id] != nil {
		return id, nil
	}
	if len(ref) >= 3 {
		var match string
		for id := range idx.Boxes {
			if strings.HasPrefix(id, ref) {
				if match != "" {
					return "", boxerr.New(boxerr.InvalidArgument, ref, "ambiguous box reference: multiple matches")
				}
				match = id
			}
		}
		if match != "" {
			return match, nil
		}
	}
	return "", boxerr.New(boxerr.NotFound, ref, "no such box")
}

// CheckName rejects creation if name is already bound to a live box (I1).
func (idx *Index) CheckName(name string) error {
	if name == "" {
		return nil
	}
	if id, ok := idx.Names[name]; ok && idx.Boxes[id] != nil {
		return boxerr.New(boxerr.AlreadyExists, name, "box name %q already in use", name)
	}
	return nil
}

// sanitizeName rejects names containing "/". An empty name is accepted:
// the box is then created without a name.
func sanitizeName(name string) error {
	if strings.Contains(name, "/") {
		return boxerr.New(boxerr.InvalidArgument, name, "box name must not contain '/'")
	}
	return nil
}

// ValidateConfig rejects boundary-case BoxConfig values per spec.md §8:
// cpus = 0, memory_mib = 0, empty command list, or an invalid name.
func ValidateConfig(cfg *types.BoxConfig) error {
	if err := sanitizeName(cfg.Name); err != nil {
		return err
	}
	if cfg.CPUs <= 0 {
		return boxerr.New(boxerr.InvalidArgument, cfg.Name, "cpus must be > 0")
	}
	if cfg.MemoryMiB <= 0 {
		return boxerr.New(boxerr.InvalidArgument, cfg.Name, "memory_mib must be > 0")
	}
	if len(cfg.Entrypoint) == 0 && len(cfg.Cmd) == 0 {
		return boxerr.New(boxerr.InvalidArgument, cfg.Name, "entrypoint/cmd must not both be empty")
	}
	if cfg.Rootfs.Image == "" && !cfg.Rootfs.IsPath() {
		return boxerr.New(boxerr.InvalidArgument, cfg.Name, "rootfs source is required")
	}
	return nil
}
