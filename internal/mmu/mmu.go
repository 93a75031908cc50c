package mmu

import (
	"encoding/binary"
	"fmt"
)

// defaultBase is the first virtual address handed out by the
// bump-allocating Alloc(size, flags) form; it sits above the null
// page so a stray null-pointer guest access still faults.
const defaultBase = 0x0001_0000

// maxReadString caps ReadString to bound unsafe guest-controlled input
// (spec: "with a hard cap (e.g., 4 KiB) to bound unsafe input").
const maxReadString = FrameSize

// MMU owns a FramePool and the 4-level (PML4/PDPT/PD/PT) page table
// mapping guest-virtual to guest-physical addresses for one VM
// instance. It is the sole owner of every frame; other components
// only ever hold guest-virtual addresses.
type MMU struct {
	pool   *FramePool
	root   uint32 // frame index of the PML4 table; never freed
	nextVA uint64
}

// New allocates the PML4 root frame from pool and returns a fresh,
// empty MMU.
func New(pool *FramePool) (*MMU, error) {
	root, err := pool.popFrame()
	if err != nil {
		return nil, fmt.Errorf("mmu: allocating page table root: %w", err)
	}
	return &MMU{pool: pool, root: root, nextVA: defaultBase}, nil
}

// RootFrame returns the guest-physical address of the PML4 table, for
// programming CR3.
func (m *MMU) RootFrame() uint64 {
	return m.pool.frameAddr(m.root)
}

// NextVA returns the bump-allocation cursor used by Alloc, so a
// snapshot can preserve it across a Clone.
func (m *MMU) NextVA() uint64 {
	return m.nextVA
}

// Adopt builds an MMU over a page table that already exists in pool's
// memory (typically a byte-for-byte copy of a snapshot's guest
// memory), rather than allocating a fresh PML4. Used when cloning a
// worker's VmInstance from a Snapshot: the snapshot's frame pool bytes
// already contain a fully-formed table hierarchy, so Adopt just points
// at its root instead of building a new one.
func Adopt(pool *FramePool, rootFrameAddr uint64, nextVA uint64) *MMU {
	return &MMU{pool: pool, root: uint32(rootFrameAddr / FrameSize), nextVA: nextVA}
}

func (m *MMU) table(frame uint32) []pte {
	b := m.pool.frameBytes(frame)
	out := make([]pte, entriesPerTable)
	for i := range out {
		out[i] = pte(binary.LittleEndian.Uint64(b[i*8 : i*8+8]))
	}
	return out
}

func (m *MMU) writeEntry(frame uint32, idx int, e pte) {
	b := m.pool.frameBytes(frame)
	binary.LittleEndian.PutUint64(b[idx*8:idx*8+8], uint64(e))
}

func (m *MMU) readEntry(frame uint32, idx int) pte {
	b := m.pool.frameBytes(frame)
	return pte(binary.LittleEndian.Uint64(b[idx*8 : idx*8+8]))
}

// walk descends the table for va, creating intermediate PDPT/PD/PT
// frames with permissive flags when create is true. It returns the
// frame and index of the leaf PT entry, or ok=false if a translation
// is missing and create is false. It also reports if the walk
// terminated early at a huge (2MB) PD leaf.
func (m *MMU) walk(va uint64, create bool) (leafFrame uint32, leafIdx int, hugeLeaf *pte, ok bool) {
	pml4i, pdpti, pdi, pti, _ := vaIndices(va)

	step := func(tableFrame uint32, idx int) (uint32, bool) {
		e := m.readEntry(tableFrame, idx)
		if e.present() {
			return uint32(e.addr() / FrameSize), true
		}
		if !create {
			return 0, false
		}
		frame, err := m.pool.popFrame()
		if err != nil {
			return 0, false
		}
		m.writeEntry(tableFrame, idx, newPTE(m.pool.frameAddr(frame), permissiveIntermediate))
		return frame, true
	}

	pdptFrame, ok := step(m.root, pml4i)
	if !ok {
		return 0, 0, nil, false
	}
	pdFrame, ok := step(pdptFrame, pdpti)
	if !ok {
		return 0, 0, nil, false
	}
	pdEntry := m.readEntry(pdFrame, pdi)
	if pdEntry.present() && pdEntry.huge() {
		return pdFrame, pdi, &pdEntry, true
	}
	ptFrame, ok := step(pdFrame, pdi)
	if !ok {
		return 0, 0, nil, false
	}
	return ptFrame, pti, nil, true
}

// lookup performs a read-only walk, returning the leaf PTE for va.
func (m *MMU) lookup(va uint64) (pte, bool) {
	frame, idx, huge, ok := m.walk(va, false)
	if !ok {
		return 0, false
	}
	if huge != nil {
		return *huge, true
	}
	e := m.readEntry(frame, idx)
	if !e.present() {
		return 0, false
	}
	return e, true
}

func pageAlign(va uint64) uint64 { return va &^ (FrameSize - 1) }
func roundUpPage(n uint64) uint64 {
	return (n + FrameSize - 1) &^ (FrameSize - 1)
}

// anyMapped reports whether any page in [va, va+size) has a translation.
func (m *MMU) anyMapped(va uint64, size uint64) bool {
	start := pageAlign(va)
	end := pageAlign(va + size - 1)
	for p := start; p <= end; p += FrameSize {
		if _, ok := m.lookup(p); ok {
			return true
		}
	}
	return false
}

// mapPage creates (or overwrites) the leaf mapping for one page.
func (m *MMU) mapPage(va uint64, frame uint32, flags Flags) error {
	tableFrame, idx, huge, ok := m.walk(va, true)
	if !ok || huge != nil {
		return ErrOOM
	}
	_ = tableFrame
	m.writeEntry(tableFrame, idx, newPTE(m.pool.frameAddr(frame), flags|Present))
	return nil
}

// AllocAt reserves size bytes (rounded up to a page) at the
// caller-specified guest-virtual address, backing each page with a
// freshly popped frame and the given leaf flags.
func (m *MMU) AllocAt(vaddr uint64, size uint64, flags Flags) error {
	if vaddr%FrameSize != 0 {
		return fmt.Errorf("mmu: AllocAt: unaligned vaddr 0x%x", vaddr)
	}
	size = roundUpPage(size)
	if m.anyMapped(vaddr, size) {
		return ErrRangeBusy
	}
	for off := uint64(0); off < size; off += FrameSize {
		frame, err := m.pool.popFrame()
		if err != nil {
			return err
		}
		if err := m.mapPage(vaddr+off, frame, flags); err != nil {
			m.pool.pushFrame(frame)
			return err
		}
	}
	return nil
}

// Alloc reserves size bytes (rounded up to a page) at an
// implementation-chosen virtual address not colliding with any
// existing mapping, backing each page with a freshly popped frame.
func (m *MMU) Alloc(size uint64, flags Flags) (uint64, error) {
	size = roundUpPage(size)
	for {
		vaddr := m.nextVA
		m.nextVA += size
		if !m.anyMapped(vaddr, size) {
			if err := m.AllocAt(vaddr, size, flags); err != nil {
				return 0, err
			}
			return vaddr, nil
		}
		// Extremely unlikely given a monotonically bumped cursor, but
		// keep scanning forward rather than ever reusing a live range.
	}
}

// Free unmaps [vaddr, vaddr+size) and returns the backing frames to
// the pool's free list.
func (m *MMU) Free(vaddr uint64, size uint64) error {
	if vaddr%FrameSize != 0 {
		return fmt.Errorf("mmu: Free: unaligned vaddr 0x%x", vaddr)
	}
	size = roundUpPage(size)
	for off := uint64(0); off < size; off += FrameSize {
		va := vaddr + off
		frame, idx, huge, ok := m.walk(va, false)
		if !ok || huge != nil {
			continue
		}
		e := m.readEntry(frame, idx)
		if !e.present() {
			continue
		}
		m.pool.pushFrame(uint32(e.addr() / FrameSize))
		m.writeEntry(frame, idx, 0)
	}
	return nil
}

// SetFlags rewrites the leaf PTE flags for every page in
// [vaddr, vaddr+size). Intermediate tables keep their permissive
// flags; the leaf alone governs effective permission.
func (m *MMU) SetFlags(vaddr uint64, size uint64, flags Flags) error {
	size = roundUpPage(pageAlign(vaddr)+size) - pageAlign(vaddr)
	for off := uint64(0); off < size; off += FrameSize {
		va := pageAlign(vaddr) + off
		frame, idx, huge, ok := m.walk(va, false)
		if !ok || huge != nil {
			return &AccessFault{Kind: AccessWrite, Vaddr: va}
		}
		e := m.readEntry(frame, idx)
		if !e.present() {
			return &AccessFault{Kind: AccessWrite, Vaddr: va}
		}
		m.writeEntry(frame, idx, e.withFlags(flags|Present))
	}
	return nil
}

// translate returns the host-memory slice backing one page's worth of
// guest-virtual address space, honoring want (read/write/exec).
func (m *MMU) translate(va uint64, want AccessKind) ([]byte, error) {
	e, ok := m.lookup(va)
	if !ok {
		return nil, &AccessFault{Kind: want, Vaddr: va}
	}
	f := e.flags()
	switch want {
	case AccessWrite:
		if f&Writable == 0 {
			return nil, &AccessFault{Kind: AccessWrite, Vaddr: va}
		}
	case AccessExec:
		if f&NoExecute != 0 {
			return nil, &AccessFault{Kind: AccessExec, Vaddr: va}
		}
	}
	frameBase := e.addr()
	if e.huge() {
		// 2MB leaf: offset within the huge page.
		off := va & (0x200000 - 1)
		return m.pool.Mem[frameBase+off : frameBase+0x200000], nil
	}
	off := va & (FrameSize - 1)
	return m.pool.Mem[frameBase+off : frameBase+FrameSize], nil
}

// Read copies len bytes starting at vaddr out of guest memory,
// crossing page boundaries as needed.
func (m *MMU) Read(vaddr uint64, length int) ([]byte, error) {
	out := make([]byte, length)
	if err := m.copyFrom(vaddr, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MMU) copyFrom(vaddr uint64, dst []byte) error {
	for len(dst) > 0 {
		page, err := m.translate(vaddr, AccessRead)
		if err != nil {
			return err
		}
		n := copy(dst, page)
		dst = dst[n:]
		vaddr += uint64(n)
	}
	return nil
}

// Write copies data into guest memory starting at vaddr, crossing
// page boundaries as needed. Fails with an access fault (leaving
// memory unmodified up to the faulting page) if any touched page is
// not mapped writable.
func (m *MMU) Write(vaddr uint64, data []byte) error {
	// Validate the whole range before mutating anything, so a fault
	// midway through a multi-page write never partially applies.
	v := vaddr
	remaining := len(data)
	for remaining > 0 {
		page, err := m.translate(v, AccessWrite)
		if err != nil {
			return err
		}
		n := len(page)
		if n > remaining {
			n = remaining
		}
		v += uint64(n)
		remaining -= n
	}

	v = vaddr
	src := data
	for len(src) > 0 {
		page, _ := m.translate(v, AccessWrite)
		n := copy(page, src)
		src = src[n:]
		v += uint64(n)
	}
	return nil
}

// ReadString reads a NUL-terminated byte string starting at vaddr,
// capped at maxReadString bytes to bound unsafe guest-controlled
// length.
func (m *MMU) ReadString(vaddr uint64) ([]byte, error) {
	var out []byte
	for i := 0; i < maxReadString; i++ {
		b, err := m.Read(vaddr+uint64(i), 1)
		if err != nil {
			return nil, err
		}
		if b[0] == 0 {
			return out, nil
		}
		out = append(out, b[0])
	}
	return out, nil
}
