package mmu

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FrameSize is the guest-physical page size this fuzzer works in.
const FrameSize = 4096

// FramePool is a contiguous, host-mmap'd region of memory registered
// with KVM as guest-physical memory, partitioned into FrameSize
// frames. It owns every frame; nothing outside the MMU holds a frame
// index directly.
type FramePool struct {
	// Mem is the host mapping of the entire guest-physical address
	// space, starting at guest-physical address 0.
	Mem []byte

	free []uint32 // LIFO stack of unused frame indices
}

// NewFramePool mmaps size bytes (rounded up to a frame boundary) of
// anonymous host memory and initializes the free list in increasing
// frame-index order.
func NewFramePool(size uint64) (*FramePool, error) {
	nframes := (size + FrameSize - 1) / FrameSize
	total := int(nframes * FrameSize)

	mem, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mmu: mmap guest memory (%d bytes): %w", total, err)
	}

	free := make([]uint32, nframes)
	for i := range free {
		free[i] = uint32(i)
	}

	return &FramePool{Mem: mem, free: free}, nil
}

// Close unmaps the frame pool's host memory.
func (p *FramePool) Close() error {
	if p.Mem == nil {
		return nil
	}
	err := unix.Munmap(p.Mem)
	p.Mem = nil
	return err
}

// NumFrames reports the total number of frames in the pool.
func (p *FramePool) NumFrames() int {
	return len(p.Mem) / FrameSize
}

// popFrame removes and returns the most-recently-freed frame index
// (or, before any frees, the highest unused index), erroring with
// ErrOOM when the pool is exhausted.
func (p *FramePool) popFrame() (uint32, error) {
	if len(p.free) == 0 {
		return 0, ErrOOM
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	clear(p.frameBytes(idx)) // builtin: zero the reused frame
	return idx, nil
}

// pushFrame returns a frame to the free list.
func (p *FramePool) pushFrame(idx uint32) {
	p.free = append(p.free, idx)
}

func (p *FramePool) frameAddr(idx uint32) uint64 {
	return uint64(idx) * FrameSize
}

func (p *FramePool) frameBytes(idx uint32) []byte {
	addr := p.frameAddr(idx)
	return p.Mem[addr : addr+FrameSize]
}

// FreeList returns a copy of the pool's free-frame stack, for a
// Snapshot to preserve alongside the memory bytes — which frames are
// unused is host-side bookkeeping, not something readable back out of
// guest memory.
func (p *FramePool) FreeList() []uint32 {
	return append([]uint32(nil), p.free...)
}

// RestoreFreeList replaces the free-frame stack, e.g. when Resetting a
// worker's pool back to its snapshot's allocation state.
func (p *FramePool) RestoreFreeList(free []uint32) {
	p.free = append([]uint32(nil), free...)
}
