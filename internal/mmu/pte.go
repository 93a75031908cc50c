package mmu

// Flags is the standard x86-64 page-table-entry flag set. The MMU's
// leaf PTEs carry the caller's requested flags; intermediate levels
// are created lazily with a permissive set so the leaf alone governs
// effective permission (the walk ANDs permissions together in real
// hardware, but Present/Writable/User/NX on the leaf is what matters
// here since every intermediate table this MMU builds is
// present+writable+user).
type Flags uint64

const (
	Present Flags = 1 << 0
	Writable Flags = 1 << 1
	User     Flags = 1 << 2
	WriteThrough Flags = 1 << 3
	CacheDisable Flags = 1 << 4
	Accessed Flags = 1 << 5
	Dirty    Flags = 1 << 6
	Huge     Flags = 1 << 7 // PS bit, PDE/PDPTE only
	Global   Flags = 1 << 8
	NoExecute Flags = 1 << 63

	permissiveIntermediate = Present | Writable | User

	addrMask uint64 = 0x000F_FFFF_FFFF_F000 // bits 12-51
)

type pte uint64

func newPTE(frameAddr uint64, flags Flags) pte {
	return pte((frameAddr & addrMask) | (uint64(flags) &^ addrMask))
}

func (e pte) present() bool { return uint64(e)&uint64(Present) != 0 }
func (e pte) huge() bool    { return uint64(e)&uint64(Huge) != 0 }
func (e pte) addr() uint64  { return uint64(e) & addrMask }
func (e pte) flags() Flags  { return Flags(uint64(e) &^ addrMask) }
func (e pte) withFlags(f Flags) pte {
	return pte((uint64(e) & addrMask) | (uint64(f) &^ addrMask))
}

const entriesPerTable = 512

// vaIndices splits a canonical 48-bit virtual address into its
// PML4/PDPT/PD/PT indices and the in-page byte offset (the standard
// 9/9/9/9/12 split).
func vaIndices(va uint64) (pml4, pdpt, pd, pt, off int) {
	pml4 = int((va >> 39) & 0x1FF)
	pdpt = int((va >> 30) & 0x1FF)
	pd = int((va >> 21) & 0x1FF)
	pt = int((va >> 12) & 0x1FF)
	off = int(va & 0xFFF)
	return
}
