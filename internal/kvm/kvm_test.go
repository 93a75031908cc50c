package kvm

import (
	"os"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

// skipUnlessKVM skips a test when /dev/kvm isn't present or usable,
// which is the normal case inside a container without nested
// virtualization enabled.
func skipUnlessKVM(t *testing.T) {
	t.Helper()
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		t.Skipf("skipping: /dev/kvm not usable: %v", err)
	}
	f.Close()
}

func TestDeviceVMVCPULifecycle(t *testing.T) {
	skipUnlessKVM(t)

	dev, err := OpenDevice()
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	defer dev.Close()

	vm, err := dev.CreateVM()
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer vm.Close()

	mem, err := unix.Mmap(-1, 0, 1<<20, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("mmap guest memory: %v", err)
	}
	defer unix.Munmap(mem)
	if err := vm.SetUserMemoryRegion(0, 0, mem); err != nil {
		t.Fatalf("SetUserMemoryRegion: %v", err)
	}

	mmapSize, err := dev.GetVCPUMmapSize()
	if err != nil {
		t.Fatalf("GetVCPUMmapSize: %v", err)
	}
	if mmapSize <= 0 {
		t.Fatalf("GetVCPUMmapSize = %d, want > 0", mmapSize)
	}

	vcpu, err := vm.CreateVCPU(0, mmapSize)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}
	defer vcpu.Close()

	if _, err := vcpu.GetRegs(); err != nil {
		t.Fatalf("GetRegs: %v", err)
	}
	if _, err := vcpu.GetSregs(); err != nil {
		t.Fatalf("GetSregs: %v", err)
	}
}

func TestGetDirtyLogReturnsOneWordPerUpToSixtyFourPages(t *testing.T) {
	skipUnlessKVM(t)

	dev, err := OpenDevice()
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	defer dev.Close()
	vm, err := dev.CreateVM()
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer vm.Close()

	mem, err := unix.Mmap(-1, 0, 1<<20, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	defer unix.Munmap(mem)
	if err := vm.SetUserMemoryRegion(0, 0, mem); err != nil {
		t.Fatalf("SetUserMemoryRegion: %v", err)
	}

	bitmap, err := vm.GetDirtyLog(0, 256) // 1MiB / 4KiB = 256 pages
	if err != nil {
		t.Fatalf("GetDirtyLog: %v", err)
	}
	if len(bitmap) != 4 {
		t.Fatalf("len(bitmap) = %d, want 4 (256 pages / 64 bits per word)", len(bitmap))
	}
}

func TestIOExitDecodesDirectionPortAndData(t *testing.T) {
	var run RunData
	run.ExitReason = ExitIO

	io := (*ioExit)(unsafe.Pointer(&run.Union[0]))
	io.Direction = IODirOut
	io.Port = 0x505
	io.Size = 1
	io.Count = 1

	// DataOffset is relative to the start of RunData (not Union); put
	// the payload byte well past the ioExit header itself, inside Union.
	const payloadOffsetInUnion = 64
	io.DataOffset = uint64(unsafe.Offsetof(run.Union)) + payloadOffsetInUnion
	run.Union[payloadOffsetInUnion] = 0x42

	dir, port, size, count, data := run.IOExit()
	if dir != IODirOut {
		t.Fatalf("dir = %d, want IODirOut", dir)
	}
	if port != 0x505 {
		t.Fatalf("port = %#x, want 0x505", port)
	}
	if size != 1 || count != 1 {
		t.Fatalf("size=%d count=%d, want 1,1", size, count)
	}
	if len(data) != 1 || data[0] != 0x42 {
		t.Fatalf("data = %v, want [0x42]", data)
	}
}

func TestDebugExitDecodesPCAndDR6(t *testing.T) {
	var run RunData
	run.ExitReason = ExitDebug

	d := (*debugExit)(unsafe.Pointer(&run.Union[0]))
	d.PC = 0xdeadbeef
	d.DR6 = 0xf00d

	pc, dr6 := run.DebugExit()
	if pc != 0xdeadbeef {
		t.Fatalf("pc = %#x, want 0xdeadbeef", pc)
	}
	if dr6 != 0xf00d {
		t.Fatalf("dr6 = %#x, want 0xf00d", dr6)
	}
}

func TestMMIOExitDecodesAddrAndData(t *testing.T) {
	var run RunData
	run.ExitReason = ExitMMIO

	m := (*mmioExit)(unsafe.Pointer(&run.Union[0]))
	m.PhysAddr = 0xfee00000
	m.Len = 4
	m.IsWrite = 1
	copy(m.Data[:], []byte{1, 2, 3, 4})

	addr, data, isWrite := run.MMIOExit()
	if addr != 0xfee00000 {
		t.Fatalf("addr = %#x, want 0xfee00000", addr)
	}
	if !isWrite {
		t.Fatal("isWrite = false, want true")
	}
	if len(data) != 4 {
		t.Fatalf("len(data) = %d, want 4", len(data))
	}
}
