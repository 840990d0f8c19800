//go:build linux

package memory

import (
	"golang.org/x/sys/unix"
)

// linuxPlatform implements Platform with raw mmap-family system calls.
// The engine hands out pointers into these mappings, so everything here
// works on raw addresses rather than Go slices.
type linuxPlatform struct{}

// Default returns the operating-system platform layer.
func Default() Platform {
	return linuxPlatform{}
}

func (linuxPlatform) Reserve(size uintptr) (uintptr, error) {
	addr, err := mmap(0, size, unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return 0, mapError("reserve", err)
	}
	return addr, nil
}

func (linuxPlatform) MapFixed(addr, size uintptr) error {
	_, err := mmap(addr, size, unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE|unix.MAP_FIXED)
	if err != nil {
		return mapError("map fixed", err)
	}
	return nil
}

func (linuxPlatform) ProtectRW(addr, size uintptr) error {
	return mprotect(addr, size, unix.PROT_READ|unix.PROT_WRITE)
}

func (linuxPlatform) ProtectRO(addr, size uintptr) error {
	return mprotect(addr, size, unix.PROT_READ)
}

func (linuxPlatform) Unmap(addr, size uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, size, 0)
	if errno != 0 {
		return mapError("unmap", errno)
	}
	return nil
}

func (linuxPlatform) RemapFixed(src, srcSize, dst, dstSize uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_MREMAP, src, srcSize, dstSize,
		unix.MREMAP_MAYMOVE|unix.MREMAP_FIXED, dst, 0)
	if errno != 0 {
		return mapError("remap fixed", errno)
	}
	return nil
}

func (linuxPlatform) CSPRNG(out []byte) error {
	for len(out) > 0 {
		n, err := unix.Getrandom(out, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return mapError("getrandom", err)
		}
		out = out[n:]
	}
	return nil
}

func mmap(addr, size uintptr, prot, flags int) (uintptr, error) {
	p, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, size,
		uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return p, nil
}

func mprotect(addr, size uintptr, prot int) error {
	_, _, errno := unix.Syscall(unix.SYS_MPROTECT, addr, size, uintptr(prot))
	if errno != 0 {
		return mapError("protect", errno)
	}
	return nil
}
