// ABOUTME: Shared memory allocation and mapping
// ABOUTME: memfd-backed regions passed to clients over SCM_RIGHTS
package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Mapping is one mmap'd shared region plus the fd it came from. The fd stays
// open so it can be handed to a client over the control socket.
type Mapping struct {
	Buf    []byte
	fd     int
	closed bool
}

// CreateMapping allocates a sealed memfd of the given size and maps it
// read/write. name only shows up in /proc for debugging.
func CreateMapping(name string, size int) (*Mapping, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd_create %s: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate %s: %w", name, err)
	}
	// Seal the size so a misbehaving client cannot shrink the mapping under us.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS,
		unix.F_SEAL_SHRINK|unix.F_SEAL_GROW); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("seal %s: %w", name, err)
	}
	buf, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap %s: %w", name, err)
	}
	return &Mapping{Buf: buf, fd: fd}, nil
}

// AttachMapping maps an fd received from the daemon.
func AttachMapping(fd int, size int, writable bool) (*Mapping, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	buf, err := unix.Mmap(fd, 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap attached fd %d: %w", fd, err)
	}
	return &Mapping{Buf: buf, fd: fd}, nil
}

// Fd returns the file descriptor backing the mapping.
func (m *Mapping) Fd() int { return m.fd }

// Close unmaps the region and closes the fd. Safe to call twice; the second
// call is a no-op so teardown paths can overlap without double-close.
func (m *Mapping) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	var first error
	if m.Buf != nil {
		if err := unix.Munmap(m.Buf); err != nil {
			first = err
		}
		m.Buf = nil
	}
	if err := unix.Close(m.fd); err != nil && first == nil {
		first = err
	}
	if first != nil {
		return fmt.Errorf("close mapping: %w", first)
	}
	return nil
}
