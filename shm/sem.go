package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// shmDir is where named regions and semaphores live. tmpfs-backed, so all
// objects vanish on reboot.
const shmDir = "/dev/shm"

// A semaphore is a 16-byte /dev/shm file whose first word is a futex. The
// file is filled in under a temporary name and published with link(2), so
// a process that opens the name never observes the word before its initial
// value is set. sem_open(3) implementations use the same trick, and the
// same sem.<name> file naming.
const semFileSize = 16

// Sem is a named counting semaphore shared across processes.
type Sem struct {
	name string
	f    *os.File
	mem  []byte
	val  *uint32
}

func semPath(name string) string {
	return filepath.Join(shmDir, "sem."+strings.TrimPrefix(name, "/"))
}

func mapSemFile(name string, f *os.File) (*Sem, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, semFileSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap semaphore %s: %w", name, err)
	}
	return &Sem{
		name: name,
		f:    f,
		mem:  mem,
		val:  (*uint32)(unsafe.Pointer(&mem[0])),
	}, nil
}

// createSem creates and publishes a semaphore with the given initial
// value. Fails with fs.ErrExist if the name is already published.
func createSem(name string, initial uint32) (*Sem, error) {
	path := semPath(name)
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())

	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create semaphore %s: %w", name, err)
	}
	if err := f.Truncate(semFileSize); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, fmt.Errorf("size semaphore %s: %w", name, err)
	}
	s, err := mapSemFile(name, f)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, err
	}
	atomic.StoreUint32(s.val, initial)

	if err := unix.Link(tmp, path); err != nil {
		s.Close()
		os.Remove(tmp)
		return nil, fmt.Errorf("publish semaphore %s: %w", name, err)
	}
	os.Remove(tmp)
	return s, nil
}

// openSem opens a published semaphore. Fails with fs.ErrNotExist if the
// creator has not published it yet.
func openSem(name string) (*Sem, error) {
	f, err := os.OpenFile(semPath(name), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open semaphore %s: %w", name, err)
	}
	s, err := mapSemFile(name, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Wait decrements the semaphore, blocking while its value is zero.
// Interruption by signal delivery is retried transparently.
func (s *Sem) Wait() error {
	for {
		v := atomic.LoadUint32(s.val)
		if v > 0 {
			if atomic.CompareAndSwapUint32(s.val, v, v-1) {
				return nil
			}
			continue
		}
		if err := futexWait(s.val, 0); err != nil {
			return fmt.Errorf("wait %s: %w", s.name, err)
		}
	}
}

// Post increments the semaphore and wakes one waiter.
func (s *Sem) Post() error {
	atomic.AddUint32(s.val, 1)
	if err := futexWake(s.val, 1); err != nil {
		return fmt.Errorf("post %s: %w", s.name, err)
	}
	return nil
}

// Value returns the current count. Racy by nature; meant for diagnostics.
func (s *Sem) Value() uint32 {
	return atomic.LoadUint32(s.val)
}

// Close detaches from the semaphore without removing its name.
func (s *Sem) Close() error {
	if s.mem == nil {
		return nil
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	s.val = nil
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// unlinkSem removes a semaphore name from the namespace. Processes still
// attached keep their mapping until they close it.
func unlinkSem(name string) error {
	return os.Remove(semPath(name))
}

// Linux futex(2) operation codes. golang.org/x/sys/unix does not export
// these; the values are part of the stable kernel ABI (linux/futex.h).
const (
	futexWaitOp = 0
	futexWakeOp = 1
)

// futexWait blocks until the word at addr changes from expect, the caller
// is signalled, or another process wakes the futex. EINTR and EAGAIN are
// not errors: the caller re-reads the word and decides.
func futexWait(addr *uint32, expect uint32) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), uintptr(futexWaitOp), uintptr(expect), 0, 0, 0)
	switch errno {
	case 0, unix.EINTR, unix.EAGAIN:
		return nil
	default:
		return errno
	}
}

func futexWake(addr *uint32, n int) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), uintptr(futexWakeOp), uintptr(n), 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
