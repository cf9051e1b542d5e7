package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"
)

// Errors surfaced by ring creation, attachment and operation. All are
// matchable with errors.Is through whatever context was wrapped around
// them.
var (
	ErrRegionOpen      = errors.New("shared region open failed")
	ErrRegionTooSmall  = errors.New("shared region too small")
	ErrBadMagic        = errors.New("shared region magic mismatch")
	ErrAttachFailed    = errors.New("ring attach failed")
	ErrPayloadTooLarge = errors.New("payload exceeds slot size")
	ErrSynchronizer    = errors.New("semaphore protocol failure")
)

// Attachment keeps retrying for about two seconds. The window resolves the
// race where a consumer attaches while the owner is still initializing; a
// ring that is genuinely absent surfaces ErrAttachFailed promptly enough
// for misuse to be noticed.
const (
	attachRetries  = 20
	attachInterval = 100 * time.Millisecond
)

// Ring is one process's handle on a shared-memory message ring. A handle
// is owned by the creating process or attached by any other; the owner is
// the only one whose Unlink removes the kernel objects.
type Ring struct {
	name      string
	owner     bool
	f         *os.File
	data      []byte
	slotCount uint32
	slotSize  uint32

	free   *Sem
	filled *Sem
	mutex  *Sem

	logger log.Logger
}

func regionPath(name string) string {
	return filepath.Join(shmDir, strings.TrimPrefix(name, "/"))
}

// Create creates a ring named name with slotCount slots of slotSize
// payload bytes each, and publishes its semaphores. The caller becomes
// the owner. Fails with ErrRegionOpen if the name is already in use.
func Create(name string, slotCount, slotSize uint32, logger log.Logger) (*Ring, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if slotCount == 0 {
		return nil, fmt.Errorf("ring %s: slot count must be at least 1", name)
	}

	total := regionSize(slotCount, slotSize)
	f, err := os.OpenFile(regionPath(name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create region %s: %w: %w", name, ErrRegionOpen, err)
	}
	r := &Ring{name: name, owner: true, f: f, slotCount: slotCount, slotSize: slotSize, logger: logger}

	if err := f.Truncate(int64(total)); err != nil {
		r.destroyPartial()
		return nil, fmt.Errorf("size region %s: %w", name, err)
	}
	r.data, err = unix.Mmap(int(f.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		r.destroyPartial()
		return nil, fmt.Errorf("mmap region %s: %w", name, err)
	}

	freeName, filledName, mutexName := semNames(name)
	if r.free, err = createSem(freeName, slotCount); err != nil {
		r.destroyPartial()
		return nil, fmt.Errorf("ring %s: %w", name, err)
	}
	if r.filled, err = createSem(filledName, 0); err != nil {
		r.destroyPartial()
		return nil, fmt.Errorf("ring %s: %w", name, err)
	}
	if r.mutex, err = createSem(mutexName, 1); err != nil {
		r.destroyPartial()
		return nil, fmt.Errorf("ring %s: %w", name, err)
	}

	// The region arrives zeroed from the kernel: head, tail and every
	// slot length are already 0. Magic goes in last so attachers polling
	// the header keep retrying until the ring is fully set up.
	binary.LittleEndian.PutUint32(r.data[offVersion:], Version)
	binary.LittleEndian.PutUint32(r.data[offSlotCount:], slotCount)
	binary.LittleEndian.PutUint32(r.data[offSlotSize:], slotSize)
	binary.LittleEndian.PutUint32(r.data[offMagic:], Magic)

	level.Info(logger).Log("msg", "ring created", "name", name,
		"slots", slotCount, "slot_size", slotSize, "bytes", total)
	return r, nil
}

// destroyPartial tears down a half-built owner ring, removing whatever
// names were already published.
func (r *Ring) destroyPartial() {
	for _, s := range []*Sem{r.free, r.filled, r.mutex} {
		if s != nil {
			s.Close()
		}
	}
	if r.data != nil {
		unix.Munmap(r.data)
	}
	r.f.Close()
	freeName, filledName, mutexName := semNames(r.name)
	for _, n := range []string{freeName, filledName, mutexName} {
		unlinkSem(n)
	}
	os.Remove(regionPath(r.name))
}

// Attach opens an existing ring by name. Geometry is adopted from the
// region header, so attachers need not know what the owner chose. If the
// owner has not finished initializing (or has not started), Attach keeps
// retrying within the window above before giving up with ErrAttachFailed.
func Attach(name string, logger log.Logger) (*Ring, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	var (
		r       *Ring
		attempt int
	)
	op := func() error {
		ring, err := tryAttach(name, logger)
		if err != nil {
			attempt++
			level.Debug(logger).Log("msg", "ring not ready", "name", name,
				"attempt", attempt, "err", err)
			return err
		}
		r = ring
		return nil
	}
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(attachInterval), attachRetries)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("attach %s: %w: %w", name, ErrAttachFailed, err)
	}

	level.Info(logger).Log("msg", "ring attached", "name", name,
		"slots", r.slotCount, "slot_size", r.slotSize)
	return r, nil
}

// tryAttach performs one attachment attempt. Conditions that the owner's
// in-flight initialization will resolve come back as plain (retryable)
// errors; anything else is permanent.
func tryAttach(name string, logger log.Logger) (*Ring, error) {
	f, err := os.OpenFile(regionPath(name), os.O_RDWR, 0)
	if err != nil {
		err = fmt.Errorf("open region %s: %w: %w", name, ErrRegionOpen, err)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, backoff.Permanent(fmt.Errorf("stat region %s: %w", name, err))
	}
	if st.Size() < headerSize {
		// Owner opened the file but has not sized it yet.
		f.Close()
		return nil, fmt.Errorf("region %s: %w: %d bytes", name, ErrRegionTooSmall, st.Size())
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, backoff.Permanent(fmt.Errorf("mmap region %s: %w", name, err))
	}
	detach := func() {
		unix.Munmap(data)
		f.Close()
	}

	switch magic := binary.LittleEndian.Uint32(data[offMagic:]); {
	case magic == 0:
		// Header not written yet.
		detach()
		return nil, fmt.Errorf("region %s: %w: not initialized", name, ErrBadMagic)
	case magic != Magic:
		detach()
		return nil, backoff.Permanent(fmt.Errorf("region %s: %w: 0x%08X", name, ErrBadMagic, magic))
	}
	if v := binary.LittleEndian.Uint32(data[offVersion:]); v != Version {
		detach()
		return nil, backoff.Permanent(fmt.Errorf("region %s: %w: unsupported layout version %d", name, ErrBadMagic, v))
	}

	slotCount := binary.LittleEndian.Uint32(data[offSlotCount:])
	slotSize := binary.LittleEndian.Uint32(data[offSlotSize:])
	if slotCount == 0 {
		detach()
		return nil, backoff.Permanent(fmt.Errorf("region %s: %w: zero slot count", name, ErrBadMagic))
	}
	if need := regionSize(slotCount, slotSize); st.Size() < int64(need) {
		detach()
		return nil, backoff.Permanent(fmt.Errorf("region %s: %w: %d bytes, need %d", name, ErrRegionTooSmall, st.Size(), need))
	}

	r := &Ring{
		name:      name,
		f:         f,
		data:      data,
		slotCount: slotCount,
		slotSize:  slotSize,
		logger:    logger,
	}
	freeName, filledName, mutexName := semNames(name)
	names := []string{freeName, filledName, mutexName}
	sems := []**Sem{&r.free, &r.filled, &r.mutex}
	for i, n := range names {
		s, err := openSem(n)
		if err != nil {
			for _, open := range sems[:i] {
				(*open).Close()
			}
			detach()
			if errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		*sems[i] = s
	}
	return r, nil
}

func (r *Ring) head() uint32 { return binary.LittleEndian.Uint32(r.data[offHead:]) }
func (r *Ring) tail() uint32 { return binary.LittleEndian.Uint32(r.data[offTail:]) }

func (r *Ring) setHead(v uint32) { binary.LittleEndian.PutUint32(r.data[offHead:], v) }
func (r *Ring) setTail(v uint32) { binary.LittleEndian.PutUint32(r.data[offTail:], v) }

// slot returns the length-prefix-plus-payload bytes of slot idx.
func (r *Ring) slot(idx uint32) []byte {
	off := slotOffset(idx, r.slotSize)
	return r.data[off : off+slotStride(r.slotSize)]
}

// WriteMessage stores p as one message and makes it available to exactly
// one ReadMessage call. Blocks while the ring is full.
func (r *Ring) WriteMessage(p []byte) error {
	if len(p) > int(r.slotSize) {
		return fmt.Errorf("ring %s: %w: %d > %d", r.name, ErrPayloadTooLarge, len(p), r.slotSize)
	}
	if err := r.free.Wait(); err != nil {
		return fmt.Errorf("ring %s: %w: %w", r.name, ErrSynchronizer, err)
	}
	if err := r.mutex.Wait(); err != nil {
		// The free token acquired above is not returned: after a failed
		// mutex wait the counts can no longer be trusted and the handle
		// must be treated as broken.
		return fmt.Errorf("ring %s: %w: %w", r.name, ErrSynchronizer, err)
	}

	idx := r.tail()
	slot := r.slot(idx)
	binary.LittleEndian.PutUint32(slot, uint32(len(p)))
	copy(slot[lenPrefixSize:], p)
	r.setTail((idx + 1) % r.slotCount)

	if err := r.mutex.Post(); err != nil {
		return fmt.Errorf("ring %s: %w: %w", r.name, ErrSynchronizer, err)
	}
	if err := r.filled.Post(); err != nil {
		return fmt.Errorf("ring %s: %w: %w", r.name, ErrSynchronizer, err)
	}
	return nil
}

// ReadMessage removes the oldest message from the ring and returns its
// payload. Blocks while the ring is empty.
func (r *Ring) ReadMessage() ([]byte, error) {
	if err := r.filled.Wait(); err != nil {
		return nil, fmt.Errorf("ring %s: %w: %w", r.name, ErrSynchronizer, err)
	}
	if err := r.mutex.Wait(); err != nil {
		return nil, fmt.Errorf("ring %s: %w: %w", r.name, ErrSynchronizer, err)
	}

	idx := r.head()
	slot := r.slot(idx)
	n := binary.LittleEndian.Uint32(slot)
	if n > r.slotSize {
		r.mutex.Post()
		return nil, fmt.Errorf("ring %s: %w: slot %d claims %d bytes of %d",
			r.name, ErrSynchronizer, idx, n, r.slotSize)
	}
	out := make([]byte, n)
	copy(out, slot[lenPrefixSize:lenPrefixSize+int(n)])
	r.setHead((idx + 1) % r.slotCount)

	if err := r.mutex.Post(); err != nil {
		return nil, fmt.Errorf("ring %s: %w: %w", r.name, ErrSynchronizer, err)
	}
	if err := r.free.Post(); err != nil {
		return nil, fmt.Errorf("ring %s: %w: %w", r.name, ErrSynchronizer, err)
	}
	return out, nil
}

// Name returns the ring's region name.
func (r *Ring) Name() string { return r.name }

// SlotCount returns the number of message slots.
func (r *Ring) SlotCount() uint32 { return r.slotCount }

// SlotSize returns the maximum payload bytes per message.
func (r *Ring) SlotSize() uint32 { return r.slotSize }

// Owner reports whether this handle created the ring.
func (r *Ring) Owner() bool { return r.owner }

// Close detaches from the ring: semaphore handles, mapping and region
// file descriptor are released. The kernel objects stay published until
// the owner unlinks them.
func (r *Ring) Close() error {
	var errs []error
	for _, s := range []*Sem{r.free, r.filled, r.mutex} {
		if s != nil {
			errs = append(errs, s.Close())
		}
	}
	if r.data != nil {
		errs = append(errs, unix.Munmap(r.data))
		r.data = nil
	}
	errs = append(errs, r.f.Close())
	return errors.Join(errs...)
}

// Unlink removes the region and semaphore names from the kernel
// namespace. No-op unless called on the owner handle. Processes still
// attached keep working against the unnamed objects until they detach.
func (r *Ring) Unlink() error {
	if !r.owner {
		return nil
	}
	freeName, filledName, mutexName := semNames(r.name)
	err := errors.Join(
		os.Remove(regionPath(r.name)),
		unlinkSem(freeName),
		unlinkSem(filledName),
		unlinkSem(mutexName),
	)
	if err == nil {
		level.Info(r.logger).Log("msg", "ring unlinked", "name", r.name)
	}
	return err
}
