package linker

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// WriteOutputFile commits the fully-built image to disk. Modeled on mold's
// OutputFile: an mmap'd write is used instead of a single large Write call
// so the kernel pages the image out directly rather than staying pinned in
// one big userspace buffer, which matters once ctx.Buf reaches the size of
// a real statically-linked executable.
func WriteOutputFile(path string, buf []byte) error {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0777)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	if len(buf) == 0 {
		return nil
	}

	if err := unix.Ftruncate(int(file.Fd()), int64(len(buf))); err != nil {
		return fmt.Errorf("ftruncate %s: %w", path, err)
	}

	mapped, err := unix.Mmap(int(file.Fd()), 0, len(buf), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", path, err)
	}
	defer func() { _ = unix.Munmap(mapped) }()

	copy(mapped, buf)

	return nil
}
