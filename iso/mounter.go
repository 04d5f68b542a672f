package iso

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mounter attaches images to loop devices and mounts them. The kernel
// implementation is swapped for a fake in tests.
type Mounter interface {
	// Attach binds the image file to a free loop device and returns its
	// node, e.g. /dev/loop3.
	Attach(imagePath string) (string, error)
	// Mount mounts the loop device read-only at target.
	Mount(loopDev, target string) error
	// Unmount unmounts target.
	Unmount(target string) error
	// Detach releases the loop device.
	Detach(loopDev string) error
}

// LoopMounter drives the kernel loop driver directly via ioctls, avoiding a
// dependency on mount(8) semantics.
type LoopMounter struct{}

func (LoopMounter) Attach(imagePath string) (string, error) {
	ctl, err := os.OpenFile("/dev/loop-control", os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("opening loop-control: %w", err)
	}
	defer ctl.Close()

	n, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return "", fmt.Errorf("allocating loop device: %w", err)
	}
	loopDev := fmt.Sprintf("/dev/loop%d", n)

	img, err := os.Open(imagePath)
	if err != nil {
		return "", err
	}
	defer img.Close()

	loop, err := os.OpenFile(loopDev, os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", loopDev, err)
	}
	defer loop.Close()

	if err := unix.IoctlSetInt(int(loop.Fd()), unix.LOOP_SET_FD, int(img.Fd())); err != nil {
		return "", fmt.Errorf("binding %s to %s: %w", imagePath, loopDev, err)
	}
	return loopDev, nil
}

func (LoopMounter) Mount(loopDev, target string) error {
	if err := unix.Mount(loopDev, target, "iso9660", unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("mounting %s at %s: %w", loopDev, target, err)
	}
	return nil
}

func (LoopMounter) Unmount(target string) error {
	if err := unix.Unmount(target, 0); err != nil {
		return fmt.Errorf("unmounting %s: %w", target, err)
	}
	return nil
}

func (LoopMounter) Detach(loopDev string) error {
	loop, err := os.OpenFile(loopDev, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer loop.Close()
	if err := unix.IoctlSetInt(int(loop.Fd()), unix.LOOP_CLR_FD, 0); err != nil {
		return fmt.Errorf("detaching %s: %w", loopDev, err)
	}
	return nil
}
