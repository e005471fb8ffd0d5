package vfs

import (
	"testing"

	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/ustr"
)

func TestNewVFSHasRootMount(t *testing.T) {
	v := NewVFS(0)
	if _, _, err := v.Resolve(ustr.MkUstrRoot(), true); err != 0 {
		t.Fatalf("Resolve(/): err=%d", err)
	}
}

func TestMountRejectsDuplicatePrefix(t *testing.T) {
	v := NewVFS(0)
	if err := v.Mount(ustr.Mk("/mnt"), NewFatFS()); err != 0 {
		t.Fatalf("Mount: err=%d", err)
	}
	if err := v.Mount(ustr.Mk("/mnt"), NewFatFS()); err != -defs.EBUSY {
		t.Fatalf("duplicate Mount: err=%d, want EBUSY", err)
	}
}

func TestUnmountRejectsRootAndUnknown(t *testing.T) {
	v := NewVFS(0)
	if err := v.Unmount(ustr.MkUstrRoot(), false, nil); err != -defs.EINVAL {
		t.Fatalf("Unmount root: err=%d, want EINVAL", err)
	}
	if err := v.Unmount(ustr.Mk("/nope"), false, nil); err != -defs.ENOENT {
		t.Fatalf("Unmount unknown: err=%d, want ENOENT", err)
	}
}

func TestUnmountRejectsBusyUnlessForced(t *testing.T) {
	v := NewVFS(0)
	v.Mount(ustr.Mk("/mnt/usb"), NewFatFS())
	busy := func(ustr.Ustr) bool { return true }

	if err := v.Unmount(ustr.Mk("/mnt/usb"), false, busy); err != -defs.EBUSY {
		t.Fatalf("Unmount busy: err=%d, want EBUSY", err)
	}
	if err := v.Unmount(ustr.Mk("/mnt/usb"), true, busy); err != 0 {
		t.Fatalf("Unmount forced: err=%d", err)
	}
}

func TestMountRejectsFullTable(t *testing.T) {
	v := NewVFS(2)
	if err := v.Mount(ustr.Mk("/mnt/a"), NewFatFS()); err != 0 {
		t.Fatalf("Mount: err=%d", err)
	}
	if err := v.Mount(ustr.Mk("/mnt/b"), NewFatFS()); err != -defs.EMFILE {
		t.Fatalf("Mount over limit: err=%d, want EMFILE", err)
	}
}

func TestLongestPrefixMatchResolvesToMostSpecificMount(t *testing.T) {
	v := NewVFS(0)
	fat := NewFatFS()
	fat.Create(ustr.Mk("/readme.txt"), defs.T_REGULAR)
	v.Mount(ustr.Mk("/mnt/usb"), fat)

	_, rel := v.resolveMount(ustr.Mk("/mnt/usb/readme.txt"))
	if rel.String() != "/readme.txt" {
		t.Fatalf("resolveMount remainder = %q, want /readme.txt", rel.String())
	}

	if _, _, err := v.Resolve(ustr.Mk("/mnt/usb/readme.txt"), true); err != 0 {
		t.Fatalf("Resolve through mount: err=%d", err)
	}
	if _, _, err := v.Resolve(ustr.Mk("/mnt/usb/missing.txt"), true); err != -defs.ENOENT {
		t.Fatalf("Resolve missing under mount: err=%d, want ENOENT", err)
	}
}

func TestResolveOutsideMountFallsThroughToRoot(t *testing.T) {
	v := NewVFS(0)
	v.Mount(ustr.Mk("/mnt/usb"), NewFatFS())
	v.Create(ustr.Mk("/home.txt"), defs.T_REGULAR)

	if _, _, err := v.Resolve(ustr.Mk("/home.txt"), true); err != 0 {
		t.Fatalf("Resolve root-mount path: err=%d", err)
	}
}

func TestResolveFollowsSymlinkWhenRequested(t *testing.T) {
	v := NewVFS(0)
	v.Create(ustr.Mk("/target.txt"), defs.T_REGULAR)
	v.CreateSymlink(ustr.Mk("/link"), "/target.txt")

	_, n, err := v.Resolve(ustr.Mk("/link"), true)
	if err != 0 || n.Type != defs.T_REGULAR {
		t.Fatalf("Resolve(follow): n=%+v err=%d", n, err)
	}

	_, n, err = v.Resolve(ustr.Mk("/link"), false)
	if err != 0 || n.Type != defs.T_SYMLINK {
		t.Fatalf("Resolve(no-follow): n=%+v err=%d", n, err)
	}
}

func TestResolveDetectsSymlinkLoop(t *testing.T) {
	v := NewVFS(0)
	v.CreateSymlink(ustr.Mk("/a"), "/b")
	v.CreateSymlink(ustr.Mk("/b"), "/a")

	if _, _, err := v.Resolve(ustr.Mk("/a"), true); err != -defs.ENOTSUP {
		t.Fatalf("Resolve symlink loop: err=%d, want ENOTSUP", err)
	}
}

func TestCreateNodeBindsDeviceHandle(t *testing.T) {
	v := NewVFS(0)
	v.Create(ustr.Mk("/dev"), defs.T_DIR)
	n, err := v.CreateNode(ustr.Mk("/dev/null"), defs.T_CHAR, 7)
	if err != 0 {
		t.Fatalf("CreateNode: err=%d", err)
	}
	if n.Rdev() != 7 {
		t.Fatalf("Rdev() = %d, want 7", n.Rdev())
	}
}

func TestCreateHardLinkRejectsCrossMount(t *testing.T) {
	v := NewVFS(0)
	v.Mount(ustr.Mk("/mnt/usb"), NewFatFS())
	v.Create(ustr.Mk("/a.txt"), defs.T_REGULAR)

	if err := v.CreateHardLink(ustr.Mk("/mnt/usb/b.txt"), ustr.Mk("/a.txt")); err != -defs.ENOTSUP {
		t.Fatalf("cross-mount hard link: err=%d, want ENOTSUP", err)
	}
}

func TestRenameRejectsCrossMount(t *testing.T) {
	v := NewVFS(0)
	v.Mount(ustr.Mk("/mnt/usb"), NewFatFS())
	v.Create(ustr.Mk("/a.txt"), defs.T_REGULAR)

	if err := v.Rename(ustr.Mk("/a.txt"), ustr.Mk("/mnt/usb/b.txt")); err != -defs.ENOTSUP {
		t.Fatalf("cross-mount rename: err=%d, want ENOTSUP", err)
	}
}

func TestUnlinkReadEntriesReadSymlinkDelegateToMount(t *testing.T) {
	v := NewVFS(0)
	v.Create(ustr.Mk("/d"), defs.T_DIR)
	v.Create(ustr.Mk("/d/f"), defs.T_REGULAR)
	v.CreateSymlink(ustr.Mk("/link"), "/d/f")

	entries, err := v.ReadEntries(ustr.Mk("/d"))
	if err != 0 || len(entries) != 1 || entries[0] != "f" {
		t.Fatalf("ReadEntries = %v err=%d", entries, err)
	}

	target, err := v.ReadSymlink(ustr.Mk("/link"))
	if err != 0 || target != "/d/f" {
		t.Fatalf("ReadSymlink = %q err=%d", target, err)
	}

	if err := v.Unlink(ustr.Mk("/d/f")); err != 0 {
		t.Fatalf("Unlink: err=%d", err)
	}
	if _, _, err := v.Resolve(ustr.Mk("/d/f"), true); err != -defs.ENOENT {
		t.Fatalf("Resolve after unlink: err=%d, want ENOENT", err)
	}
}

func TestSyncAllSynchronizesEveryMount(t *testing.T) {
	v := NewVFS(0)
	v.Mount(ustr.Mk("/mnt/usb"), NewFatFS())
	if err := v.SyncAll(); err != 0 {
		t.Fatalf("SyncAll: err=%d", err)
	}
}

func TestResolveUnknownMountReturnsNoEntity(t *testing.T) {
	v := &VFS_t{}
	if _, _, err := v.Resolve(ustr.Mk("/anything"), true); err != -defs.ENOENT {
		t.Fatalf("Resolve with no mounts: err=%d, want ENOENT", err)
	}
}
