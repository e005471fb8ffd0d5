package mac

import (
	"testing"

	"github.com/marrow-os/marrow/internal/defs"
	"github.com/marrow-os/marrow/internal/ustr"
)

func TestNewContextDefaults(t *testing.T) {
	c := NewContext()
	if c.Action() != defs.MAC_DENY {
		t.Fatalf("Action() = %v, want MAC_DENY", c.Action())
	}
	if c.Capabilities() != 0 {
		t.Fatalf("Capabilities() = %v, want 0", c.Capabilities())
	}
	if c.Locked() {
		t.Fatal("expected new context unlocked")
	}
}

func TestForkInherits(t *testing.T) {
	parent := NewContext()
	parent.SetCapabilities(CAP_SPAWN | CAP_ENTROPY)
	parent.SetEnforcement(defs.MAC_KILL)
	parent.AddFilter(Filter_t{PathPrefix: ustr.Mk("/etc"), Perms: Perms_t{Read: true}}, 0)
	parent.LockMAC()

	child := parent.Fork()
	if child.Capabilities() != parent.Capabilities() {
		t.Fatalf("child capabilities = %v, want %v", child.Capabilities(), parent.Capabilities())
	}
	if child.Action() != defs.MAC_KILL {
		t.Fatalf("child action = %v, want MAC_KILL", child.Action())
	}
	if !child.Locked() {
		t.Fatal("expected child to inherit locked state")
	}
	if got := CheckPathPermissions(child, ustr.Mk("/etc")); !got.Read {
		t.Fatal("expected child to inherit parent's filters")
	}
}

func TestSetCapabilitiesMonotonic(t *testing.T) {
	c := NewContext()
	c.SetCapabilities(CAP_SPAWN | CAP_ENTROPY | CAP_USE_NET)
	if !c.Has(CAP_SPAWN | CAP_ENTROPY | CAP_USE_NET) {
		t.Fatal("expected all three capabilities granted before lock")
	}

	c.LockMAC()
	c.SetCapabilities(CAP_SPAWN | CAP_MANAGE_POWER)
	if c.Has(CAP_MANAGE_POWER) {
		t.Fatal("locked SetCapabilities must not grant new bits")
	}
	if !c.Has(CAP_SPAWN) {
		t.Fatal("locked SetCapabilities should keep bits present in both sets")
	}
	if c.Has(CAP_ENTROPY) {
		t.Fatal("locked SetCapabilities should drop bits absent from the new set")
	}
}

func TestSetEnforcementFailsAfterLock(t *testing.T) {
	c := NewContext()
	if err := c.SetEnforcement(defs.MAC_DENY_AND_SCREAM); err != 0 {
		t.Fatalf("SetEnforcement before lock: err=%d", err)
	}
	if c.Action() != defs.MAC_DENY_AND_SCREAM {
		t.Fatal("expected action updated before lock")
	}

	c.LockMAC()
	if err := c.SetEnforcement(defs.MAC_KILL); err != -defs.EPERM {
		t.Fatalf("SetEnforcement after lock: err=%d, want EPERM", err)
	}
	if c.Action() != defs.MAC_DENY_AND_SCREAM {
		t.Fatal("action must not change once locked")
	}
}

func TestCheckPathPermissionsEmptyFilterSet(t *testing.T) {
	c := NewContext()
	got := CheckPathPermissions(c, ustr.Mk("/anything"))
	if !got.Read || !got.Write || !got.Execute {
		t.Fatalf("empty filter set should permit everything, got %+v", got)
	}
}

func TestCheckPathPermissionsLongestPrefix(t *testing.T) {
	c := NewContext()
	c.AddFilter(Filter_t{
		PathPrefix: ustr.Mk("/"),
		Perms:      Perms_t{Read: true, IncludesContents: true},
	}, 0)
	c.AddFilter(Filter_t{
		PathPrefix: ustr.Mk("/etc"),
		Perms:      Perms_t{Read: true, Write: true, IncludesContents: true},
	}, 0)

	got := CheckPathPermissions(c, ustr.Mk("/etc/passwd"))
	if !got.Write {
		t.Fatalf("expected the longer /etc prefix to win, got %+v", got)
	}

	got = CheckPathPermissions(c, ustr.Mk("/home/user"))
	if got.Write || !got.Read {
		t.Fatalf("expected the root prefix to govern unrelated paths, got %+v", got)
	}
}

func TestCheckPathPermissionsNoMatchDenies(t *testing.T) {
	c := NewContext()
	c.AddFilter(Filter_t{PathPrefix: ustr.Mk("/etc"), Perms: Perms_t{Read: true}}, 0)

	got := CheckPathPermissions(c, ustr.Mk("/home/user"))
	if got.Read || got.Write || got.Execute {
		t.Fatalf("expected no-match to deny everything, got %+v", got)
	}
}

func TestCheckPathPermissionsIncludesContents(t *testing.T) {
	c := NewContext()
	c.AddFilter(Filter_t{
		PathPrefix: ustr.Mk("/etc"),
		Perms:      Perms_t{Read: true, IncludesContents: false},
	}, 0)

	if got := CheckPathPermissions(c, ustr.Mk("/etc")); !got.Read {
		t.Fatalf("exact path match should apply regardless of IncludesContents, got %+v", got)
	}
	if got := CheckPathPermissions(c, ustr.Mk("/etc/passwd")); got.Read {
		t.Fatalf("IncludesContents=false must not match beneath the prefix, got %+v", got)
	}
}

func TestCheckPathPermissionsDenyInstead(t *testing.T) {
	c := NewContext()
	c.AddFilter(Filter_t{
		PathPrefix: ustr.Mk("/secret"),
		Perms:      Perms_t{Read: true, Write: true, Execute: true, IncludesContents: true, DenyInstead: true},
	}, 0)

	got := CheckPathPermissions(c, ustr.Mk("/secret/key"))
	if got.Read || got.Write || got.Execute {
		t.Fatalf("DenyInstead should invert the listed grants into denials, got %+v", got)
	}
}

func TestCheckDevicePermissions(t *testing.T) {
	c := NewContext()
	c.AddFilter(Filter_t{IsDevice: true, DeviceHandle: 7, Perms: Perms_t{Read: true}}, 0)

	if got := CheckDevicePermissions(c, 7); !got.Read {
		t.Fatalf("expected handle 7 to match, got %+v", got)
	}
	if got := CheckDevicePermissions(c, 8); got.Read {
		t.Fatalf("expected handle 8 not to match, got %+v", got)
	}
}

func TestCheckDevicePermissionsEmptyFilterSet(t *testing.T) {
	c := NewContext()
	got := CheckDevicePermissions(c, 1)
	if !got.Read || !got.Write || !got.Execute {
		t.Fatalf("empty filter set should permit everything, got %+v", got)
	}
}

func TestEnforceDeny(t *testing.T) {
	c := NewContext()
	killed := false
	killFn := func(defs.Pid_t, int) { killed = true }

	if err := Enforce(c, 1, "open", killFn); err != -defs.EACCES {
		t.Fatalf("Enforce(MAC_DENY) = %d, want EACCES", err)
	}
	if killed {
		t.Fatal("MAC_DENY must not kill")
	}
}

func TestEnforceDenyAndScream(t *testing.T) {
	c := NewContext()
	c.SetEnforcement(defs.MAC_DENY_AND_SCREAM)
	killFn := func(defs.Pid_t, int) { t.Fatal("MAC_DENY_AND_SCREAM must not kill") }

	if err := Enforce(c, 2, "write", killFn); err != -defs.EACCES {
		t.Fatalf("Enforce(MAC_DENY_AND_SCREAM) = %d, want EACCES", err)
	}
}

func TestAddFilterRejectsFullTable(t *testing.T) {
	c := NewContext()
	if err := c.AddFilter(Filter_t{PathPrefix: ustr.Mk("/a")}, 2); err != 0 {
		t.Fatalf("AddFilter 1/2: err=%d", err)
	}
	if err := c.AddFilter(Filter_t{PathPrefix: ustr.Mk("/b")}, 2); err != 0 {
		t.Fatalf("AddFilter 2/2: err=%d", err)
	}
	if err := c.AddFilter(Filter_t{PathPrefix: ustr.Mk("/c")}, 2); err != -defs.EMFILE {
		t.Fatalf("AddFilter over limit: err=%d, want EMFILE", err)
	}
}

func TestEnforceDenyAndScreamRecordsDenyLog(t *testing.T) {
	c := NewContext()
	c.SetEnforcement(defs.MAC_DENY_AND_SCREAM)
	killFn := func(defs.Pid_t, int) { t.Fatal("MAC_DENY_AND_SCREAM must not kill") }

	Enforce(c, 9, "read", killFn)
	log := c.DenyLog()
	if len(log) != 1 {
		t.Fatalf("DenyLog() = %v, want one entry", log)
	}
}

func TestEnforceKill(t *testing.T) {
	c := NewContext()
	c.SetEnforcement(defs.MAC_KILL)

	var gotPid defs.Pid_t
	var gotCode int
	killFn := func(pid defs.Pid_t, code int) {
		gotPid = pid
		gotCode = code
	}

	if err := Enforce(c, 3, "execve", killFn); err != -defs.EACCES {
		t.Fatalf("Enforce(MAC_KILL) = %d, want EACCES", err)
	}
	if gotPid != 3 || gotCode != defs.KillExitCode {
		t.Fatalf("killFn called with pid=%d code=%d, want pid=3 code=%d", gotPid, gotCode, defs.KillExitCode)
	}
}

func TestAllowsUnconfinedUntilCapabilitiesInstalled(t *testing.T) {
	c := NewContext()
	if !c.Allows(CAP_SPAWN | CAP_TRACE) {
		t.Fatal("expected a context with no capability set installed to allow everything")
	}

	c.SetCapabilities(CAP_SPAWN)
	if !c.Allows(CAP_SPAWN) {
		t.Fatal("expected granted bit to be allowed after confinement")
	}
	if c.Allows(CAP_TRACE) {
		t.Fatal("expected missing bit to be denied after confinement")
	}

	child := c.Fork()
	if child.Allows(CAP_TRACE) {
		t.Fatal("expected confinement to be inherited across fork")
	}
}
