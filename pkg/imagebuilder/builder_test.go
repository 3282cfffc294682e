package imagebuilder

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFile is an in-memory diskfsFile.
type fakeFile struct {
	fs   *fakeFS
	path string
	buf  []byte
}

func (f *fakeFile) Write(p []byte) (int, error) {
	f.buf = append(f.buf, p...)
	return len(p), nil
}

func (f *fakeFile) Close() error {
	f.fs.files[f.path] = string(f.buf)
	return nil
}

// fakeFS is an in-memory stand-in for a mounted disk partition.
type fakeFS struct {
	files map[string]string
	dirs  map[string]bool
}

func newFakeFS() *fakeFS {
	return &fakeFS{files: make(map[string]string), dirs: make(map[string]bool)}
}

func (f *fakeFS) OpenFile(path string, flag int) (diskfsFile, error) {
	return &fakeFile{fs: f, path: path}, nil
}

func (f *fakeFS) Mkdir(path string) error {
	f.dirs[path] = true
	return nil
}

func sampleFormfile() *Formfile {
	return &Formfile{
		BaseImage: "ubuntu-22.04.img",
		Users: []User{
			{
				Username: "alice",
				SSHKeys:  []string{"ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIGTOLbgsvIXpEc5HDQ6xJoqNKIP3HpmI6IW6VVoCiZMo alice@example.com"},
				Sudo:     true,
			},
			{
				Username:   "bob",
				LockPasswd: true,
			},
		},
		Entrypoint: Entrypoint{Command: "/usr/bin/myapp", Args: []string{"--serve"}},
		Workdir:    "/opt/app",
	}
}

func TestApplyFormfile(t *testing.T) {
	fs := newFakeFS()
	f := sampleFormfile()
	require.NoError(t, applyFormfile(fs, f))

	passwd := fs.files["/etc/passwd"]
	assert.Contains(t, passwd, "alice:x:1000:1000::/home/alice:/bin/bash")
	assert.Contains(t, passwd, "bob:x:1001:1001::/home/bob:/bin/bash")

	group := fs.files["/etc/group"]
	assert.Contains(t, group, "alice:x:1000:")
	assert.Contains(t, group, "bob:x:1001:")

	shadow := fs.files["/etc/shadow"]
	assert.Contains(t, shadow, "bob:!:")

	assert.True(t, fs.dirs["/home/alice"])
	assert.True(t, fs.dirs["/home/alice/.ssh"])
	assert.Contains(t, fs.files["/home/alice/.ssh/authorized_keys"], "ssh-ed25519")

	assert.Contains(t, fs.files["/etc/sudoers.d/90-alice"], "NOPASSWD:ALL")
	assert.NotContains(t, fs.files, "/etc/sudoers.d/90-bob")

	unit := fs.files["/etc/systemd/system/"+entrypointUnitName]
	assert.Contains(t, unit, "ExecStart=/usr/bin/myapp --serve")
	assert.Contains(t, unit, "WorkingDirectory=/opt/app")
	assert.Contains(t, unit, "Restart=always")
	assert.True(t, fs.dirs["/etc/systemd/system/multi-user.target.wants"])
}

func TestApplyFormfileRejectsBadSSHKey(t *testing.T) {
	fs := newFakeFS()
	f := sampleFormfile()
	f.Users[0].SSHKeys = []string{"not-a-valid-key"}
	err := applyFormfile(fs, f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid ssh public key")
}

func TestFormfileValidate(t *testing.T) {
	good := sampleFormfile()
	require.NoError(t, good.Validate())

	missingBase := sampleFormfile()
	missingBase.BaseImage = ""
	assert.Error(t, missingBase.Validate())

	missingEntrypoint := sampleFormfile()
	missingEntrypoint.Entrypoint.Command = ""
	assert.Error(t, missingEntrypoint.Validate())

	badUser := sampleFormfile()
	badUser.Users[0].Username = "Invalid-Name!"
	assert.Error(t, badUser.Validate())

	dup := sampleFormfile()
	dup.Users = append(dup.Users, User{Username: "alice"})
	assert.Error(t, dup.Validate())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	data := []byte(`{"base_image":"x.img","entrypoint":{"command":"/bin/true"},"bogus_field":true}`)
	_, err := Parse(data)
	require.Error(t, err)
}

func TestParseAccepted(t *testing.T) {
	data := []byte(`{"base_image":"x.img","entrypoint":{"command":"/bin/true"}}`)
	f, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "x.img", f.BaseImage)
}

func TestSlotPoolFIFOAndRelease(t *testing.T) {
	p := newSlotPool(2)
	a := p.Acquire()
	b := p.Acquire()
	assert.NotEqual(t, a, b)

	done := make(chan string, 1)
	go func() {
		done <- p.Acquire()
	}()

	p.Release(a)
	select {
	case got := <-done:
		assert.Equal(t, a, got)
	}
}

func TestNewSlotPoolClampsSize(t *testing.T) {
	p := newSlotPool(100)
	assert.Equal(t, DefaultNBDSlots, len(p.sem))
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := dir + "/src.img"
	require.NoError(t, os.WriteFile(src, []byte("disk-bytes"), 0o644))

	dst := dir + "/nested/dst.img"
	require.NoError(t, copyFile(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "disk-bytes", string(got))
}

func TestWriteEntrypointUnitNoArgs(t *testing.T) {
	fs := newFakeFS()
	f := &Formfile{Entrypoint: Entrypoint{Command: "/bin/run"}}
	require.NoError(t, writeEntrypointUnit(fs, f))
	unit := fs.files["/etc/systemd/system/"+entrypointUnitName]
	assert.True(t, strings.Contains(unit, "ExecStart=/bin/run"))
	assert.True(t, strings.Contains(unit, "WorkingDirectory=/"))
}
