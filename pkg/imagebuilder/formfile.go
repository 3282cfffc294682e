// Package imagebuilder transforms a declarative formfile into a bootable
// VM disk image: holding a pooled NBD slot, it edits a copy of the base
// cloud image through go-diskfs (the copy is opened as a file, not
// attached to the slot's device), writes /etc/passwd, /etc/group,
// /etc/shadow, installs SSH keys, and emits a systemd unit for the
// formfile's entrypoint.
//
// The formfile grammar is Formation's own small, explicit schema (spec
// §9 leaves the exact grammar unpinned in the source); unknown JSON
// fields are rejected rather than silently ignored, per the "fail
// closed" resolution recorded in DESIGN.md.
package imagebuilder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/cuemby/formation/pkg/ferrors"
)

// posixNameRE matches POSIX portable username/group name grammar:
// a letter or underscore, followed by letters, digits, underscores, or
// hyphens, per spec §6 ("Hostnames, usernames, and group names follow
// POSIX rules").
var posixNameRE = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

// User is one formfile user entry.
type User struct {
	Username    string   `json:"username"`
	PasswordHash string  `json:"password_hash,omitempty"`
	SSHKeys     []string `json:"ssh_keys,omitempty"`
	Groups      []string `json:"groups,omitempty"`
	Shell       string   `json:"shell,omitempty"`
	Sudo        bool     `json:"sudo,omitempty"`
	LockPasswd  bool     `json:"lock_passwd,omitempty"`
	SSHPwAuth   bool     `json:"ssh_pwauth,omitempty"`
}

// Entrypoint is the single required command the VM runs on boot.
type Entrypoint struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// Formfile is the declarative image description the builder consumes.
type Formfile struct {
	BaseImage   string     `json:"base_image"`
	Users       []User     `json:"users,omitempty"`
	Packages    []string   `json:"packages,omitempty"`
	RunCommands []string   `json:"run_commands,omitempty"`
	Entrypoint  Entrypoint `json:"entrypoint"`
	Workdir     string     `json:"workdir,omitempty"`
}

// Parse decodes and validates a formfile from JSON, rejecting unknown
// fields so malformed input fails closed rather than silently dropping
// fields the implementer didn't anticipate.
func Parse(data []byte) (*Formfile, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var f Formfile
	if err := dec.Decode(&f); err != nil {
		return nil, ferrors.Wrap(ferrors.KindInvalidQuery, "parse formfile", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks f against the formfile grammar: a base image and
// exactly one entrypoint command are required, and every declared
// identity follows POSIX naming.
func (f *Formfile) Validate() error {
	if f.BaseImage == "" {
		return ferrors.InvalidQuery("formfile: base_image is required")
	}
	if f.Entrypoint.Command == "" {
		return ferrors.InvalidQuery("formfile: entrypoint.command is required")
	}
	seen := make(map[string]bool)
	for _, u := range f.Users {
		if !posixNameRE.MatchString(u.Username) {
			return ferrors.InvalidQuery(fmt.Sprintf("formfile: invalid username %q", u.Username))
		}
		if seen[u.Username] {
			return ferrors.InvalidQuery(fmt.Sprintf("formfile: duplicate username %q", u.Username))
		}
		seen[u.Username] = true
		for _, g := range u.Groups {
			if !posixNameRE.MatchString(g) {
				return ferrors.InvalidQuery(fmt.Sprintf("formfile: invalid group name %q", g))
			}
		}
	}
	return nil
}
