// Package op defines the synchronized data model shared by every layer
// of the server: operations authored by devices, version vectors,
// record versions, and committed owner-log entries. Everything here is
// wire-stable JSON; field names must not change once released.
package op

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tutorloop/sync-server/internal/hlc"
)

// Kind is the type of change an operation proposes.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

func (k Kind) valid() bool {
	return k == KindCreate || k == KindUpdate || k == KindDelete
}

// ID identifies an operation forever: the authoring device plus that
// device's local operation counter. Encodes as "device:seq" on the wire
// so it can key JSON maps.
type ID struct {
	Device string
	Seq    uint64
}

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool {
	return id.Device == "" && id.Seq == 0
}

func (id ID) String() string {
	return id.Device + ":" + strconv.FormatUint(id.Seq, 10)
}

// ParseID reverses String. The seq is everything after the last colon,
// so device ids containing colons are rejected by ValidateDeviceID
// rather than mis-parsed here.
func ParseID(s string) (ID, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return ID{}, fmt.Errorf("op: malformed op id %q", s)
	}
	seq, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("op: malformed op id %q", s)
	}
	return ID{Device: s[:i], Seq: seq}, nil
}

// MarshalText makes ID usable as a JSON map key and string value.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText decodes the "device:seq" form.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ValidateDeviceID enforces the device id charset: 1-64 characters from
// [A-Za-z0-9_-]. Colons are excluded so op ids parse unambiguously.
func ValidateDeviceID(device string) error {
	if device == "" || len(device) > 64 {
		return errors.New("op: device id must be 1-64 characters")
	}
	for i := 0; i < len(device); i++ {
		c := device[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return fmt.Errorf("op: device id %q contains invalid character %q", device, c)
		}
	}
	return nil
}

// Op is an atomic change proposed by a device. Patch maps field names to
// replacement values; a null value clears the field. Delete ops carry no
// patch. Base is the version vector the device believed current when it
// authored the op.
type Op struct {
	ID     ID             `json:"op_id"`
	Owner  string         `json:"owner_id"`
	Record string         `json:"record_id"`
	Kind   Kind           `json:"kind"`
	Type   string         `json:"record_type,omitempty"`
	Base   Vector         `json:"base_vector,omitempty"`
	Patch  map[string]any `json:"patch,omitempty"`
	HLC    hlc.HLC        `json:"device_hlc"`
}

// Validate checks structural soundness before an op enters the commit
// path. Semantic checks (stale base, schema) happen later.
func (o *Op) Validate() error {
	if err := ValidateDeviceID(o.ID.Device); err != nil {
		return err
	}
	if o.ID.Seq == 0 {
		return errors.New("op: device seq must be positive")
	}
	if o.Owner == "" {
		return errors.New("op: missing owner id")
	}
	if o.Record == "" {
		return errors.New("op: missing record id")
	}
	if !o.Kind.valid() {
		return fmt.Errorf("op: unknown kind %q", o.Kind)
	}
	switch o.Kind {
	case KindDelete:
		if len(o.Patch) != 0 {
			return errors.New("op: delete must not carry a patch")
		}
	case KindCreate, KindUpdate:
		if o.Patch == nil {
			return errors.New("op: create/update must carry a patch")
		}
	}
	if o.HLC == 0 {
		return errors.New("op: missing device hlc")
	}
	return nil
}

// Clone returns an independent deep copy of the op.
func (o Op) Clone() Op {
	out := o
	out.Base = o.Base.Clone()
	if o.Patch != nil {
		out.Patch = deepCopyMap(o.Patch)
	}
	return out
}
