package merge

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/tutorloop/sync-server/internal/hlc"
	"github.com/tutorloop/sync-server/internal/op"
	"github.com/tutorloop/sync-server/internal/schema"
)

// Set fields are stored structurally so removed elements survive as
// tombstones until the grace window expires:
//
//	{"<elem>": {"hlc": "<stamp>", "device": "<writer>", "deleted": bool}}
//
// The patch for a set field is either a JSON array (elements to union
// in) or an object {"add": [...], "remove": [...]}; null clears every
// present element. Per element, the newer stamp wins, with the device
// id as tie-break, so concurrent add/remove of the same element
// resolves identically everywhere.

// applySet merges a set-field patch into next.Payload[f].
func applySet(next *op.Version, f string, incoming any, ts hlc.HLC, device string) error {
	cur := decodeSet(next.Payload[f])

	var add, remove []string
	switch p := incoming.(type) {
	case nil:
		for elem, entry := range cur {
			if !entryDeleted(entry) {
				remove = append(remove, elem)
			}
		}
		sort.Strings(remove)
	case []any:
		var err error
		if add, err = elementKeys(p); err != nil {
			return err
		}
	case map[string]any:
		rawAdd, okAdd := p["add"]
		rawRemove, okRemove := p["remove"]
		if !okAdd && !okRemove {
			return fmt.Errorf("set patch for %q has neither add nor remove", f)
		}
		var err error
		if okAdd {
			if add, err = anyElementKeys(rawAdd, f); err != nil {
				return err
			}
		}
		if okRemove {
			if remove, err = anyElementKeys(rawRemove, f); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("set patch for %q must be an array or {add,remove} object", f)
	}

	for _, elem := range add {
		applyElement(cur, elem, ts, device, false)
	}
	for _, elem := range remove {
		applyElement(cur, elem, ts, device, true)
	}

	out := make(map[string]any, len(cur))
	for elem, entry := range cur {
		out[elem] = entry
	}
	next.Payload[f] = out
	return nil
}

// applyElement writes one element entry if the op's stamp is newer
// than the entry's current one.
func applyElement(set map[string]map[string]any, elem string, ts hlc.HLC, device string, deleted bool) {
	if entry, ok := set[elem]; ok && !entryClock(entry).Newer(ts, device) {
		return
	}
	set[elem] = map[string]any{
		"hlc":     ts.String(),
		"device":  device,
		"deleted": deleted,
	}
}

// decodeSet reads the structural form back out of a payload value.
// Anything unexpected decodes as empty rather than failing a commit.
func decodeSet(v any) map[string]map[string]any {
	out := map[string]map[string]any{}
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for elem, raw := range m {
		if entry, ok := raw.(map[string]any); ok {
			out[elem] = entry
		}
	}
	return out
}

func entryDeleted(entry map[string]any) bool {
	d, _ := entry["deleted"].(bool)
	return d
}

func entryClock(entry map[string]any) op.FieldClock {
	s, _ := entry["hlc"].(string)
	ts, err := hlc.Parse(s)
	if err != nil {
		return op.FieldClock{}
	}
	dev, _ := entry["device"].(string)
	return op.FieldClock{HLC: ts, Device: dev}
}

// SetElements returns the live members of a stored set field, sorted.
func SetElements(v any) []string {
	set := decodeSet(v)
	out := make([]string, 0, len(set))
	for elem, entry := range set {
		if !entryDeleted(entry) {
			out = append(out, elem)
		}
	}
	sort.Strings(out)
	return out
}

// PurgeElementTombstones drops set-element tombstones older than
// cutoff from the version's declared set fields. It reports whether
// anything was removed. The store's grace-window sweeper drives this.
func PurgeElementTombstones(rt *schema.RecordType, v *op.Version, cutoff hlc.HLC) bool {
	changed := false
	for f, raw := range v.Payload {
		if rt.FieldType(f) != schema.Set {
			continue
		}
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		for elem, rawEntry := range m {
			entry, ok := rawEntry.(map[string]any)
			if !ok {
				continue
			}
			if entryDeleted(entry) && entryClock(entry).HLC.Before(cutoff) {
				delete(m, elem)
				changed = true
			}
		}
	}
	return changed
}

func elementKeys(vals []any) ([]string, error) {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		k, err := elementKey(v)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func anyElementKeys(raw any, field string) ([]string, error) {
	vals, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("set patch for %q: add/remove must be arrays", field)
	}
	return elementKeys(vals)
}

// elementKey canonicalizes a set element to its map key. Only JSON
// scalars are set members.
func elementKey(v any) (string, error) {
	switch e := v.(type) {
	case string:
		return e, nil
	case float64:
		return strconv.FormatFloat(e, 'g', -1, 64), nil
	case json.Number:
		return e.String(), nil
	case int:
		return strconv.Itoa(e), nil
	case int64:
		return strconv.FormatInt(e, 10), nil
	case bool:
		return strconv.FormatBool(e), nil
	default:
		return "", fmt.Errorf("set element %v (%T) is not a scalar", v, v)
	}
}

// applyCounter merges a counter-field patch. The device sends the
// absolute value it computed locally; the commit applies the delta
// relative to the ancestor, so concurrent increments add up instead
// of clobbering each other.
func applyCounter(next, ancestor *op.Version, f string, incoming any) error {
	val := 0.0
	if incoming != nil {
		v, ok := toFloat(incoming)
		if !ok {
			return fmt.Errorf("counter patch for %q is not numeric", f)
		}
		val = v
	}
	ancVal, _ := toFloat(ancestor.Payload[f])
	curVal, _ := toFloat(next.Payload[f])
	next.Payload[f] = curVal + (val - ancVal)
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
