package conflict

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/tidwall/gjson"
)

// diffCleanupThreshold is the minimum number of diffs before running
// semantic and efficiency cleanup passes.
const diffCleanupThreshold = 2

// LastWriterWins keeps whichever side was written later: the local
// change's CreatedAt against the remote's UpdatedAt. The remote wins ties.
func LastWriterWins(c Case) (Resolution, error) {
	if c.Local.CreatedAt.After(c.Remote.UpdatedAt) {
		return Resolution{
			Outcome:   models.OutcomeResolvedLocal,
			Operation: c.Local.Operation,
			Payload:   c.Local.Payload,
			Reason:    "local change is newer",
		}, nil
	}

	return Resolution{Outcome: models.OutcomeResolvedRemote, Reason: "remote version is newer"}, nil
}

// ManualReview never resolves anything. Every conflict is kept until
// someone picks an outcome explicitly.
func ManualReview(Case) (Resolution, error) {
	return Resolution{Outcome: models.OutcomeUnresolvable, Reason: "manual review required"}, nil
}

// MergeOption configures FieldMerge.
type MergeOption func(*fieldMerger)

// WithTextFields marks top-level string fields that may be merged with a
// three-way text merge when both sides edited them.
func WithTextFields(fields ...string) MergeOption {
	return func(m *fieldMerger) {
		for _, f := range fields {
			m.text[f] = true
		}
	}
}

type fieldMerger struct {
	text map[string]bool
}

// FieldMerge merges top-level object fields against the common ancestor.
// A field changed on one side only takes that side's value. A field
// changed on both sides to different values is a true conflict and makes
// the case Unresolvable, unless it is a registered text field whose
// edits apply cleanly to each other.
func FieldMerge(opts ...MergeOption) Strategy {
	m := &fieldMerger{text: make(map[string]bool)}
	for _, o := range opts {
		o(m)
	}

	return m.merge
}

func (m *fieldMerger) merge(c Case) (Resolution, error) {
	localDeleted := c.Local.Operation == models.OpDelete
	if localDeleted && c.Remote.Deleted {
		return Resolution{Outcome: models.OutcomeResolvedRemote, Reason: "both sides deleted"}, nil
	}

	if localDeleted || c.Remote.Deleted {
		return Resolution{Outcome: models.OutcomeUnresolvable, Reason: "delete conflicts with edit"}, nil
	}

	base, err := fields(c.Base)
	if err != nil {
		return Resolution{}, fmt.Errorf("base: %w", err)
	}

	local, err := fields(c.Local.Payload)
	if err != nil {
		return Resolution{}, fmt.Errorf("local: %w", err)
	}

	remote, err := fields(c.Remote.Data)
	if err != nil {
		return Resolution{}, fmt.Errorf("remote: %w", err)
	}

	keys := unionKeys(base, local, remote)
	merged := make(map[string]json.RawMessage, len(keys))

	for _, k := range keys {
		b, bok := base[k]
		l, lok := local[k]
		r, rok := remote[k]

		switch {
		case same(l, lok, r, rok):
			if lok {
				merged[k] = json.RawMessage(l.Raw)
			}
		case same(l, lok, b, bok):
			if rok {
				merged[k] = json.RawMessage(r.Raw)
			}
		case same(r, rok, b, bok):
			if lok {
				merged[k] = json.RawMessage(l.Raw)
			}
		default:
			text, ok := m.mergeText(k, b, l, r)
			if !ok {
				return Resolution{
					Outcome: models.OutcomeUnresolvable,
					Reason:  fmt.Sprintf("field %q changed on both sides", k),
				}, nil
			}

			merged[k] = text
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return Resolution{}, err
	}

	if remoteRaw, err := json.Marshal(rawFields(remote)); err == nil && bytes.Equal(out, remoteRaw) {
		return Resolution{Outcome: models.OutcomeResolvedRemote, Reason: "local edits already present remotely"}, nil
	}

	return Resolution{
		Outcome:   models.OutcomeMerged,
		Operation: models.OpUpdate,
		Payload:   out,
		Reason:    "field merge",
	}, nil
}

// mergeText applies the base-to-local text edits on top of the remote
// text. Any patch that fails to apply makes the merge unsafe.
func (m *fieldMerger) mergeText(field string, base, local, remote gjson.Result) (json.RawMessage, bool) {
	if !m.text[field] || local.Type != gjson.String || remote.Type != gjson.String {
		return nil, false
	}

	baseText := ""
	if base.Type == gjson.String {
		baseText = base.Str
	}

	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(baseText, local.Str, true)
	if len(diffs) > diffCleanupThreshold {
		diffs = dmp.DiffCleanupSemantic(diffs)
		diffs = dmp.DiffCleanupEfficiency(diffs)
	}

	patches := dmp.PatchMake(baseText, diffs)

	merged, applied := dmp.PatchApply(patches, remote.Str)
	for _, ok := range applied {
		if !ok {
			return nil, false
		}
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, false
	}

	return raw, true
}

func fields(doc json.RawMessage) (map[string]gjson.Result, error) {
	out := make(map[string]gjson.Result)
	if len(bytes.TrimSpace(doc)) == 0 {
		return out, nil
	}

	if !gjson.ValidBytes(doc) {
		return nil, fmt.Errorf("invalid JSON")
	}

	parsed := gjson.ParseBytes(doc)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("not a JSON object")
	}

	parsed.ForEach(func(k, v gjson.Result) bool {
		out[k.Str] = v
		return true
	})

	return out, nil
}

func rawFields(m map[string]gjson.Result) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = json.RawMessage(v.Raw)
	}

	return out
}

func unionKeys(maps ...map[string]gjson.Result) []string {
	seen := make(map[string]bool)

	var keys []string

	for _, m := range maps {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}

	sort.Strings(keys)

	return keys
}

// same compares two optional values by canonical JSON.
func same(a gjson.Result, aok bool, b gjson.Result, bok bool) bool {
	if aok != bok {
		return false
	}

	if !aok {
		return true
	}

	return canonical(a.Raw) == canonical(b.Raw)
}

func canonical(raw string) string {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return raw
	}

	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}

	return string(out)
}
