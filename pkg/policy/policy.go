// Package policy implements the data-disclosure model that decides which
// payload slices may cross the boundary to an external AI provider.
//
// Two policy levels exist: the node policy (operator-configured ceiling) and
// the action/workflow policy (what a specific action wants). The effective
// policy for any call is the per-field AND of the two; an action can never
// exceed what the node allows, and the node policy alone grants nothing
// unless an action also requests it.
package policy

// Payload field names governed by disclosure flags.
const (
	FieldPublicPosts    = "publicPosts"
	FieldCommunityPosts = "communityPosts"
	FieldDmMessages     = "dmMessages"
	FieldProfile        = "profile"
)

// Policy is a declared disclosure policy. Fields are pointers so that an
// omitted field is distinguishable from an explicit false: normalization
// treats omission as a safe false, while combination treats an action's
// omission as "requested" so that omission does not silently deny.
type Policy struct {
	SendPublicPosts    *bool  `json:"send_public_posts,omitempty" yaml:"send_public_posts,omitempty"`
	SendCommunityPosts *bool  `json:"send_community_posts,omitempty" yaml:"send_community_posts,omitempty"`
	SendDm             *bool  `json:"send_dm,omitempty" yaml:"send_dm,omitempty"`
	SendProfile        *bool  `json:"send_profile,omitempty" yaml:"send_profile,omitempty"`
	Notes              string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// Effective is a fully resolved disclosure policy: every field decided.
type Effective struct {
	SendPublicPosts    bool   `json:"send_public_posts"`
	SendCommunityPosts bool   `json:"send_community_posts"`
	SendDm             bool   `json:"send_dm"`
	SendProfile        bool   `json:"send_profile"`
	Notes              string `json:"notes,omitempty"`
}

// RedactedField describes one payload slice removed by Redact.
type RedactedField struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Normalize resolves a declared policy, filling missing fields with the safe
// default false. A nil policy normalizes to deny-everything.
func Normalize(p *Policy) Effective {
	if p == nil {
		return Effective{}
	}
	return Effective{
		SendPublicPosts:    orFalse(p.SendPublicPosts),
		SendCommunityPosts: orFalse(p.SendCommunityPosts),
		SendDm:             orFalse(p.SendDm),
		SendProfile:        orFalse(p.SendProfile),
		Notes:              p.Notes,
	}
}

// Combine computes the effective policy for a call: per-field AND of the node
// ceiling and the action's request, where an omitted action field counts as
// requested. The node policy is the hard ceiling on every field.
func Combine(node Effective, action *Policy) Effective {
	var a Policy
	if action != nil {
		a = *action
	}
	eff := Effective{
		SendPublicPosts:    node.SendPublicPosts && orTrue(a.SendPublicPosts),
		SendCommunityPosts: node.SendCommunityPosts && orTrue(a.SendCommunityPosts),
		SendDm:             node.SendDm && orTrue(a.SendDm),
		SendProfile:        node.SendProfile && orTrue(a.SendProfile),
		Notes:              node.Notes,
	}
	if a.Notes != "" {
		eff.Notes = a.Notes
	}
	return eff
}

// Redact removes the payload slices disallowed by the effective policy and
// reports what was removed. The caller's payload is never mutated; the
// returned map is a fresh top-level copy. Redacting an already-redacted
// payload under the same policy removes nothing further.
func Redact(payload map[string]any, eff Effective) (map[string]any, []RedactedField) {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}

	var removed []RedactedField
	for field, allowed := range map[string]bool{
		FieldPublicPosts:    eff.SendPublicPosts,
		FieldCommunityPosts: eff.SendCommunityPosts,
		FieldDmMessages:     eff.SendDm,
		FieldProfile:        eff.SendProfile,
	} {
		if allowed {
			continue
		}
		if _, present := out[field]; !present {
			continue
		}
		delete(out, field)
		removed = append(removed, RedactedField{
			Field:  field,
			Reason: "disallowed by effective data policy",
		})
	}
	return out, removed
}

// Violations returns the fields the action explicitly requests but the node
// forbids. Dispatch raises on these instead of silently redacting. Omitted
// action fields are not violations; they fall back to silent redaction via
// Combine.
func Violations(node Effective, action *Policy) []string {
	if action == nil {
		return nil
	}
	var fields []string
	if isTrue(action.SendPublicPosts) && !node.SendPublicPosts {
		fields = append(fields, "sendPublicPosts")
	}
	if isTrue(action.SendCommunityPosts) && !node.SendCommunityPosts {
		fields = append(fields, "sendCommunityPosts")
	}
	if isTrue(action.SendDm) && !node.SendDm {
		fields = append(fields, "sendDm")
	}
	if isTrue(action.SendProfile) && !node.SendProfile {
		fields = append(fields, "sendProfile")
	}
	return fields
}

// Bool is a convenience for building declared policies in code and tests.
func Bool(v bool) *bool { return &v }

func orFalse(v *bool) bool { return v != nil && *v }

func orTrue(v *bool) bool { return v == nil || *v }

func isTrue(v *bool) bool { return v != nil && *v }
