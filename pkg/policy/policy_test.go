package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_NilIsDenyAll(t *testing.T) {
	eff := Normalize(nil)
	assert.False(t, eff.SendPublicPosts)
	assert.False(t, eff.SendCommunityPosts)
	assert.False(t, eff.SendDm)
	assert.False(t, eff.SendProfile)
}

func TestNormalize_FillsMissingWithFalse(t *testing.T) {
	eff := Normalize(&Policy{SendPublicPosts: Bool(true), Notes: "public only"})
	assert.True(t, eff.SendPublicPosts)
	assert.False(t, eff.SendCommunityPosts)
	assert.False(t, eff.SendDm)
	assert.False(t, eff.SendProfile)
	assert.Equal(t, "public only", eff.Notes)
}

func TestCombine_ANDLaw(t *testing.T) {
	// combine(N,A).field == N.field && (A.field ?? true), never exceeding N.
	bools := []*bool{nil, Bool(false), Bool(true)}
	for _, n := range []bool{false, true} {
		node := Effective{SendDm: n}
		for _, a := range bools {
			eff := Combine(node, &Policy{SendDm: a})
			want := n && (a == nil || *a)
			assert.Equal(t, want, eff.SendDm, "node=%v action=%v", n, a)
			assert.False(t, eff.SendDm && !n, "must never exceed node")
		}
	}
}

func TestCombine_OmittedActionFieldCountsAsRequested(t *testing.T) {
	node := Effective{SendPublicPosts: true, SendProfile: true}
	eff := Combine(node, &Policy{})
	assert.True(t, eff.SendPublicPosts)
	assert.True(t, eff.SendProfile)
	assert.False(t, eff.SendDm)
}

func TestCombine_NilActionPolicy(t *testing.T) {
	node := Effective{SendCommunityPosts: true}
	eff := Combine(node, nil)
	assert.True(t, eff.SendCommunityPosts)
	assert.False(t, eff.SendDm)
}

func TestRedact_RemovesExactlyDisallowedSlices(t *testing.T) {
	payload := map[string]any{
		FieldPublicPosts:    []any{"post-1"},
		FieldCommunityPosts: []any{"c-post-1"},
		FieldDmMessages:     []any{"dm-1"},
		FieldProfile:        map[string]any{"name": "alice"},
		"prompt":            "summarize",
	}
	eff := Effective{SendPublicPosts: true, SendProfile: true}

	out, removed := Redact(payload, eff)

	assert.Contains(t, out, FieldPublicPosts)
	assert.Contains(t, out, FieldProfile)
	assert.Contains(t, out, "prompt")
	assert.NotContains(t, out, FieldCommunityPosts)
	assert.NotContains(t, out, FieldDmMessages)

	require.Len(t, removed, 2)
	fields := []string{removed[0].Field, removed[1].Field}
	assert.ElementsMatch(t, []string{FieldCommunityPosts, FieldDmMessages}, fields)
}

func TestRedact_DoesNotMutateOriginal(t *testing.T) {
	payload := map[string]any{FieldDmMessages: []any{"dm-1"}}
	_, removed := Redact(payload, Effective{})
	require.Len(t, removed, 1)
	assert.Contains(t, payload, FieldDmMessages)
}

func TestRedact_Idempotent(t *testing.T) {
	payload := map[string]any{
		FieldPublicPosts: []any{"p"},
		FieldDmMessages:  []any{"dm"},
	}
	eff := Effective{SendPublicPosts: true}

	once, removedOnce := Redact(payload, eff)
	require.Len(t, removedOnce, 1)

	twice, removedTwice := Redact(once, eff)
	assert.Empty(t, removedTwice)
	assert.Equal(t, once, twice)
}

func TestRedact_AbsentFieldsNotReported(t *testing.T) {
	out, removed := Redact(map[string]any{"prompt": "hi"}, Effective{})
	assert.Empty(t, removed)
	assert.Equal(t, map[string]any{"prompt": "hi"}, out)
}

func TestViolations(t *testing.T) {
	node := Effective{SendPublicPosts: true}

	tests := []struct {
		name   string
		action *Policy
		want   []string
	}{
		{"nil action", nil, nil},
		{"explicit dm against closed node", &Policy{SendDm: Bool(true)}, []string{"sendDm"}},
		{"omitted fields are not violations", &Policy{}, nil},
		{"explicit false is not a violation", &Policy{SendDm: Bool(false)}, nil},
		{
			"multiple violations enumerated",
			&Policy{SendDm: Bool(true), SendProfile: Bool(true), SendPublicPosts: Bool(true)},
			[]string{"sendDm", "sendProfile"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ElementsMatch(t, tt.want, Violations(node, tt.action))
		})
	}
}
