package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry(t *testing.T) {
	type lookup struct {
		execution string
		session   string // empty means not found
	}
	tests := []struct {
		name   string
		setup  func(r *SessionRegistry)
		expect []lookup
	}{
		{
			name:   "register",
			setup:  func(r *SessionRegistry) { r.Register("exec-1", "claude-desktop") },
			expect: []lookup{{"exec-1", "claude-desktop"}, {"exec-2", ""}},
		},
		{
			name: "later session takes over an execution",
			setup: func(r *SessionRegistry) {
				r.Register("exec-1", "first")
				r.Register("exec-1", "second")
			},
			expect: []lookup{{"exec-1", "second"}},
		},
		{
			name: "remove drops every execution of a session",
			setup: func(r *SessionRegistry) {
				r.Register("exec-1", "gone")
				r.Register("exec-2", "gone")
				r.Register("exec-3", "kept")
				r.Remove("gone")
			},
			expect: []lookup{{"exec-1", ""}, {"exec-2", ""}, {"exec-3", "kept"}},
		},
		{
			name: "forget drops one execution",
			setup: func(r *SessionRegistry) {
				r.Register("exec-1", "s")
				r.Register("exec-2", "s")
				r.Forget("exec-1")
			},
			expect: []lookup{{"exec-1", ""}, {"exec-2", "s"}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := NewSessionRegistry()
			tc.setup(r)
			for _, l := range tc.expect {
				sid, ok := r.SessionFor(l.execution)
				assert.Equal(t, l.session != "", ok, l.execution)
				assert.Equal(t, l.session, sid, l.execution)
			}
		})
	}
}
