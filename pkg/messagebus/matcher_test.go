package messagebus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		key     string
		want    bool
	}{
		{"exact match", "agent.heartbeat", "agent.heartbeat", true},
		{"exact mismatch", "agent.heartbeat", "agent.register", false},
		{"star matches one segment", "agent.*", "agent.heartbeat", true},
		{"star refuses two segments", "agent.*", "agent.task.completed", false},
		{"star refuses zero segments", "agent.*", "agent", false},
		{"star in the middle", "workflow.*.changed", "workflow.state.changed", true},
		{"hash matches zero segments", "agent.#", "agent", true},
		{"hash matches one segment", "agent.#", "agent.heartbeat", true},
		{"hash matches many segments", "agent.#", "agent.task.completed.v2", true},
		{"hash alone matches everything", "#", "error.database", true},
		{"hash then literal", "#.failed", "workflow.failed", true},
		{"hash then literal deep", "#.failed", "agent.task.failed", true},
		{"hash then literal mismatch", "#.failed", "agent.task.completed", false},
		{"literal then hash then literal", "error.#.critical", "error.db.replica.critical", true},
		{"longer key than pattern", "workflow.started", "workflow.started.extra", false},
		{"shorter key than pattern", "workflow.state.changed", "workflow.state", false},
		{"star and hash combined", "*.task.#", "agent.task.completed", true},
		{"star and hash combined mismatch", "*.task.#", "task.completed", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.key))
		})
	}
}
