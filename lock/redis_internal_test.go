package lock

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-redsync/redsync/v4"
	"github.com/stretchr/testify/assert"
)

func TestIsContention(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"failed", redsync.ErrFailed, true},
		{"wrapped failed", fmt.Errorf("acquire: %w", redsync.ErrFailed), true},
		{"taken", &redsync.ErrTaken{Nodes: []int{0}}, true},
		{"message only", errors.New("lock already taken"), false},
		{"connection refused", errors.New("dial tcp 127.0.0.1:6379: connect: connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isContention(tt.err))
		})
	}
}
