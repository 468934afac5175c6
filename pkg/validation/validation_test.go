package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "xipher/pkg/errors"
)

func TestValidateUserID(t *testing.T) {
	assert.NoError(t, ValidateUserID("alice"))
	assert.NoError(t, ValidateUserID("0xAbC:device-1"))
	assert.Error(t, ValidateUserID(""))
	assert.Error(t, ValidateUserID("   "))
	assert.Error(t, ValidateUserID("bad id"))
	assert.True(t, apperrors.IsCode(ValidateUserID(""), apperrors.ErrCodeInvalidInput))
}

func TestValidateCallID(t *testing.T) {
	assert.NoError(t, ValidateCallID("7f1c7b9a-2f52-4f25-9d4b-4d0d55e9b8b0"))
	assert.Error(t, ValidateCallID("call-1"))
}

func TestValidateCallKind(t *testing.T) {
	assert.NoError(t, ValidateCallKind("audio"))
	assert.NoError(t, ValidateCallKind("video"))
	assert.Error(t, ValidateCallKind("screen"))
}

func TestValidateGroupMembers(t *testing.T) {
	cases := []struct {
		name    string
		members []string
		wantErr bool
	}{
		{"ok", []string{"bob", "carol"}, false},
		{"empty", nil, true},
		{"includes self", []string{"alice", "bob"}, true},
		{"duplicate", []string{"bob", "bob"}, true},
		{"too many", []string{"b", "c", "d", "e"}, true},
		{"invalid member", []string{"b c"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateGroupMembers("alice", tc.members, 4)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateWebSocketURL(t *testing.T) {
	assert.NoError(t, ValidateWebSocketURL("wss://relay.example.org/janus"))
	assert.Error(t, ValidateWebSocketURL("http://relay.example.org"))
	assert.Error(t, ValidateWebSocketURL("ws://"))
}

func TestValidateNonEmptyString(t *testing.T) {
	assert.NoError(t, ValidateNonEmptyString("x", "field"))
	err := ValidateNonEmptyString(" ", "field")
	assert.ErrorContains(t, err, "field is required")
}
