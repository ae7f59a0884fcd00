package main

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hwconfirm/internal/model"
	"hwconfirm/internal/signature"
)

func testSecret() []byte {
	b := make([]byte, model.SecretSize)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestLoadSimConfig_FromEnv(t *testing.T) {
	t.Setenv("DEVICESIM_DEVICE_ID", "D1")
	t.Setenv("DEVICESIM_SECRET", strings.ToUpper(hex.EncodeToString(testSecret())))
	t.Setenv("DEVICESIM_REJECT", "true")
	t.Setenv("DEVICESIM_DELAY", "250ms")

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags(nil))

	v := newSimViper()
	require.NoError(t, v.BindPFlags(cmd.Flags()))

	cfg, err := loadSimConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "D1", cfg.DeviceID)
	assert.Equal(t, testSecret(), cfg.Secret)
	assert.True(t, cfg.Reject)
	assert.Equal(t, 250*time.Millisecond, cfg.Delay)
	assert.Equal(t, "tcp://localhost:1883", cfg.Broker)
	assert.Equal(t, byte(1), cfg.QoS)
}

func TestLoadSimConfig_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		deviceID string
		secret   string
		want     error
	}{
		{"missing id", "", hex.EncodeToString(testSecret()), model.ErrInvalidDeviceID},
		{"topic wildcard", "a/b", hex.EncodeToString(testSecret()), model.ErrInvalidDeviceID},
		{"short secret", "D1", "abcd", model.ErrInvalidSecretFormat},
		{"not hex", "D1", strings.Repeat("zz", 32), model.ErrInvalidSecretFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.Set("device-id", tt.deviceID)
			v.Set("secret", tt.secret)

			_, err := loadSimConfig(v)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAnswer_SignsChallenge(t *testing.T) {
	cfg := simConfig{DeviceID: "D1", Secret: testSecret()}
	msg := model.ChallengeMessage{Challenge: strings.Repeat("ab", 32), ConfirmationID: "c-1"}

	resp := answer(cfg, msg)
	assert.Equal(t, "c-1", resp.ConfirmationID)
	assert.True(t, signature.Verify(cfg.Secret, msg.Challenge, resp.SignatureHex))
}

func TestAnswer_RejectCorruptsSignature(t *testing.T) {
	cfg := simConfig{DeviceID: "D1", Secret: testSecret(), Reject: true}
	msg := model.ChallengeMessage{Challenge: strings.Repeat("ab", 32), ConfirmationID: "c-1"}

	resp := answer(cfg, msg)
	assert.True(t, signature.IsWellFormed(resp.SignatureHex))
	assert.False(t, signature.Verify(cfg.Secret, msg.Challenge, resp.SignatureHex))
}
