package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hwconfirm/internal/model"
	"hwconfirm/internal/signature"
	"hwconfirm/internal/transport/mqtt"
)

// simConfig is the resolved flag/env configuration of one simulated device.
type simConfig struct {
	Broker   string
	Username string
	Password string
	DeviceID string
	Secret   []byte
	QoS      byte
	Reject   bool
	Delay    time.Duration
}

func newSimViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("DEVICESIM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func newRootCmd() *cobra.Command {
	v := newSimViper()

	cmd := &cobra.Command{
		Use:   "devicesim",
		Short: "Simulate a hardware confirmation button",
		Long: `devicesim connects to the MQTT broker as a confirmation device.
It waits for challenges on devices/{id}/challenge, "presses the button"
after --delay and answers on devices/{id}/response.

Every flag can also be set as DEVICESIM_<FLAG>, e.g. DEVICESIM_DEVICE_ID.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSimConfig(v)
			if err != nil {
				return err
			}
			return runDevice(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	flags.String("username", "", "MQTT username")
	flags.String("password", "", "MQTT password")
	flags.String("device-id", "", "device id registered with the server")
	flags.String("secret", "", "shared secret, 64 hex characters")
	flags.Int("qos", 1, "MQTT QoS for subscribe and publish")
	flags.Bool("reject", false, "answer with a corrupted signature")
	flags.Duration("delay", time.Second, "time until the button is pressed")

	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}
	return cmd
}

func loadSimConfig(v *viper.Viper) (simConfig, error) {
	deviceID := v.GetString("device-id")
	if deviceID == "" || strings.ContainsAny(deviceID, "/+#") {
		return simConfig{}, model.ErrInvalidDeviceID
	}

	secret, err := hex.DecodeString(v.GetString("secret"))
	if err != nil || len(secret) != model.SecretSize {
		return simConfig{}, model.ErrInvalidSecretFormat
	}

	qos := v.GetInt("qos")
	if qos < 0 || qos > 2 {
		return simConfig{}, fmt.Errorf("qos must be 0, 1 or 2, got %d", qos)
	}

	return simConfig{
		Broker:   v.GetString("broker"),
		Username: v.GetString("username"),
		Password: v.GetString("password"),
		DeviceID: deviceID,
		Secret:   secret,
		QoS:      byte(qos),
		Reject:   v.GetBool("reject"),
		Delay:    v.GetDuration("delay"),
	}, nil
}

// answer signs the challenge the way device firmware does.
func answer(cfg simConfig, msg model.ChallengeMessage) mqtt.ResponsePayload {
	sig := signature.Sign(cfg.Secret, msg.Challenge)
	if cfg.Reject {
		sig = corrupt(sig)
	}
	return mqtt.ResponsePayload{
		SignatureHex:   sig,
		ConfirmationID: msg.ConfirmationID,
	}
}

// corrupt flips the first hex digit so the signature stays well-formed.
func corrupt(sig string) string {
	if sig == "" {
		return sig
	}
	flipped := "0"
	if sig[0] == '0' {
		flipped = "1"
	}
	return flipped + sig[1:]
}

func runDevice(ctx context.Context, cfg simConfig) error {
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("devicesim-" + cfg.DeviceID + "-" + uuid.NewString()[:8]).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	challengeTopic := mqtt.ChallengeTopic(cfg.DeviceID)
	responseTopic := mqtt.ResponseTopic(cfg.DeviceID)

	onChallenge := func(client paho.Client, m paho.Message) {
		var msg model.ChallengeMessage
		if err := json.Unmarshal(m.Payload(), &msg); err != nil {
			log.Printf("[Device] Ignoring malformed challenge: %v", err)
			return
		}
		log.Printf("[Device] Challenge: confirmation=%s action=%q", msg.ConfirmationID, msg.Action)

		go func() {
			select {
			case <-time.After(cfg.Delay):
			case <-ctx.Done():
				return
			}

			payload, err := json.Marshal(answer(cfg, msg))
			if err != nil {
				log.Printf("[Device] Encode response: %v", err)
				return
			}
			token := client.Publish(responseTopic, cfg.QoS, false, payload)
			if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
				log.Printf("[Device] Response not published: confirmation=%s err=%v", msg.ConfirmationID, token.Error())
				return
			}
			log.Printf("[Device] Button pressed: confirmation=%s reject=%t", msg.ConfirmationID, cfg.Reject)
		}()
	}

	// Resubscribe on every (re)connect; the session is clean.
	opts.SetOnConnectHandler(func(client paho.Client) {
		token := client.Subscribe(challengeTopic, cfg.QoS, onChallenge)
		if token.Wait() && token.Error() != nil {
			log.Printf("[Device] Subscribe failed: %v", token.Error())
			return
		}
		log.Printf("[Device] Listening on %s", challengeTopic)
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect to %s: %w", cfg.Broker, err)
		}
	case <-ctx.Done():
		return nil
	}
	defer client.Disconnect(250)

	<-ctx.Done()
	log.Println("[Device] Shutting down")
	return nil
}
