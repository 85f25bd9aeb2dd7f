package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"example.com/backstage/services/ingest/internal/infrastructure"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	simDevices     int
	simPrefix      string
	simCount       int
	simInterval    time.Duration
	simTopicFormat string
	simFormat      string
	simGateway     string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Publish synthetic device uplinks to the broker",
	Long: `Publishes temperature/humidity uplinks for a set of fake devices through the
same MQTT session the service uses. Handy for exercising profiles and pairing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSimulate(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().IntVarP(&simDevices, "devices", "n", 3, "Number of simulated devices")
	simulateCmd.Flags().StringVar(&simPrefix, "prefix", "sim-", "Hardware id prefix")
	simulateCmd.Flags().IntVar(&simCount, "count", 10, "Uplinks per device (0 runs until interrupted)")
	simulateCmd.Flags().DurationVar(&simInterval, "interval", 5*time.Second, "Delay between rounds")
	simulateCmd.Flags().StringVar(&simTopicFormat, "topic", "devices/%s/telemetry", "Topic format; %s is the hardware id")
	simulateCmd.Flags().StringVar(&simFormat, "format", "json", "Payload encoding: json or cbor")
	simulateCmd.Flags().StringVar(&simGateway, "gateway", "", "Gateway id to stamp on every uplink")
}

func runSimulate(ctx context.Context) error {
	if simDevices <= 0 {
		return fmt.Errorf("--devices must be positive")
	}
	if simFormat != "json" && simFormat != "cbor" {
		return fmt.Errorf("unsupported --format %q", simFormat)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mqttCfg := cfg.MQTT
	mqttCfg.ClientID = "ingest-simulator-" + uuid.NewString()[:8]
	mqttCfg.CleanSession = true
	session, err := infrastructure.NewSession(mqttCfg, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Connect(ctx); err != nil {
		return err
	}
	if err := waitConnected(ctx, session, mqttCfg.ConnectTimeout); err != nil {
		return err
	}

	rnd := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	ticker := time.NewTicker(simInterval)
	defer ticker.Stop()

	sent, failed := 0, 0
	for round := 0; simCount == 0 || round < simCount; round++ {
		for i := 0; i < simDevices; i++ {
			id := fmt.Sprintf("%s%03d", simPrefix, i+1)
			payload, err := simulatedUplink(id, simGateway, time.Now().UTC(), rnd, simFormat)
			if err != nil {
				return err
			}
			topic := simTopic(simTopicFormat, id)
			if err := session.Publish(topic, payload, mqttCfg.QoS); err != nil {
				failed++
				logger.WithError(err).WithField("topic", topic).Warn("Failed to publish uplink")
				continue
			}
			sent++
		}
		logger.WithFields(logrus.Fields{"round": round + 1, "sent": sent, "failed": failed}).Info("Uplinks published")

		if simCount != 0 && round == simCount-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

func waitConnected(ctx context.Context, session *infrastructure.Session, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	changes, stop := session.Watch()
	defer stop()
	if session.IsConnected() {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("timed out connecting to %s", cfg.MQTT.BrokerURL)
		case ch := <-changes:
			switch ch.To {
			case infrastructure.StateConnected:
				return nil
			case infrastructure.StateExhausted:
				return fmt.Errorf("could not connect to %s: %w", cfg.MQTT.BrokerURL, ch.Err)
			}
		}
	}
}

func simTopic(format, id string) string {
	if strings.Contains(format, "%s") {
		return fmt.Sprintf(format, id)
	}
	return strings.TrimSuffix(format, "/") + "/" + id
}

type simUplink struct {
	DeviceID  string      `json:"deviceId" cbor:"deviceId"`
	GatewayID string      `json:"gatewayId,omitempty" cbor:"gatewayId,omitempty"`
	MessageID string      `json:"messageId" cbor:"messageId"`
	Ts        int64       `json:"ts" cbor:"ts"`
	Data      simReadings `json:"data" cbor:"data"`
}

type simReadings struct {
	Temperature int     `json:"t" cbor:"t"` // tenths of a degree
	Humidity    float64 `json:"h" cbor:"h"`
	Battery     int     `json:"bat" cbor:"bat"` // millivolts
}

// simulatedUplink builds one uplink in the shape the sample profiles expect.
func simulatedUplink(deviceID, gatewayID string, now time.Time, rnd *rand.Rand, format string) ([]byte, error) {
	up := simUplink{
		DeviceID:  deviceID,
		GatewayID: gatewayID,
		MessageID: uuid.NewString(),
		Ts:        now.Unix(),
		Data: simReadings{
			Temperature: 180 + rnd.IntN(100),
			Humidity:    40 + rnd.Float64()*20,
			Battery:     3000 + rnd.IntN(600),
		},
	}
	if format == "cbor" {
		return cbor.Marshal(up)
	}
	return json.Marshal(up)
}
