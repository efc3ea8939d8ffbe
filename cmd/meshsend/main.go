// Meshsend - send a signed remote command to a meshbridge node
//
// Companion-side counterpart to the bridge's remote-serial pipeline: builds
// a signed command envelope, publishes it to the node's commands topic, and
// waits for the node's signed response.
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/meshcore-net/meshbridge/pkg/token"
	"github.com/meshcore-net/meshbridge/pkg/util"
	"github.com/meshcore-net/meshbridge/pkg/version"
)

const envelopeExpiry = 2 * time.Minute

var (
	brokerURL   string
	username    string
	password    string
	iata        string
	targetKey   string
	privateKey  string
	waitTimeout time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "meshsend <command...>",
	Short:         "Send a signed remote command to a meshbridge node",
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.MinimumNArgs(1),
	Long: `Meshsend signs a command with your companion private key and publishes it
to the target node's serial/commands topic. The node only executes commands
from companions on its allowlist.

  meshsend --broker tcp://broker.example.org:1883 --iata CDG \
    --target <node-public-key> ver`,
	RunE: run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Info())
	},
}

func init() {
	rootCmd.Flags().StringVar(&brokerURL, "broker", "", "Broker URL, e.g. tcp://host:1883 or wss://host:443/")
	rootCmd.Flags().StringVar(&username, "username", "", "Broker username")
	rootCmd.Flags().StringVar(&password, "password", "", "Broker password")
	rootCmd.Flags().StringVar(&iata, "iata", "XXX", "Region code used in the node's topics")
	rootCmd.Flags().StringVar(&targetKey, "target", "", "Target node public key (64 hex chars)")
	rootCmd.Flags().StringVar(&privateKey, "key", "", "Companion private key (128 hex chars; prompted when omitted)")
	rootCmd.Flags().DurationVar(&waitTimeout, "timeout", 30*time.Second, "How long to wait for the node's response")
	rootCmd.MarkFlagRequired("broker")
	rootCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(versionCmd)
}

func run(cmd *cobra.Command, args []string) error {
	command := strings.Join(args, " ")

	target, err := util.NormalizePublicKey(targetKey)
	if err != nil {
		return fmt.Errorf("invalid target key: %w", err)
	}

	priv := privateKey
	if priv == "" {
		fmt.Fprint(os.Stderr, "Companion private key: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("reading key: %w", err)
		}
		priv = strings.TrimSpace(string(raw))
	}
	priv, err = util.ValidatePrivateKey(priv)
	if err != nil {
		return fmt.Errorf("invalid companion key: %w", err)
	}

	companionPub, err := derivePublicKey(priv)
	if err != nil {
		return err
	}

	nonce := uuid.NewString()
	envelope, err := token.Create(companionPub, priv, envelopeExpiry, token.Claims{
		"command": command,
		"target":  target,
		"nonce":   nonce,
	})
	if err != nil {
		return fmt.Errorf("signing command: %w", err)
	}

	commandsTopic := fmt.Sprintf("meshcore/%s/%s/serial/commands", iata, target)
	responsesTopic := fmt.Sprintf("meshcore/%s/%s/serial/responses", iata, target)

	responses := make(chan token.Claims, 8)

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID("meshsend_" + nonce[:8]).
		SetCleanSession(true).
		SetConnectTimeout(10 * time.Second)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
		return fmt.Errorf("connecting to %s: %v", brokerURL, tok.Error())
	}
	defer client.Disconnect(250)

	subTok := client.Subscribe(responsesTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		claims, err := token.Verify(strings.TrimSpace(string(msg.Payload())), target)
		if err != nil {
			util.Debugf("Ignoring response that fails verification: %v", err)
			return
		}
		responses <- claims
	})
	if !subTok.WaitTimeout(10*time.Second) || subTok.Error() != nil {
		return fmt.Errorf("subscribing to %s: %v", responsesTopic, subTok.Error())
	}

	pubTok := client.Publish(commandsTopic, 1, false, envelope)
	if !pubTok.WaitTimeout(10*time.Second) || pubTok.Error() != nil {
		return fmt.Errorf("publishing command: %v", pubTok.Error())
	}
	util.Infof("Command sent to %s (nonce %s)", commandsTopic, nonce)

	deadline := time.After(waitTimeout)
	for {
		select {
		case claims := <-responses:
			// Another companion's response may arrive on the shared topic.
			if claims.String("request_id") != nonce {
				continue
			}
			if claims.Bool("success") {
				fmt.Println(claims.String("response"))
				return nil
			}
			return fmt.Errorf("command failed: %s", claims.String("response"))
		case <-deadline:
			return fmt.Errorf("no response from node within %s", waitTimeout)
		}
	}
}

func derivePublicKey(privHex string) (string, error) {
	raw, err := hex.DecodeString(privHex)
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid private key")
	}
	pub := ed25519.PrivateKey(raw).Public().(ed25519.PublicKey)
	return strings.ToUpper(hex.EncodeToString(pub)), nil
}
