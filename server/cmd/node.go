package cmd

import (
	"context"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/venlock/courier/server/courier"
)

var nodeConfigFile string

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a delivery node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return nodeRun()
	},
}

func init() {
	nodeCmd.Flags().StringVar(&nodeConfigFile, "config", "courier.yaml", "config file")
	courierCmd.AddCommand(nodeCmd)
}

func nodeRun() error {
	server, err := courier.NewCourierServer(nodeConfigFile, courier.ServerDeps{
		// Standalone nodes run with a volatile store; embedders inject the
		// real durable queue, device directory and push gateways.
		Store: newDevStore(),
	})
	if err != nil {
		log.Error().Err(err).Msg("courier server init failed")
		return err
	}
	return server.Start()
}

// devStore is an in-memory durable-store stand-in for standalone runs.
type devStore struct {
	mu   sync.Mutex
	next int
	byID map[string]*courier.Envelope
}

func newDevStore() *devStore {
	return &devStore{byID: make(map[string]*courier.Envelope)}
}

func (s *devStore) Insert(ctx context.Context, addr courier.Address, env *courier.Envelope) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := addr.String() + "#" + strconv.Itoa(s.next)
	s.byID[id] = env
	return id, nil
}
