package cmd

import (
	"fmt"
	"strconv"
	"time"

	"example.com/backstage/services/ingest/internal/core"
	"example.com/backstage/services/ingest/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	unpairedStatus   string
	unpairedLimit    int
	unpairedProject  uint
	unpairedNodeName string
)

var unpairedCmd = &cobra.Command{
	Use:   "unpaired",
	Short: "Inspect and pair devices that sent traffic without a node",
}

var unpairedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unpaired devices, most recently seen first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPairing(func(svc *core.PairingService) error {
			devices, err := svc.List(cmd.Context(), core.UnpairedStatus(unpairedStatus), unpairedLimit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-6s %-24s %-8s %-6s %-20s %s\n", "ID", "HARDWARE ID", "STATUS", "SEEN", "LAST SEEN", "SUGGESTED PROJECT")
			for _, d := range devices {
				suggested := "-"
				if d.SuggestedProjectID != nil {
					suggested = strconv.FormatUint(uint64(*d.SuggestedProjectID), 10)
				}
				fmt.Fprintf(out, "%-6d %-24s %-8s %-6d %-20s %s\n",
					d.ID, d.HardwareID, d.Status, d.SeenCount, d.LastSeenAt.Format(time.DateTime), suggested)
			}
			return nil
		})
	},
}

var unpairedPairCmd = &cobra.Command{
	Use:   "pair <id>",
	Short: "Create a node for a pending device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if unpairedProject == 0 {
			return fmt.Errorf("--project is required")
		}
		return withPairing(func(svc *core.PairingService) error {
			node, err := svc.Pair(cmd.Context(), id, core.PairRequest{ProjectID: unpairedProject, NodeName: unpairedNodeName})
			if err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{
				"unpaired_id": id,
				"node_id":     node.ID,
				"node_code":   node.Code,
				"project_id":  node.ProjectID,
			}).Info("Device paired")
			return nil
		})
	},
}

var unpairedIgnoreCmd = &cobra.Command{
	Use:   "ignore <id>",
	Short: "Hide a pending device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withPairing(func(svc *core.PairingService) error {
			if err := svc.Ignore(cmd.Context(), id); err != nil {
				return err
			}
			logger.WithField("unpaired_id", id).Info("Device ignored")
			return nil
		})
	},
}

var unpairedResetCmd = &cobra.Command{
	Use:   "reset <id>",
	Short: "Return an ignored device to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withPairing(func(svc *core.PairingService) error {
			if err := svc.Reset(cmd.Context(), id); err != nil {
				return err
			}
			logger.WithField("unpaired_id", id).Info("Device reset to pending")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(unpairedCmd)
	unpairedCmd.AddCommand(unpairedListCmd, unpairedPairCmd, unpairedIgnoreCmd, unpairedResetCmd)

	unpairedListCmd.Flags().StringVar(&unpairedStatus, "status", string(core.UnpairedPending), "Filter by status (pending, paired, ignored; empty for all)")
	unpairedListCmd.Flags().IntVarP(&unpairedLimit, "limit", "l", 50, "Maximum number of devices to list")
	unpairedPairCmd.Flags().UintVarP(&unpairedProject, "project", "p", 0, "Project to create the node in")
	unpairedPairCmd.Flags().StringVar(&unpairedNodeName, "name", "", "Node display name (default the hardware id)")
}

func withPairing(fn func(*core.PairingService) error) error {
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	return fn(core.NewPairingService(core.NewDataStore(db.DB), logger))
}

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint(id), nil
}
