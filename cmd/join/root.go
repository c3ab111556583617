// Package join implements the triekv join command.
package join

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	cmdUtil "github.com/triekv/triekv/cmd/util"
	"github.com/triekv/triekv/cluster"
	"github.com/triekv/triekv/common"
)

var JoinCmd = &cobra.Command{
	Use:   "join HOST PORT",
	Short: "Announce this node to a cluster seed",
	Long:  `Send a JOIN frame to HOST on PORT+10000 (the seed's cluster bus) announcing the address given by --ip-address and --ip-port, then print the peer list returned by the seed.`,
	Args:  cobra.ExactArgs(2),
	RunE:  run,
}

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	key := "ip-address"
	JoinCmd.Flags().StringP(key, "a", common.DefaultHost, cmdUtil.WrapString("The address to announce"))

	key = "ip-port"
	JoinCmd.Flags().IntP(key, "p", common.DefaultPort, cmdUtil.WrapString("The port to announce"))

	key = "timeout"
	JoinCmd.Flags().Duration(key, 5*time.Second, cmdUtil.WrapString("How long to wait for the seed's reply"))
}

func run(cmd *cobra.Command, args []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	seedHost := args[0]
	seedPort, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid port %s: %w", args[1], err)
	}

	members, err := cluster.SendJoin(
		viper.GetString("ip-address"),
		viper.GetInt("ip-port"),
		seedHost,
		seedPort,
		viper.GetDuration("timeout"),
	)
	if err != nil {
		return err
	}

	fmt.Printf("Joined cluster via %s:%d, %d members:\n", seedHost, seedPort, len(members))
	for _, m := range members {
		fmt.Printf("  %s\n", m.Addr())
	}
	return nil
}
