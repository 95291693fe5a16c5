package cmd

import (
	"MeloForge/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动MeloForge服务器",
	Long:  `启动MeloForge音乐生成系统的HTTP服务器，提供生成、回调与曲目API`,
	Run: func(cmd *cobra.Command, args []string) {
		server.Start()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
