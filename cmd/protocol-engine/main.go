package main

import (
	"github.com/labflow/protocol-engine/pkg/cli/cmd"
)

// CLI入口：analyze / server / version 子命令
func main() {
	cmd.Execute()
}
