package main

import (
	"MeloForge/cmd"
)

func main() {
	cmd.Execute()
}
