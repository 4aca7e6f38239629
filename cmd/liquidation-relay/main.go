package main

import "liquidation-relay/internal/cli"

func main() {
	cli.Execute()
}
