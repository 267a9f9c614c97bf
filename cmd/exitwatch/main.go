package main

import "position-exit-alerts/internal/cli"

func main() {
	cli.Execute()
}
