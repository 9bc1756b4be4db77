package main

import "guardwatch/internal/cli"

func main() {
	cli.Execute()
}
