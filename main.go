package main

import "listing-optimizer/internal/cli"

func main() {
	cli.Execute()
}
