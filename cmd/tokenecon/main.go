package main

import "token-economy/internal/cli"

func main() {
	cli.Execute()
}
