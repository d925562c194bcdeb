package main

import "github.com/keyfort/keyfort/internal/cli"

func main() {
	cli.Execute()
}
