package main

import "github.com/patchgate/patchgate/internal/cli"

func main() {
	cli.ExecuteValidator()
}
