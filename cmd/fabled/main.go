package main

import "github.com/fablehq/fable/internal/cli"

func main() {
	cli.Execute()
}
