package main

import "github.com/triekv/triekv/cmd"

func main() {
	cmd.Execute()
}
