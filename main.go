package main

import "github.com/cognoxlabs/sofia/cmd"

func main() {
	cmd.Execute()
}
