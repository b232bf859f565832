package main

import "github.com/pynchy/pynchy/cmd"

func main() {
	cmd.Execute()
}
