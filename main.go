package main

import "github.com/markb/chatrelay/cmd"

func main() {
	cmd.Execute()
}
