package main

import "github.com/julienstroheker/hexrelay/node/cmd"

func main() {
	cmd.Execute()
}
