package main

import "github.com/AvaProtocol/ap-relay/cmd"

func main() {
	cmd.Execute()
}
