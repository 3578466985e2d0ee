package main

import "LiveAvatarGateway/internal/cli"

func main() {
	cli.Execute()
}
