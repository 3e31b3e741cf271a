package main

import "github.com/uratmangun/arbitrum-vibekit-sub004/cmd"

func main() {
	cmd.Execute()
}
