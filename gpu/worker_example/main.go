package main

import "github.com/klippa-app/godds/gpu/plugin"

func main() {
	plugin.StartPlugin()
}
