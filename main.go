package main

import "github.com/ngld/assetsys/cmd"

func main() {
	cmd.Execute()
}
