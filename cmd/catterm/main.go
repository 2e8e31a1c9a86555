package main

import "github.com/vanpelt/catterm/internal/cmd"

func main() {
	cmd.Execute()
}
