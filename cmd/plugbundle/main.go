package main

import "github.com/plugbundle/plugbundle/cmd/plugbundle/internal"

func main() {
	internal.Execute()
}
