package main

import "fuzzci/internal/app"

func main() {
	app.Main()
}
