package main

import "github.com/nearwave/nearwave/internal/app"

func main() {
	app.Execute()
}
