package main

import (
	"fmt"
	"os"
)

func main() {
	a, err := newApp()
	if err != nil {
		fmt.Printf("Failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.close()

	fmt.Printf("Server listening on :%s\n", a.port)
	if err := a.run(":" + a.port); err != nil {
		a.log.Warn("server failed", "error", err)
	}
}
