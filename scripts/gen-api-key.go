package main

import (
	"fmt"
	"os"

	"github.com/ecocollect/phonegate/internal/util"
)

// Prints a fresh SMS_API_KEY value.
func main() {
	key, err := util.GenerateToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(key)
}
