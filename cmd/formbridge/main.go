// Command formbridge runs the portal form automation service.
package main

import "github.com/formbridge/formbridge/cmd/formbridge/cmd"

func main() {
	cmd.Execute()
}
