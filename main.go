// Entrypoint for the ppexec CLI; command handling lives in cmd/root.go.

package main

import (
	"github.com/ppexec/ppexec/cmd"
)

func main() {
	cmd.Execute()
}
