// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/invowk/devup/cmd/devup"

func main() {
	cmd.Execute()
}
