package main

import "github.com/DominicWuest/sqlbisect/cmd"

func main() {
	cmd.Execute()
}
